package router_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"basegraph.app/batchinfer/internal/dispatch"
	"basegraph.app/batchinfer/internal/http/handler"
	"basegraph.app/batchinfer/internal/http/router"
)

var _ = Describe("Router", func() {
	var (
		engine *gin.Engine
		reg    *prometheus.Registry
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		reg = prometheus.NewRegistry()
		dispatch.NewMetrics(reg)
		engine = router.New(router.RouterConfig{
			Gatherer: reg,
			Tracker:  &handler.RunTracker{},
		})
	})

	It("serves health checks", func() {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(MatchJSON(`{"status":"ok"}`))
	})

	It("exposes dispatcher metrics from the given registry", func() {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("batchinfer_jobs_in_flight"))
	})

	It("mounts the run routes", func() {
		req := httptest.NewRequest(http.MethodGet, "/run", nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusNotFound))
		Expect(w.Body.String()).To(ContainSubstring("no run in progress"))
	})

	It("recovers from handler panics", func() {
		engine.GET("/boom", func(*gin.Context) { panic("boom") })

		req := httptest.NewRequest(http.MethodGet, "/boom", nil)
		w := httptest.NewRecorder()
		Expect(func() { engine.ServeHTTP(w, req) }).NotTo(Panic())
		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})
})
