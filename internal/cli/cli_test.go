package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/core/config"
	"basegraph.app/batchinfer/internal/backoff"
	"basegraph.app/batchinfer/internal/dispatch"
	"basegraph.app/batchinfer/internal/manifest"
	"basegraph.app/batchinfer/internal/sink"
	"basegraph.app/batchinfer/internal/validate"
)

const checkManifest = `
schema:
  type: object
  required: [topic]
  properties:
    topic: {type: string}
jobs:
  - prompt: "Topic: transit"
  - prompt: "Topic: parks"
`

func writeManifest(body string) string {
	path := filepath.Join(GinkgoT().TempDir(), "jobs.yaml")
	Expect(os.WriteFile(path, []byte(body), 0o644)).To(Succeed())
	return path
}

var _ = Describe("check command", func() {
	It("reports the job count of a valid manifest", func() {
		path := writeManifest(checkManifest)

		root := NewRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"check", "--manifest", path})

		Expect(root.Execute()).To(Succeed())
		Expect(out.String()).To(ContainSubstring("2 jobs, schema=true"))
	})

	It("fails on an empty prompt", func() {
		path := writeManifest("jobs:\n  - prompt: \"  \"\n")

		root := NewRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs([]string{"check", "--manifest", path})

		Expect(root.Execute()).To(HaveOccurred())
	})

	It("requires --manifest", func() {
		root := NewRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs([]string{"check"})

		Expect(root.Execute()).To(MatchError(ContainSubstring("manifest")))
	})
})

var _ = Describe("newValidator", func() {
	It("enforces the manifest schema and repairs fenced output", func() {
		m, err := manifest.Load(writeManifest(checkManifest))
		Expect(err).NotTo(HaveOccurred())

		v, err := newValidator(m)
		Expect(err).NotTo(HaveOccurred())

		got, err := v.Validate(&llm.Completion{Text: "```json\n{\"topic\": \"transit\",}\n```", FinishReason: llm.FinishStop})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(MatchJSON(`{"topic":"transit"}`))

		_, err = v.Validate(&llm.Completion{Text: `{"title": "x"}`, FinishReason: llm.FinishStop})
		var rej *validate.Rejection
		Expect(errors.As(err, &rej)).To(BeTrue())
		Expect(rej.Reason).To(Equal(validate.ReasonSchemaViolation))
	})
})

var _ = Describe("runFlags", func() {
	It("applies only the flags that were set", func() {
		cmd := newRunCmd()
		Expect(cmd.ParseFlags([]string{"--pool", "2", "--pacing", "1s", "--http", ":9090"})).To(Succeed())

		f := runFlags{poolSize: 2, pacingDelay: time.Second, httpAddr: ":9090"}
		cfg := config.Config{
			Dispatch: config.DispatchConfig{PoolSize: 5, MaxAttempts: 4, PacingDelay: time.Minute},
			Sink:     config.SinkConfig{OutputDir: "out"},
		}
		f.apply(cmd, &cfg)

		Expect(cfg.Dispatch.PoolSize).To(Equal(2))
		Expect(cfg.Dispatch.PacingDelay).To(Equal(time.Second))
		Expect(cfg.HTTP.Addr).To(Equal(":9090"))
		Expect(cfg.Dispatch.MaxAttempts).To(Equal(4))
		Expect(cfg.Sink.OutputDir).To(Equal("out"))
	})
})

var _ = Describe("dispatchConfig", func() {
	It("maps the environment settings onto a valid dispatcher config", func() {
		dc := dispatchConfig(config.DispatchConfig{
			PoolSize:      3,
			MaxAttempts:   2,
			BaseDelay:     time.Second,
			PacingDelay:   0,
			CallTimeout:   time.Minute,
			RateLimit:     5,
			RateBurst:     2,
			BackoffMax:    30 * time.Second,
			BackoffJitter: 500 * time.Millisecond,
		})

		Expect(dc.Validate()).To(Succeed())
		Expect(dc.PoolSize).To(Equal(3))
		Expect(dc.RateLimit).To(Equal(5.0))
		Expect(dc.Backoff.Growth).To(Equal(backoff.DefaultGrowth))
		Expect(dc.Backoff.Max).To(Equal(30 * time.Second))
		Expect(dc.Backoff.Jitter).To(Equal(500 * time.Millisecond))
	})
})

var _ = Describe("buildSinks", func() {
	It("writes files when no external sink is configured", func() {
		dir := GinkgoT().TempDir()
		sinks, err := buildSinks[json.RawMessage](context.Background(), config.SinkConfig{OutputDir: dir})
		Expect(err).NotTo(HaveOccurred())
		Expect(sinks).To(HaveLen(1))

		report := &dispatch.Report[json.RawMessage]{
			RunID: 7,
			Successes: []dispatch.Success[json.RawMessage]{
				{Index: 0, Value: json.RawMessage(`{"topic":"transit"}`), Attempts: 1},
			},
		}
		Expect(sinks.Write(context.Background(), report)).To(Succeed())
		Expect(sinks.Close()).To(Succeed())

		Expect(filepath.Join(dir, sink.ResultsFile)).To(BeAnExistingFile())
		Expect(filepath.Join(dir, sink.DiagnosticsFile)).To(BeAnExistingFile())
	})

	It("fails on an unreachable redis url", func() {
		_, err := buildSinks[json.RawMessage](context.Background(), config.SinkConfig{
			OutputDir: GinkgoT().TempDir(),
			RedisURL:  "not-a-url",
		})
		Expect(err).To(MatchError(ContainSubstring("parsing redis url")))
	})
})
