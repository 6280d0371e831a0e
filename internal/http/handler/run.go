package handler

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"basegraph.app/batchinfer/internal/dispatch"
)

// RunController is the view of a dispatch run the control API needs.
// *dispatch.Run satisfies it.
type RunController interface {
	ID() int64
	Progress() dispatch.Progress
	Cancel(reason string)
	Cancelled() bool
	Done() <-chan struct{}
}

// RunTracker holds the run being served. The server usually starts before
// the run does.
type RunTracker struct {
	mu  sync.RWMutex
	run RunController
}

func (t *RunTracker) Set(run RunController) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run = run
}

func (t *RunTracker) Get() RunController {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.run
}

const (
	StateRunning    = "running"
	StateCancelling = "cancelling"
	StateFinished   = "finished"
)

type RunStatus struct {
	RunID    string            `json:"run_id"`
	State    string            `json:"state"`
	Progress dispatch.Progress `json:"progress"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type RunHandler struct {
	tracker *RunTracker
}

func NewRunHandler(tracker *RunTracker) *RunHandler {
	return &RunHandler{tracker: tracker}
}

func (h *RunHandler) Status(c *gin.Context) {
	run := h.tracker.Get()
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run in progress"})
		return
	}
	c.JSON(http.StatusOK, status(run))
}

func (h *RunHandler) Cancel(c *gin.Context) {
	run := h.tracker.Get()
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run in progress"})
		return
	}

	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via control API"
	}

	select {
	case <-run.Done():
		c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
		return
	default:
	}

	run.Cancel(req.Reason)
	c.JSON(http.StatusAccepted, status(run))
}

func status(run RunController) RunStatus {
	state := StateRunning
	select {
	case <-run.Done():
		state = StateFinished
	default:
		if run.Cancelled() {
			state = StateCancelling
		}
	}
	return RunStatus{
		// Snowflake ids exceed the integer precision of JSON consumers.
		RunID:    strconv.FormatInt(run.ID(), 10),
		State:    state,
		Progress: run.Progress(),
	}
}
