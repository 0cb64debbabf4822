package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/deskhost/internal/bridge"
	"github.com/loykin/deskhost/internal/metrics"
	"github.com/loykin/deskhost/internal/supervisor"
)

const (
	defaultLogLines = 100
	eventBuffer     = 64
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type infoResp struct {
	supervisor.Status
	Resources *metrics.Usage `json:"resources,omitempty"`
}

type logsResp struct {
	Lines []string `json:"lines"`
}

func (r *Router) handleStatus(c *gin.Context) {
	metrics.IncBridgeCall(bridge.OpGetBackendStatus, "http")
	writeJSON(c, http.StatusOK, r.opts.Bridge.GetBackendStatus(c.Request.Context()))
}

func (r *Router) handleInfo(c *gin.Context) {
	resp := infoResp{Status: r.opts.Backend.Status()}
	if r.opts.Resources != nil {
		if u := r.opts.Resources.Latest(); !u.Timestamp.IsZero() {
			resp.Resources = &u
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRestart(c *gin.Context) {
	metrics.IncBridgeCall(bridge.OpRestartBackend, "http")
	writeJSON(c, http.StatusOK, r.opts.Bridge.RestartBackend(c.Request.Context()))
}

func (r *Router) handleLogs(c *gin.Context) {
	n, err := parseLines(c.Query("lines"), defaultLogLines)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	lines := r.opts.Backend.Tail(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{Lines: lines})
}

func (r *Router) handleOpenFile(c *gin.Context) {
	metrics.IncBridgeCall(bridge.OpOpenFileDialog, "http")
	res, err := r.opts.Bridge.OpenFileDialog(c.Request.Context())
	switch {
	case errors.Is(err, bridge.ErrWindowClosed):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case err != nil:
		r.logger.Error("open file dialog failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, res)
	}
}

// handleEvents streams supervisor events as SSE; the SSE event name is the
// event type. ?types=a,b limits the stream to those types.
func (r *Router) handleEvents(c *gin.Context) {
	metrics.IncBridgeCall(bridge.OpOnBackendReady, "http")
	var only []supervisor.EventType
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			only = append(only, supervisor.EventType(t))
		}
	}

	events, cancel := r.opts.Backend.Subscribe(eventBuffer, only...)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	// comment line so clients see the stream open before the first event
	_, _ = io.WriteString(c.Writer, ": connected\n\n")
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}

func (r *Router) handleActivate(c *gin.Context) {
	if r.opts.Activator == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "activation not supported"})
		return
	}
	if err := r.opts.Activator.Activate(c.Request.Context()); err != nil {
		r.logger.Error("activate failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleBridgeScript(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(BridgeScript(r.basePath)))
}
