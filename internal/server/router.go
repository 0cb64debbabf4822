package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/deskhost/internal/auth"
	"github.com/loykin/deskhost/internal/bridge"
	"github.com/loykin/deskhost/internal/metrics"
	"github.com/loykin/deskhost/internal/supervisor"
)

// DefaultBasePath prefixes the control API routes.
const DefaultBasePath = "/api"

// BridgeScriptPath serves the UI shim that builds window.api.
const BridgeScriptPath = "/deskhost/bridge.js"

// Backend is the read side of the supervisor.
type Backend interface {
	Status() supervisor.Status
	Tail(n int) []string
	Subscribe(buf int, types ...supervisor.EventType) (<-chan supervisor.Event, func())
}

// Activator brings the application to the foreground.
type Activator interface {
	Activate(ctx context.Context) error
}

type UsageSource interface {
	Latest() metrics.Usage
}

// Options configures the Router. Backend and Bridge are required.
type Options struct {
	BasePath    string
	Backend     Backend
	Bridge      *bridge.Bridge
	Activator   Activator
	Resources   UsageSource
	Gatherer    prometheus.Gatherer
	FrontendDir string
	Token       string
	Logger      *slog.Logger
}

// Router provides embeddable HTTP handlers for the control API.
// Endpoints (under basePath):
//
//	GET  /backend/status        {ready}
//	GET  /backend/info          full status and resource usage
//	POST /backend/restart       {success:true}
//	GET  /backend/logs?lines=N  recent output lines
//	POST /dialog/open-file      {filePath}
//	GET  /events                server-sent supervisor events
//	POST /window/activate       {ok:true}
//
// /metrics and the bridge script live at the root; FrontendDir, when set,
// is served for everything else.
type Router struct {
	opts     Options
	basePath string
	auth     *auth.Middleware
	logger   *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		opts:     opts,
		basePath: sanitizeBase(opts.BasePath),
		auth:     auth.NewMiddleware(opts.Token),
		logger:   logger.With("component", "server"),
	}
}

// BasePath returns the sanitized API prefix.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	group := g.Group(r.basePath)
	group.Use(r.auth.GinAuth())
	group.GET("/backend/status", r.handleStatus)
	group.GET("/backend/info", r.handleInfo)
	group.POST("/backend/restart", r.handleRestart)
	group.GET("/backend/logs", r.handleLogs)
	group.POST("/dialog/open-file", r.handleOpenFile)
	group.GET("/events", r.handleEvents)
	group.POST("/window/activate", r.handleActivate)

	if r.opts.Gatherer != nil {
		g.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.opts.Gatherer)))
	} else {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	g.GET(BridgeScriptPath, r.handleBridgeScript)

	if dir := r.opts.FrontendDir; dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			files := http.FileServer(http.Dir(dir))
			g.NoRoute(func(c *gin.Context) {
				if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
					writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
					return
				}
				files.ServeHTTP(c.Writer, c.Request)
			})
		} else {
			r.logger.Warn("frontend dir unavailable", "dir", dir, "error", err)
		}
	}
	return g
}

// NewServer builds an http.Server for this router on addr. The write timeout
// is left unset because /events streams.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Listen binds addr and serves in the background. It returns the server and
// the bound address (useful with port 0).
func Listen(addr string, r *Router) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	srv := NewServer(ln.Addr().String(), r)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("control api stopped", "error", err)
		}
	}()
	return srv, ln.Addr().String(), nil
}
