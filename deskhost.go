// Package deskhost is the embedding API: run the whole host, or just the
// backend supervisor, from another Go program.
package deskhost

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/deskhost/internal/app"
	cfg "github.com/loykin/deskhost/internal/config"
	"github.com/loykin/deskhost/internal/metrics"
	"github.com/loykin/deskhost/internal/process"
	"github.com/loykin/deskhost/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Spec = process.Spec

type Status = supervisor.Status

type Event = supervisor.Event

type EventType = supervisor.EventType

type Supervisor = supervisor.Supervisor

type SupervisorConfig = supervisor.Config

var (
	ErrArtifactNotFound = process.ErrArtifactNotFound
	ErrAlreadyRunning   = supervisor.ErrAlreadyRunning
	ErrStopping         = supervisor.ErrStopping
	ErrShutdown         = supervisor.ErrShutdown
	ErrHandedOff        = app.ErrHandedOff
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewSupervisor supervises a single backend without window or HTTP API.
func NewSupervisor(c SupervisorConfig) (*Supervisor, error) { return supervisor.New(c) }

// Host is a complete deskhost: supervisor, bridge, control API and,
// unless headless, the application window.
type Host struct{ inner *app.App }

func New(c *Config, headless bool) (*Host, error) {
	a, err := app.New(app.Options{Config: c, Headless: headless})
	if err != nil {
		return nil, err
	}
	return &Host{inner: a}, nil
}

// Run blocks until ctx ends or the host quits. See ErrHandedOff.
func (h *Host) Run(ctx context.Context) error { return h.inner.Run(ctx) }
func (h *Host) Quit()                         { h.inner.Quit() }
func (h *Host) Started() <-chan struct{}      { return h.inner.Started() }
func (h *Host) APIURL() string                { return h.inner.APIURL() }

func (h *Host) Status() Status                    { return h.inner.Supervisor().Status() }
func (h *Host) Start(ctx context.Context) error   { return h.inner.Supervisor().Start(ctx) }
func (h *Host) Stop(ctx context.Context) error    { return h.inner.Supervisor().Stop(ctx) }
func (h *Host) Restart(ctx context.Context) error { return h.inner.Supervisor().Restart(ctx) }

// Subscribe streams supervisor events, limited to types when given.
func (h *Host) Subscribe(buf int, types ...EventType) (<-chan Event, func()) {
	return h.inner.Supervisor().Subscribe(buf, types...)
}

// Handler is the control API and bridge script for mounting in another server.
func (h *Host) Handler() http.Handler { return h.inner.Handler() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
