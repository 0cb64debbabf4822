// Package app composes deskhost: config, logging, history, metrics, the
// backend supervisor, the bridge, the control API, the window and the
// single-instance guard.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/deskhost/internal/auth"
	"github.com/loykin/deskhost/internal/bridge"
	"github.com/loykin/deskhost/internal/config"
	"github.com/loykin/deskhost/internal/detector"
	"github.com/loykin/deskhost/internal/dialog"
	"github.com/loykin/deskhost/internal/env"
	"github.com/loykin/deskhost/internal/history"
	"github.com/loykin/deskhost/internal/history/factory"
	"github.com/loykin/deskhost/internal/instance"
	"github.com/loykin/deskhost/internal/logger"
	"github.com/loykin/deskhost/internal/metrics"
	"github.com/loykin/deskhost/internal/process"
	"github.com/loykin/deskhost/internal/server"
	"github.com/loykin/deskhost/internal/supervisor"
	"github.com/loykin/deskhost/internal/window"
	"github.com/loykin/deskhost/pkg/client"
)

// ErrHandedOff is returned by Run when another instance was already running
// and has been asked to come to the front.
var ErrHandedOff = errors.New("activated the running deskhost instance")

// Environment variables injected into the backend.
const (
	EnvAPIURL = "DESKHOST_API_URL"
	EnvAppDir = "DESKHOST_APP_DIR"
)

// Options are the collaborators New does not build from Config. Zero values
// select the real implementations.
type Options struct {
	Config   *config.Config
	Headless bool
	Logger   *slog.Logger
	Launcher window.Launcher
	Alerter  supervisor.Alerter
	Picker   bridge.FilePicker
}

type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	history *history.Dispatcher
	sampler *metrics.ResourceSampler
	sup     *supervisor.Supervisor
	bridge  *bridge.Bridge
	win     *window.Controller
	router  *server.Router
	inst    *instance.Instance
	token   string

	mu       sync.Mutex
	srv      *http.Server
	addr     string
	windowed bool

	started  chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{
		cfg:       cfg,
		logger:    opts.Logger,
		logCloser: nopCloser{},
		started:   make(chan struct{}),
		quit:      make(chan struct{}),
	}
	if a.logger == nil {
		l, closer, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, err
		}
		a.logger, a.logCloser = l, closer
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.Resources.Enabled {
			a.sampler = metrics.NewResourceSampler(cfg.Backend.Name, cfg.Metrics.Resources, a.logger)
		}
	}

	if cfg.History.Enabled {
		sinks, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		a.history = history.NewDispatcher(a.logger.With("component", "history"), cfg.History.Buffer, sinks...)
	}

	alerter := opts.Alerter
	if alerter == nil {
		alerter = dialog.NewAlerter()
	}
	b := cfg.Backend
	sup, err := supervisor.New(supervisor.Config{
		Spec: process.Spec{
			Name:               b.Name,
			Interpreter:        b.Interpreter,
			InterpreterWindows: b.InterpreterWindows,
			Script:             b.Script,
			Args:               b.Args,
			AppDir:             cfg.App.Dir,
			WorkDir:            b.WorkDir,
		},
		Env:           a.backendEnv,
		ReadyMarker:   b.ReadyMarker,
		Detector:      readinessDetector(b),
		ProbeInterval: b.ProbeInterval,
		ReadyTimeout:  b.ReadyTimeout,
		StopTimeout:   b.StopTimeout,
		TailLines:     b.TailLines,
		Logs:          cfg.Log.File,
		Logger:        a.logger,
		Alerter:       alerter,
		History:       a.history,
		Resources:     a.sampler,
	})
	if err != nil {
		a.closeHistory()
		return nil, err
	}
	a.sup = sup

	picker := opts.Picker
	if picker == nil {
		picker = dialog.NewPicker(cfg.Dialog)
	}
	a.bridge = bridge.New(sup, picker, a.logger)

	if !opts.Headless && !cfg.App.Headless {
		a.win = window.New(cfg.Window, a.bridge, opts.Launcher, a.logger, a.onWindowClosed)
		a.bridge.OnBackendReady(func() {
			if err := a.win.Push("backend-ready"); err != nil {
				a.logger.Debug("push backend-ready failed", "error", err)
			}
		})
	}

	if cfg.Server.TokenAuth {
		if a.token, err = auth.NewToken(); err != nil {
			return nil, err
		}
	}
	srvOpts := server.Options{
		BasePath:    cfg.Server.BasePath,
		Backend:     sup,
		Bridge:      a.bridge,
		Activator:   a,
		FrontendDir: cfg.Server.FrontendDir,
		Token:       a.token,
		Logger:      a.logger,
	}
	if a.sampler != nil {
		srvOpts.Resources = a.sampler
	}
	a.router = server.NewRouter(srvOpts)
	a.inst = instance.New(cfg.StateDir())
	return a, nil
}

// readinessDetector returns the configured structured probe, or nil to use
// the stdout marker.
func readinessDetector(b config.BackendConfig) detector.Detector {
	switch {
	case b.HealthURL != "":
		return detector.HTTPDetector{URL: b.HealthURL, Body: b.HealthBody}
	case b.HealthCommand != "":
		return detector.CommandDetector{Command: b.HealthCommand, Dir: b.WorkDir}
	default:
		return nil
	}
}

// backendEnv is evaluated on every spawn so env files are re-read.
func (a *App) backendEnv() ([]string, error) {
	b := a.cfg.Backend
	extra := []string{EnvAppDir + "=" + a.cfg.App.Dir}
	if url := a.APIURL(); url != "" {
		extra = append(extra, EnvAPIURL+"="+url)
	}
	return env.Layers{UseOS: b.UseOSEnv, Files: b.EnvFiles, Vars: b.Env, Extra: extra}.Build()
}

func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }
func (a *App) Bridge() *bridge.Bridge             { return a.bridge }
func (a *App) Logger() *slog.Logger               { return a.logger }

// Handler is the control API, for embedding into another server.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Started is closed once Run has brought everything up.
func (a *App) Started() <-chan struct{} { return a.started }

// Addr is the control API listen address, empty until started.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// APIURL is the control API base URL, empty until started.
func (a *App) APIURL() string {
	addr := a.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr + a.router.BasePath()
}

// Token is the control API token, empty when token auth is off.
func (a *App) Token() string { return a.token }

// Quit asks Run to shut down.
func (a *App) Quit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// Run starts deskhost and blocks until ctx ends, Quit is called, or the
// window closes with quit_on_close. A second instance activates the first
// and returns ErrHandedOff.
func (a *App) Run(ctx context.Context) error {
	if err := a.inst.Acquire(); err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			return a.handOff(ctx)
		}
		_ = a.release(ctx)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Server.Enabled {
		srv, addr, err := server.Listen(a.cfg.Server.Listen, a.router)
		if err != nil {
			_ = a.release(ctx)
			return fmt.Errorf("control api: %w", err)
		}
		a.mu.Lock()
		a.srv, a.addr = srv, addr
		a.mu.Unlock()
		info := instance.Info{Addr: addr, BasePath: a.router.BasePath(), Token: a.token}
		if err := a.inst.Publish(info); err != nil {
			a.logger.Warn("publish instance info failed", "error", err)
		}
		a.logger.Info("control api listening", "url", a.APIURL())
	}

	if a.sampler != nil {
		go a.sampler.Run(ctx)
	}
	go a.bridge.Run(ctx)

	if a.win != nil {
		a.openWindow(ctx)
	}
	if a.cfg.Backend.AutoStart {
		if err := a.sup.Start(ctx); err != nil {
			a.logger.Error("backend start failed", "error", err)
		}
	}
	close(a.started)

	select {
	case <-ctx.Done():
	case <-a.quit:
	}
	a.logger.Info("shutting down")
	return a.release(context.Background())
}

func (a *App) openWindow(ctx context.Context) {
	url := a.cfg.Window.URL
	if url == "" && a.cfg.Server.FrontendDir != "" && a.Addr() != "" {
		url = "http://" + a.Addr() + "/"
	}
	if url == "" {
		a.logger.Warn("no window url or frontend dir configured; running headless")
		return
	}
	a.win.SetURL(url)
	if err := a.win.Open(ctx); err != nil {
		a.logger.Warn("window unavailable; running headless", "error", err)
		return
	}
	a.mu.Lock()
	a.windowed = true
	a.mu.Unlock()
	a.bridge.SetWindow(a.win)
}

func (a *App) isWindowed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowed
}

// Activate is the second-launch handoff: the window is recreated or
// restored, and the backend started again if it is stopped.
func (a *App) Activate(ctx context.Context) error {
	if a.isWindowed() {
		if err := a.win.Activate(ctx); err != nil {
			return fmt.Errorf("activate window: %w", err)
		}
	}
	if a.sup.Status().State == supervisor.StateStopped.String() {
		err := a.sup.Start(ctx)
		if err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) && !errors.Is(err, supervisor.ErrStopping) {
			return err
		}
	}
	return nil
}

func (a *App) onWindowClosed() {
	ctx, cancel := context.WithTimeout(context.Background(), a.stopBudget())
	defer cancel()
	if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, supervisor.ErrShutdown) {
		a.logger.Warn("stop backend after window close failed", "error", err)
	}
	if a.cfg.App.QuitOnClose {
		a.Quit()
	}
}

func (a *App) stopBudget() time.Duration {
	d := a.cfg.Backend.StopTimeout
	if d <= 0 {
		d = supervisor.DefaultStopTimeout
	}
	return d + 5*time.Second
}

func (a *App) handOff(ctx context.Context) error {
	if !a.cfg.Server.Enabled {
		return instance.ErrAlreadyRunning
	}
	info, err := instance.Read(a.inst.Dir())
	if err != nil {
		return fmt.Errorf("%w: %v", instance.ErrAlreadyRunning, err)
	}
	c := client.New(client.Config{BaseURL: info.URL(), Token: info.Token, Logger: a.logger})
	if err := c.Activate(ctx); err != nil {
		return fmt.Errorf("activate running instance: %w", err)
	}
	a.logger.Info("handed off to running instance", "pid", info.PID, "url", info.URL())
	a.closeHistory()
	_ = a.sup.Shutdown(ctx)
	return ErrHandedOff
}

// release tears everything down in reverse order of Run.
func (a *App) release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.stopBudget())
	defer cancel()

	var errs []error
	if a.win != nil {
		_ = a.win.Close()
	}
	if err := a.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	a.closeHistory()
	if err := a.inst.Release(); err != nil {
		errs = append(errs, fmt.Errorf("instance lock: %w", err))
	}
	_ = a.logCloser.Close()
	return errors.Join(errs...)
}

func (a *App) closeHistory() {
	if a.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.history.Close(ctx); err != nil {
		a.logger.Warn("history close failed", "error", err)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
