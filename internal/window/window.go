// Package window owns the single application window, a Chrome app window
// driven through lorca.
package window

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zserge/lorca"

	"github.com/loykin/deskhost/internal/bridge"
	"github.com/loykin/deskhost/internal/metrics"
)

// Binding names installed in the page; bridge.js wraps them as window.api.
const (
	BindGetBackendStatus = "__deskhost_getBackendStatus"
	BindRestartBackend   = "__deskhost_restartBackend"
	BindOpenFileDialog   = "__deskhost_openFileDialog"

	// ReadyDOMEvent is dispatched on window when the backend becomes ready.
	ReadyDOMEvent = "deskhost:backend-ready"
)

const (
	callTimeout = 2 * time.Minute
	blankPage   = "data:text/html,<html></html>"
)

// Config describes the window.
type Config struct {
	Title      string   `mapstructure:"title"`
	URL        string   `mapstructure:"url"`
	Width      int      `mapstructure:"width"`
	Height     int      `mapstructure:"height"`
	MinWidth   int      `mapstructure:"min_width"`
	MinHeight  int      `mapstructure:"min_height"`
	DevTools   bool     `mapstructure:"devtools"`
	ProfileDir string   `mapstructure:"profile_dir"`
	ChromeArgs []string `mapstructure:"chrome_args"`
}

func (c *Config) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 1200
	}
	if c.Height <= 0 {
		c.Height = 800
	}
	if c.MinWidth <= 0 {
		c.MinWidth = 800
	}
	if c.MinHeight <= 0 {
		c.MinHeight = 600
	}
	if os.Getenv("DESKHOST_ENV") == "development" {
		c.DevTools = true
	}
}

// UI is the part of a lorca window the controller drives.
type UI interface {
	Load(url string) error
	Bind(name string, f interface{}) error
	Eval(js string) error
	Bounds() (lorca.Bounds, error)
	SetBounds(lorca.Bounds) error
	Done() <-chan struct{}
	Close() error
}

// Launcher opens a new window showing url.
type Launcher func(url, profileDir string, width, height int, args ...string) (UI, error)

type lorcaUI struct{ lorca.UI }

func (u lorcaUI) Eval(js string) error { return u.UI.Eval(js).Err() }

// LorcaLauncher starts a Chrome app window.
func LorcaLauncher(url, profileDir string, width, height int, args ...string) (UI, error) {
	ui, err := lorca.New(url, profileDir, width, height, args...)
	if err != nil {
		return nil, err
	}
	return lorcaUI{ui}, nil
}

// Controller enforces the single-window rule and tears the backend down
// through onClosed when the user closes the window.
type Controller struct {
	cfg      Config
	launch   Launcher
	bridge   *bridge.Bridge
	logger   *slog.Logger
	onClosed func()

	mu       sync.Mutex
	ui       UI
	guardInt time.Duration
}

func New(cfg Config, b *bridge.Bridge, launch Launcher, logger *slog.Logger, onClosed func()) *Controller {
	cfg.applyDefaults()
	if launch == nil {
		launch = LorcaLauncher
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		launch:   launch,
		bridge:   b,
		logger:   logger.With("component", "window"),
		onClosed: onClosed,
		guardInt: time.Second,
	}
}

// SetURL changes the page loaded by later Open calls.
func (c *Controller) SetURL(url string) {
	c.mu.Lock()
	c.cfg.URL = url
	c.mu.Unlock()
}

// IsOpen reports whether a window currently exists.
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ui != nil
}

// Open creates the window unless one is already open.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ui != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cfg.URL == "" {
		return errors.New("window url is not set")
	}
	var args []string
	if c.cfg.DevTools {
		args = append(args, "--auto-open-devtools-for-tabs")
	}
	args = append(args, c.cfg.ChromeArgs...)

	ui, err := c.launch(blankPage, c.cfg.ProfileDir, c.cfg.Width, c.cfg.Height, args...)
	if err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	if err := c.bind(ui); err != nil {
		_ = ui.Close()
		return err
	}
	if err := ui.Load(c.cfg.URL); err != nil {
		_ = ui.Close()
		return fmt.Errorf("load %s: %w", c.cfg.URL, err)
	}
	if c.cfg.Title != "" {
		title, _ := json.Marshal(c.cfg.Title)
		_ = ui.Eval("document.title = " + string(title))
	}
	c.ui = ui
	metrics.SetWindowOpen(true)
	c.logger.Info("window opened", "url", c.cfg.URL, "width", c.cfg.Width, "height", c.cfg.Height)
	go c.watch(ui)
	return nil
}

// Activate brings the window back: recreated when closed, restored when
// minimized.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	ui := c.ui
	c.mu.Unlock()
	if ui == nil {
		return c.Open(ctx)
	}
	b, err := ui.Bounds()
	if err != nil {
		return err
	}
	if b.WindowState == lorca.WindowStateMinimized {
		b.WindowState = lorca.WindowStateNormal
		return ui.SetBounds(b)
	}
	return nil
}

// Push dispatches a DOM event for name into the page. Without a window it
// does nothing.
func (c *Controller) Push(name string) error {
	c.mu.Lock()
	ui := c.ui
	c.mu.Unlock()
	if ui == nil {
		return nil
	}
	ev, _ := json.Marshal("deskhost:" + name)
	return ui.Eval("window.dispatchEvent(new Event(" + string(ev) + "))")
}

// Close closes the window; onClosed fires from the watcher as for a user close.
func (c *Controller) Close() error {
	c.mu.Lock()
	ui := c.ui
	c.mu.Unlock()
	if ui == nil {
		return nil
	}
	return ui.Close()
}

func (c *Controller) bind(ui UI) error {
	b := c.bridge
	bindings := map[string]interface{}{
		BindGetBackendStatus: func() bridge.StatusResult {
			metrics.IncBridgeCall(bridge.OpGetBackendStatus, "ipc")
			return b.GetBackendStatus(context.Background())
		},
		BindRestartBackend: func() bridge.RestartResult {
			metrics.IncBridgeCall(bridge.OpRestartBackend, "ipc")
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			return b.RestartBackend(ctx)
		},
		BindOpenFileDialog: func() (bridge.FileResult, error) {
			metrics.IncBridgeCall(bridge.OpOpenFileDialog, "ipc")
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			return b.OpenFileDialog(ctx)
		},
	}
	for name, fn := range bindings {
		if err := ui.Bind(name, fn); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

// watch enforces the minimum size and reports the close.
func (c *Controller) watch(ui UI) {
	t := time.NewTicker(c.guardInt)
	defer t.Stop()
	for {
		select {
		case <-ui.Done():
			c.mu.Lock()
			if c.ui == ui {
				c.ui = nil
			}
			c.mu.Unlock()
			metrics.SetWindowOpen(false)
			c.logger.Info("window closed")
			if c.onClosed != nil {
				c.onClosed()
			}
			return
		case <-t.C:
			c.enforceMinSize(ui)
		}
	}
}

func (c *Controller) enforceMinSize(ui UI) {
	b, err := ui.Bounds()
	if err != nil || b.WindowState != lorca.WindowStateNormal {
		return
	}
	if b.Width >= c.cfg.MinWidth && b.Height >= c.cfg.MinHeight {
		return
	}
	if b.Width < c.cfg.MinWidth {
		b.Width = c.cfg.MinWidth
	}
	if b.Height < c.cfg.MinHeight {
		b.Height = c.cfg.MinHeight
	}
	if err := ui.SetBounds(b); err != nil {
		c.logger.Debug("enforce minimum window size failed", "error", err)
	}
}
