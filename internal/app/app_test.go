//go:build !windows

package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zserge/lorca"

	"github.com/loykin/deskhost/internal/config"
	"github.com/loykin/deskhost/internal/process"
	"github.com/loykin/deskhost/internal/window"
	"github.com/loykin/deskhost/pkg/client"
)

const backendScript = `echo "api=$DESKHOST_API_URL"
echo "APRS Legal Assistant API is running"
exec sleep 30
`

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeAlerter) Alert(title, message string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, title+": "+message)
	f.mu.Unlock()
	return nil
}

type fakePicker struct{}

func (fakePicker) PickFile(context.Context) (string, error) { return "/tmp/doc.pdf", nil }

type fakeUI struct {
	mu    sync.Mutex
	binds map[string]interface{}
	evals []string
	done  chan struct{}
	once  sync.Once
}

func (f *fakeUI) Load(string) error { return nil }
func (f *fakeUI) Bind(name string, fn interface{}) error {
	f.mu.Lock()
	f.binds[name] = fn
	f.mu.Unlock()
	return nil
}
func (f *fakeUI) Eval(js string) error {
	f.mu.Lock()
	f.evals = append(f.evals, js)
	f.mu.Unlock()
	return nil
}
func (f *fakeUI) Bounds() (lorca.Bounds, error) {
	return lorca.Bounds{Width: 1200, Height: 800, WindowState: lorca.WindowStateNormal}, nil
}
func (f *fakeUI) SetBounds(lorca.Bounds) error { return nil }
func (f *fakeUI) Done() <-chan struct{}        { return f.done }
func (f *fakeUI) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}
func (f *fakeUI) evaluated(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.evals {
		if strings.Contains(e, sub) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "backend.sh"), []byte(backendScript), 0o755); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	c.App.Name = "deskhost-test"
	c.App.Dir = dir
	c.App.StateDir = filepath.Join(dir, "state")
	c.App.QuitOnClose = true
	c.Backend.Interpreter = "/bin/sh"
	c.Backend.Script = "backend.sh"
	c.Backend.StopTimeout = 2 * time.Second
	c.Server.Listen = "127.0.0.1:0"
	c.Log.File.Dir = filepath.Join(dir, "logs")
	c.Metrics.Resources.Interval = 100 * time.Millisecond
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startApp(t *testing.T, opts Options) (*App, context.CancelFunc, <-chan error) {
	t.Helper()
	a, err := New(opts)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	select {
	case <-a.Started():
	case err := <-errCh:
		cancel()
		t.Fatalf("run ended early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatalf("app did not start")
	}
	return a, cancel, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not return")
		return nil
	}
}

func TestHeadlessRunServesAPI(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	a, cancel, errCh := startApp(t, Options{Config: cfg, Headless: true, Alerter: &fakeAlerter{}, Picker: fakePicker{}})

	c := client.New(client.Config{BaseURL: a.APIURL()})
	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	waitFor(t, "backend ready", func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Ready
	})

	lines, err := c.Logs(ctx, 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) == 0 || lines[0] != "api="+a.APIURL() {
		t.Fatalf("backend should see %s, got %v", EnvAPIURL, lines)
	}

	info, err := c.Info(ctx)
	if err != nil || info.PID == 0 || info.State != "ready" {
		t.Fatalf("info: %+v %v", info, err)
	}
	pid := info.PID

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("run: %v", err)
	}
	if process.Exists(pid) {
		t.Fatalf("backend %d still alive after shutdown", pid)
	}
}

func TestSecondInstanceHandsOff(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Backend.AutoStart = false
	cfg.Server.TokenAuth = true
	first, cancel, errCh := startApp(t, Options{Config: cfg, Headless: true, Alerter: &fakeAlerter{}, Picker: fakePicker{}})
	if first.Token() == "" {
		t.Fatalf("token auth should generate a token")
	}

	second, err := New(Options{Config: testConfig(t, dir), Headless: true, Alerter: &fakeAlerter{}, Picker: fakePicker{}})
	if err != nil {
		t.Fatalf("new second: %v", err)
	}
	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := second.Run(ctx); !errors.Is(err, ErrHandedOff) {
		t.Fatalf("expected ErrHandedOff, got %v", err)
	}

	// activation starts a stopped backend
	waitFor(t, "backend started by activation", func() bool { return first.Supervisor().Ready() })

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMissingArtifactAlertsOnce(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Backend.Script = "missing.py"
	cfg.Server.Enabled = false
	alerts := &fakeAlerter{}
	a, cancel, errCh := startApp(t, Options{Config: cfg, Headless: true, Alerter: alerts, Picker: fakePicker{}})

	waitFor(t, "alert", func() bool {
		alerts.mu.Lock()
		defer alerts.mu.Unlock()
		return len(alerts.msgs) == 1
	})
	if st := a.Supervisor().Status(); st.State != "stopped" || st.PID != 0 {
		t.Fatalf("nothing should run: %+v", st)
	}
	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("run: %v", err)
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.msgs) != 1 || !strings.HasPrefix(alerts.msgs[0], "Backend Error: ") {
		t.Fatalf("expected exactly one Backend Error alert, got %v", alerts.msgs)
	}
}

func TestWindowLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Window.URL = "http://127.0.0.1:1/"

	ui := &fakeUI{binds: map[string]interface{}{}, done: make(chan struct{})}
	launch := func(url, profileDir string, width, height int, args ...string) (window.UI, error) {
		return ui, nil
	}
	a, _, errCh := startApp(t, Options{Config: cfg, Launcher: launch, Alerter: &fakeAlerter{}, Picker: fakePicker{}})

	for _, name := range []string{window.BindGetBackendStatus, window.BindRestartBackend, window.BindOpenFileDialog} {
		ui.mu.Lock()
		_, ok := ui.binds[name]
		ui.mu.Unlock()
		if !ok {
			t.Fatalf("binding %s missing", name)
		}
	}
	waitFor(t, "backend-ready pushed to window", func() bool { return ui.evaluated(window.ReadyDOMEvent) })

	pid := a.Supervisor().Status().PID
	_ = ui.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("run: %v", err)
	}
	if process.Exists(pid) {
		t.Fatalf("closing the window must stop the backend")
	}
}
