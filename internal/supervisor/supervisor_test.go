//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/deskhost/internal/detector"
	"github.com/loykin/deskhost/internal/history"
	"github.com/loykin/deskhost/internal/logger"
	"github.com/loykin/deskhost/internal/process"
)

const testMarker = "APRS Legal Assistant API is running"

// readyScript prints the marker split across two writes and then idles.
const readyScript = `echo booting
printf 'APRS Legal '
sleep 0.1
printf 'Assistant API is running\n'
exec sleep 30
`

type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
	ch    chan struct{}
}

func newFakeAlerter() *fakeAlerter { return &fakeAlerter{ch: make(chan struct{}, 8)} }

func (f *fakeAlerter) Alert(title, message string) error {
	f.mu.Lock()
	f.calls = append(f.calls, title+": "+message)
	f.mu.Unlock()
	f.ch <- struct{}{}
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func scriptSpec(t *testing.T, body string) process.Spec {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.sh"), []byte(body), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return process.Spec{Name: "backend", Interpreter: "/bin/sh", Script: "main.sh", AppDir: dir}
}

func newSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.ReadyMarker == "" && cfg.Detector == nil {
		cfg.ReadyMarker = testMarker
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan Event, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", typ)
			}
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func loggerConfigIn(t *testing.T) logger.Config {
	t.Helper()
	return logger.Config{Dir: t.TempDir()}
}

func pidGone(pid int) bool {
	return syscall.Kill(pid, 0) != nil
}

func TestStart_MissingArtifact(t *testing.T) {
	alerter := newFakeAlerter()
	s := newSupervisor(t, Config{
		Spec:    process.Spec{Name: "backend", Interpreter: "/bin/sh", Script: "missing.sh", AppDir: t.TempDir()},
		Alerter: alerter,
	})
	events, cancel := s.Subscribe(16)
	defer cancel()

	err := s.Start(ctxTimeout(t))
	if !errors.Is(err, process.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
	e := waitEvent(t, events, EventError, 2*time.Second)
	if e.Kind != KindMissingArtifact {
		t.Fatalf("expected missing_artifact kind, got %q", e.Kind)
	}
	select {
	case <-alerter.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("operator alert not shown")
	}
	alerter.mu.Lock()
	if len(alerter.calls) != 1 || !strings.HasPrefix(alerter.calls[0], AlertTitle+": ") {
		t.Fatalf("unexpected alerts: %v", alerter.calls)
	}
	alerter.mu.Unlock()

	st := s.Status()
	if st.State != "stopped" || st.Ready || st.PID != 0 || st.LastError == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestStart_MarkerReadyAndStop(t *testing.T) {
	s := newSupervisor(t, Config{Spec: scriptSpec(t, readyScript)})
	events, cancel := s.Subscribe(64)
	defer cancel()
	ctx := ctxTimeout(t)

	if s.Ready() {
		t.Fatalf("must not be ready before start")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starting := waitEvent(t, events, EventStarting, 2*time.Second)
	ready := waitEvent(t, events, EventReady, 5*time.Second)
	if ready.RunID == "" || ready.RunID != starting.RunID {
		t.Fatalf("ready run id %q does not match start %q", ready.RunID, starting.RunID)
	}
	st := s.Status()
	if !st.Ready || st.State != "ready" || st.PID == 0 || st.StartedAt == nil {
		t.Fatalf("unexpected ready status: %+v", st)
	}

	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start must be rejected, got %v", err)
	}

	pid := st.PID
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st = s.Status()
	if st.Ready || st.State != "stopped" || st.PID != 0 {
		t.Fatalf("unexpected stopped status: %+v", st)
	}
	if !pidGone(pid) {
		t.Fatalf("backend pid %d still alive after Stop", pid)
	}
	waitEvent(t, events, EventStopped, 2*time.Second)

	// stop when already stopped is a no-op
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("idle Stop: %v", err)
	}
}

func TestRestart_SpawnsAfterExit(t *testing.T) {
	s := newSupervisor(t, Config{Spec: scriptSpec(t, readyScript)})
	events, cancel := s.Subscribe(64)
	defer cancel()
	ctx := ctxTimeout(t)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventReady, 5*time.Second)
	old := s.Status()

	if err := s.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitEvent(t, events, EventExited, 2*time.Second)
	ready := waitEvent(t, events, EventReady, 5*time.Second)

	st := s.Status()
	if st.PID == old.PID || st.RunID == old.RunID {
		t.Fatalf("restart must produce a new process: old=%+v new=%+v", old, st)
	}
	if ready.RunID != st.RunID {
		t.Fatalf("ready event belongs to run %q, current is %q", ready.RunID, st.RunID)
	}
	if !pidGone(old.PID) {
		t.Fatalf("old backend pid %d still alive", old.PID)
	}
	if st.Restarts != 1 {
		t.Fatalf("expected 1 restart, got %d", st.Restarts)
	}
}

func TestRestart_WhenStoppedStarts(t *testing.T) {
	s := newSupervisor(t, Config{Spec: scriptSpec(t, readyScript)})
	if err := s.Restart(ctxTimeout(t)); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if st := s.Status(); st.State != "starting" && st.State != "ready" {
		t.Fatalf("restart from stopped must spawn, got %+v", st)
	}
}

func TestCrash_PublishesErrorAndClearsReady(t *testing.T) {
	spec := scriptSpec(t, "echo '"+testMarker+"'\nsleep 0.2\nexit 1\n")
	alerter := newFakeAlerter()
	s := newSupervisor(t, Config{Spec: spec, Alerter: alerter})
	events, cancel := s.Subscribe(64)
	defer cancel()

	if err := s.Start(ctxTimeout(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventReady, 5*time.Second)
	exited := waitEvent(t, events, EventExited, 5*time.Second)
	if exited.ExitCode == nil || *exited.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %+v", exited.ExitCode)
	}
	crash := waitEvent(t, events, EventError, 2*time.Second)
	if crash.Kind != KindCrashed {
		t.Fatalf("expected crashed kind, got %q", crash.Kind)
	}
	st := s.Status()
	if st.Ready || st.State != "stopped" || st.LastExitCode == nil || *st.LastExitCode != 1 {
		t.Fatalf("unexpected status after crash: %+v", st)
	}
	select {
	case <-alerter.ch:
		t.Fatalf("crash must not show a dialog")
	case <-time.After(100 * time.Millisecond):
	}
	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.calls) != 0 {
		t.Fatalf("unexpected alerts: %v", alerter.calls)
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	spec := scriptSpec(t, "trap '' TERM\necho '"+testMarker+"'\nwhile true; do sleep 0.1; done\n")
	s := newSupervisor(t, Config{Spec: spec, StopTimeout: 200 * time.Millisecond})
	events, cancel := s.Subscribe(64)
	defer cancel()
	ctx := ctxTimeout(t)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventReady, 5*time.Second)
	pid := s.Status().PID

	start := time.Now()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatalf("stop returned before the kill deadline")
	}
	if !pidGone(pid) {
		t.Fatalf("backend pid %d survived kill", pid)
	}
	if st := s.Status(); st.State != "stopped" {
		t.Fatalf("expected stopped, got %+v", st)
	}
}

func TestReadyTimeout_LeavesProcessRunning(t *testing.T) {
	s := newSupervisor(t, Config{Spec: scriptSpec(t, "exec sleep 30\n"), ReadyTimeout: 100 * time.Millisecond})
	events, cancel := s.Subscribe(16)
	defer cancel()

	if err := s.Start(ctxTimeout(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e := waitEvent(t, events, EventError, 3*time.Second)
	if e.Kind != KindReadyTimeout {
		t.Fatalf("expected ready_timeout, got %q", e.Kind)
	}
	st := s.Status()
	if st.State != "starting" || st.Ready || st.PID == 0 {
		t.Fatalf("process must keep running unready: %+v", st)
	}
}

func TestHTTPDetector_ReplacesMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"` + testMarker + `"}`))
	}))
	defer srv.Close()

	s := newSupervisor(t, Config{
		Spec:          scriptSpec(t, "exec sleep 30\n"),
		Detector:      detector.HTTPDetector{URL: srv.URL + "/", Body: "API is running"},
		ProbeInterval: 20 * time.Millisecond,
	})
	events, cancel := s.Subscribe(16)
	defer cancel()
	if err := s.Start(ctxTimeout(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventReady, 5*time.Second)
	if !s.Ready() {
		t.Fatalf("expected ready via health probe")
	}
}

func TestOutputTailAndEnv(t *testing.T) {
	spec := scriptSpec(t, "echo one\necho \"$DESKHOST_TEST_VAR\"\necho err-line 1>&2\n")
	s := newSupervisor(t, Config{
		Spec: spec,
		Env: func() ([]string, error) {
			return []string{"PATH=" + os.Getenv("PATH"), "DESKHOST_TEST_VAR=from-env"}, nil
		},
		Logs: loggerConfigIn(t),
	})
	events, cancel := s.Subscribe(64)
	defer cancel()

	if err := s.Start(ctxTimeout(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventExited, 5*time.Second)
	tail := strings.Join(s.Tail(10), "\n")
	for _, want := range []string{"one", "from-env", "err-line"} {
		if !strings.Contains(tail, want) {
			t.Fatalf("tail missing %q: %q", want, tail)
		}
	}
	if got := s.Tail(1); len(got) != 1 {
		t.Fatalf("Tail(1) = %v", got)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	s := newSupervisor(t, Config{Spec: scriptSpec(t, readyScript)})
	events, cancel := s.Subscribe(64)
	defer cancel()
	if err := s.Start(ctxTimeout(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventReady, 5*time.Second)

	s.post(internalEvent{kind: evExit, runID: "previous-run", exitCode: 1})
	s.post(internalEvent{kind: evKillDeadline, runID: "previous-run"})
	for len(s.evCh) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	// the actor handles one message at a time, so this round-trip follows the stale events
	if err := s.Start(ctxTimeout(t)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if st := s.Status(); !st.Ready || st.State != "ready" {
		t.Fatalf("stale exit must not clear readiness: %+v", st)
	}
}

func TestHistoryReceivesLifecycle(t *testing.T) {
	sink := &memSink{}
	disp := history.NewDispatcher(nil, 64, sink)
	s := newSupervisor(t, Config{Spec: scriptSpec(t, readyScript), History: disp})
	events, cancel := s.Subscribe(64)
	defer cancel()
	ctx := ctxTimeout(t)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventReady, 5*time.Second)
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := disp.Close(ctx); err != nil {
		t.Fatalf("dispatcher close: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var got []history.EventType
	for _, e := range sink.events {
		got = append(got, e.Type)
		if e.Record.RunID == "" || e.Record.Name != "backend" {
			t.Fatalf("record missing identity: %+v", e.Record)
		}
	}
	want := []history.EventType{history.EventStart, history.EventReady, history.EventExit, history.EventStop}
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}
}

func TestShutdown_StopsAndRejects(t *testing.T) {
	s, err := New(Config{Spec: scriptSpec(t, readyScript), ReadyMarker: testMarker})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, _ := s.Subscribe(64)
	ctx := ctxTimeout(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventReady, 5*time.Second)
	pid := s.Status().PID

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("actor did not exit")
	}
	if !pidGone(pid) {
		t.Fatalf("backend pid %d alive after shutdown", pid)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Start after shutdown = %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	for range events {
		// drained until the broker closes the channel
	}
}
