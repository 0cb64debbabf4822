package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/deskhost/internal/detector"
	"github.com/loykin/deskhost/internal/history"
	"github.com/loykin/deskhost/internal/logger"
	"github.com/loykin/deskhost/internal/metrics"
	"github.com/loykin/deskhost/internal/process"
)

var (
	ErrAlreadyRunning = errors.New("backend is already running")
	ErrStopping       = errors.New("backend is stopping")
	ErrShutdown       = errors.New("supervisor is shut down")
)

const (
	DefaultStopTimeout   = 5 * time.Second
	DefaultProbeInterval = 500 * time.Millisecond
	DefaultTailLines     = 200
	AlertTitle           = "Backend Error"

	MissingArtifactMessage = "Backend file not found. Please make sure the application is installed correctly."
)

// Alerter shows a blocking operator notification.
type Alerter interface {
	Alert(title, message string) error
}

// Config wires one backend into a Supervisor.
type Config struct {
	Spec process.Spec
	// Env resolves the child environment on every spawn; nil inherits the host's.
	Env func() ([]string, error)
	// ReadyMarker is matched on stdout unless Detector is set.
	ReadyMarker   string
	Detector      detector.Detector
	ProbeInterval time.Duration
	ReadyTimeout  time.Duration // 0 waits forever
	StopTimeout   time.Duration
	TailLines     int
	Logs          logger.Config

	Logger    *slog.Logger
	Alerter   Alerter
	History   *history.Dispatcher
	Resources *metrics.ResourceSampler
}

type command struct {
	action commandAction
	reply  chan error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type eventKind int

const (
	evMarker eventKind = iota
	evProbeOK
	evExit
	evKillDeadline
	evReadyDeadline
)

// internalEvent is raised by helper goroutines and timers for one run.
type internalEvent struct {
	kind     eventKind
	runID    string
	exitCode int
	exitErr  error
}

// run is one spawned backend. Owned by the actor goroutine.
type run struct {
	id            string
	proc          *process.Process
	startedAt     time.Time
	ready         bool
	stopRequested bool
	cancelProbe   context.CancelFunc
	readyTimer    *time.Timer
	killTimer     *time.Timer
}

func (r *run) release() {
	if r.cancelProbe != nil {
		r.cancelProbe()
	}
	if r.readyTimer != nil {
		r.readyTimer.Stop()
	}
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
}

// Supervisor owns exactly one backend child process. All lifecycle state is
// mutated by a single goroutine fed by command and event channels; readers
// use the Status snapshot.
type Supervisor struct {
	cfg    Config
	name   string
	logger *slog.Logger
	broker *Broker
	tail   *logger.Tail

	cmdCh  chan command
	evCh   chan internalEvent
	doneCh chan struct{}

	stdoutFile io.WriteCloser
	stderrFile io.WriteCloser

	mu     sync.RWMutex
	status Status

	// actor-owned
	state           State
	cur             *run
	restarts        uint32
	lastExitCode    *int
	lastError       string
	stopWaiters     []chan error
	restartWaiters  []chan error
	pendingRestart  bool
	shutdownWaiters []chan error
	shuttingDown    bool
}

// New creates a Supervisor and starts its actor goroutine. The backend is
// not spawned until Start.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Spec.Name == "" {
		cfg.Spec.Name = "backend"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	outW, errW, err := cfg.Logs.Writers(cfg.Spec.Name)
	if err != nil {
		return nil, fmt.Errorf("backend log files: %w", err)
	}
	s := &Supervisor{
		cfg:        cfg,
		name:       cfg.Spec.Name,
		logger:     cfg.Logger.With("backend", cfg.Spec.Name),
		broker:     NewBroker(),
		tail:       logger.NewTail(cfg.TailLines),
		cmdCh:      make(chan command, 16),
		evCh:       make(chan internalEvent, 16),
		doneCh:     make(chan struct{}),
		stdoutFile: outW,
		stderrFile: errW,
		state:      StateStopped,
	}
	s.publishStatus()
	metrics.SetState(s.name, StateStopped.String())
	go s.loop()
	return s, nil
}

// Start spawns the backend. It returns ErrAlreadyRunning when a live
// process exists and ErrStopping while one is being stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, actionStart)
}

// Stop terminates the backend and returns once its exit was observed.
// It is a no-op when nothing runs. If ctx ends first the stop still
// completes in the background.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.send(ctx, actionStop)
}

// Restart stops the running backend, waits for it to exit, then spawns a new
// one. With nothing running it simply starts.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.send(ctx, actionRestart)
}

// Shutdown stops the backend and ends the actor. Later calls return ErrShutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.send(ctx, actionShutdown)
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}

// Done is closed when the actor has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

func (s *Supervisor) send(ctx context.Context, a commandAction) error {
	reply := make(chan error, 1)
	select {
	case s.cmdCh <- command{action: a, reply: reply}:
	case <-s.doneCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.doneCh:
		select {
		case err := <-reply:
			return err
		default:
			return ErrShutdown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	return st
}

// Ready reports whether the current backend has been detected ready.
func (s *Supervisor) Ready() bool { return s.Status().Ready }

// Subscribe returns future supervisor events, limited to types when given;
// call cancel to unsubscribe.
func (s *Supervisor) Subscribe(buf int, types ...EventType) (<-chan Event, func()) {
	return s.broker.Subscribe(buf, types...)
}

// Tail returns up to n recent backend output lines, oldest first.
func (s *Supervisor) Tail(n int) []string { return s.tail.Last(n) }

// loop is the state machine (single goroutine, no races on actor fields).
func (s *Supervisor) loop() {
	defer close(s.doneCh)
	for {
		select {
		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		case ev := <-s.evCh:
			s.handleEvent(ev)
		}
		if s.shuttingDown && s.state == StateStopped {
			s.finishShutdown()
			return
		}
	}
}

// post delivers an internal event unless the actor is gone.
func (s *Supervisor) post(ev internalEvent) {
	select {
	case s.evCh <- ev:
	case <-s.doneCh:
	}
}

func (s *Supervisor) handleCommand(cmd command) {
	if s.shuttingDown {
		cmd.reply <- ErrShutdown
		return
	}
	switch cmd.action {
	case actionStart:
		cmd.reply <- s.handleStart()
	case actionStop:
		s.handleStop(cmd.reply)
	case actionRestart:
		s.handleRestart(cmd.reply)
	case actionShutdown:
		s.shuttingDown = true
		s.shutdownWaiters = append(s.shutdownWaiters, cmd.reply)
		s.pendingRestart = false
		s.replyAll(&s.restartWaiters, ErrShutdown)
		if s.state == StateStarting || s.state == StateReady {
			s.beginStop()
		}
	}
}

func (s *Supervisor) handleStart() error {
	switch s.state {
	case StateStopped:
		return s.spawn()
	case StateStopping:
		return ErrStopping
	default:
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, s.cur.proc.PID())
	}
}

func (s *Supervisor) handleStop(reply chan error) {
	switch s.state {
	case StateStopped:
		reply <- nil
	case StateStarting, StateReady:
		s.stopWaiters = append(s.stopWaiters, reply)
		s.beginStop()
	case StateStopping:
		// an explicit stop wins over a restart in progress
		if s.pendingRestart {
			s.pendingRestart = false
			s.replyAll(&s.restartWaiters, ErrStopping)
		}
		s.stopWaiters = append(s.stopWaiters, reply)
	}
}

func (s *Supervisor) handleRestart(reply chan error) {
	s.restarts++
	metrics.IncRestart(s.name)
	s.logger.Info("backend restart requested", "state", s.state.String())
	switch s.state {
	case StateStopped:
		s.publishStatus()
		reply <- s.spawn()
	case StateStarting, StateReady:
		s.pendingRestart = true
		s.restartWaiters = append(s.restartWaiters, reply)
		s.beginStop()
	case StateStopping:
		s.pendingRestart = true
		s.restartWaiters = append(s.restartWaiters, reply)
		s.publishStatus()
	}
}

// spawn launches a new run. Must be called in StateStopped.
func (s *Supervisor) spawn() error {
	spec := s.cfg.Spec
	if err := spec.CheckArtifact(); err != nil {
		s.lastError = err.Error()
		metrics.IncMissingArtifact(s.name)
		s.logger.Error("backend artifact missing", "path", spec.ArtifactPath(), "error", err)
		s.recordHistory(history.EventError, nil, err.Error())
		s.broker.Publish(Event{Type: EventError, Kind: KindMissingArtifact, Message: err.Error()})
		s.alert(MissingArtifactMessage)
		s.publishStatus()
		return err
	}
	if s.cfg.Env != nil {
		env, err := s.cfg.Env()
		if err != nil {
			return s.spawnFailed(fmt.Errorf("backend environment: %w", err))
		}
		spec.Env = env
	}

	id := uuid.NewString()
	log := s.logger.With("run_id", id)
	stdout := &logger.LineWriter{
		Logger: log.With("stream", "stdout"),
		Level:  slog.LevelInfo,
		Msg:    "backend output",
		File:   s.stdoutFile,
		OnLine: func(line string) { s.output(id, "stdout", line) },
	}
	stderr := &logger.LineWriter{
		Logger: log.With("stream", "stderr"),
		Level:  slog.LevelWarn,
		Msg:    "backend output",
		File:   s.stderrFile,
		OnLine: func(line string) { s.output(id, "stderr", line) },
	}
	var out io.Writer = stdout
	if s.cfg.Detector == nil && s.cfg.ReadyMarker != "" {
		marker := detector.NewMarkerScanner(s.cfg.ReadyMarker, func() {
			s.post(internalEvent{kind: evMarker, runID: id})
		})
		out = io.MultiWriter(marker, stdout)
	}

	proc, err := process.Start(spec, out, stderr)
	if err != nil {
		return s.spawnFailed(err)
	}

	r := &run{id: id, proc: proc, startedAt: proc.StartedAt()}
	s.cur = r
	s.lastError = ""
	s.setState(StateStarting)
	metrics.IncStart(s.name)
	if s.cfg.Resources != nil {
		s.cfg.Resources.Track(proc.PID())
	}
	log.Info("backend started", "pid", proc.PID(), "cmd", spec.Executable(runtime.GOOS), "script", spec.ArtifactPath())
	s.recordHistory(history.EventStart, r, "")
	s.broker.Publish(Event{Type: EventStarting, RunID: id, PID: proc.PID()})

	go func() {
		<-proc.Done()
		_ = stdout.Close()
		_ = stderr.Close()
		code, werr := proc.Exit()
		s.post(internalEvent{kind: evExit, runID: id, exitCode: code, exitErr: werr})
	}()

	if d := s.cfg.Detector; d != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancelProbe = cancel
		go func() {
			err := detector.Poll(ctx, d, s.cfg.ProbeInterval, func(err error) {
				log.Debug("readiness probe failed", "detector", d.Describe(), "error", err)
			})
			if err == nil {
				s.post(internalEvent{kind: evProbeOK, runID: id})
			}
		}()
	}
	if t := s.cfg.ReadyTimeout; t > 0 {
		r.readyTimer = time.AfterFunc(t, func() {
			s.post(internalEvent{kind: evReadyDeadline, runID: id})
		})
	}
	return nil
}

func (s *Supervisor) spawnFailed(err error) error {
	s.lastError = err.Error()
	s.logger.Error("failed to start backend", "error", err)
	s.recordHistory(history.EventError, nil, err.Error())
	s.broker.Publish(Event{Type: EventError, Kind: KindSpawnFailed, Message: err.Error()})
	s.publishStatus()
	return err
}

func (s *Supervisor) output(runID, stream, line string) {
	s.tail.Add(line)
	s.broker.Publish(Event{Type: EventOutput, RunID: runID, Stream: stream, Line: line})
}

// beginStop moves the current run to Stopping and signals it. A kill is
// scheduled in case the backend ignores the request.
func (s *Supervisor) beginStop() {
	r := s.cur
	if r == nil || r.stopRequested {
		return
	}
	r.stopRequested = true
	s.setState(StateStopping)
	if r.cancelProbe != nil {
		r.cancelProbe()
	}
	s.logger.Info("stopping backend", "pid", r.proc.PID(), "run_id", r.id)
	metrics.IncStop(s.name, "term")
	if err := r.proc.Terminate(); err != nil {
		s.logger.Warn("terminate backend failed", "pid", r.proc.PID(), "error", err)
	}
	id := r.id
	r.killTimer = time.AfterFunc(s.cfg.StopTimeout, func() {
		s.post(internalEvent{kind: evKillDeadline, runID: id})
	})
}

func (s *Supervisor) handleEvent(ev internalEvent) {
	r := s.cur
	if r == nil || ev.runID != r.id {
		s.logger.Debug("ignoring stale backend event", "run_id", ev.runID)
		return
	}
	switch ev.kind {
	case evMarker, evProbeOK:
		if s.state != StateStarting || r.ready {
			return
		}
		r.ready = true
		if r.readyTimer != nil {
			r.readyTimer.Stop()
		}
		if r.cancelProbe != nil {
			r.cancelProbe()
		}
		latency := time.Since(r.startedAt)
		s.setState(StateReady)
		metrics.IncReady(s.name, latency.Seconds())
		s.logger.Info("backend ready", "pid", r.proc.PID(), "run_id", r.id, "after", latency.Round(time.Millisecond).String())
		s.recordHistory(history.EventReady, r, "")
		s.broker.Publish(Event{Type: EventReady, RunID: r.id, PID: r.proc.PID()})

	case evReadyDeadline:
		if s.state != StateStarting {
			return
		}
		msg := fmt.Sprintf("backend not ready after %s", s.cfg.ReadyTimeout)
		s.lastError = msg
		s.logger.Warn(msg, "pid", r.proc.PID(), "run_id", r.id)
		s.broker.Publish(Event{Type: EventError, RunID: r.id, PID: r.proc.PID(), Kind: KindReadyTimeout, Message: msg})
		s.publishStatus()

	case evKillDeadline:
		if s.state != StateStopping || !r.proc.Alive() {
			return
		}
		s.logger.Warn("backend did not exit in time, killing", "pid", r.proc.PID(), "timeout", s.cfg.StopTimeout.String())
		metrics.IncStop(s.name, "kill")
		if err := r.proc.Kill(); err != nil {
			s.logger.Error("kill backend failed", "pid", r.proc.PID(), "error", err)
		}

	case evExit:
		s.handleExit(r, ev)
	}
}

func (s *Supervisor) handleExit(r *run, ev internalEvent) {
	r.release()
	s.cur = nil
	if s.cfg.Resources != nil {
		s.cfg.Resources.Track(0)
	}
	code := ev.exitCode
	s.lastExitCode = &code
	pid := r.proc.PID()

	outcome := "clean"
	switch {
	case r.stopRequested:
		outcome = "stopped"
	case code != 0:
		outcome = "crashed"
	}
	metrics.IncExit(s.name, outcome)

	attrs := []any{"pid", pid, "run_id", r.id, "exit_code", code}
	if ev.exitErr != nil {
		attrs = append(attrs, "error", ev.exitErr.Error())
	}
	if outcome == "crashed" {
		s.logger.Error("backend exited unexpectedly", attrs...)
	} else {
		s.logger.Info("backend exited", attrs...)
	}

	errText := ""
	if ev.exitErr != nil {
		errText = ev.exitErr.Error()
	}
	if outcome == "crashed" {
		s.lastError = fmt.Sprintf("backend exited with code %d", code)
	}
	s.setState(StateStopped)
	s.recordHistory(history.EventExit, r, errText)
	s.broker.Publish(Event{Type: EventExited, RunID: r.id, PID: pid, ExitCode: &code, Message: errText})
	if outcome == "crashed" {
		s.broker.Publish(Event{Type: EventError, RunID: r.id, PID: pid, Kind: KindCrashed, ExitCode: &code, Message: s.lastError})
	}
	if r.stopRequested {
		s.recordHistory(history.EventStop, r, "")
		s.broker.Publish(Event{Type: EventStopped, RunID: r.id, PID: pid})
	}
	s.replyAll(&s.stopWaiters, nil)

	if s.pendingRestart && !s.shuttingDown {
		s.pendingRestart = false
		err := s.spawn()
		s.replyAll(&s.restartWaiters, err)
	}
}

func (s *Supervisor) finishShutdown() {
	s.replyAll(&s.stopWaiters, nil)
	s.replyAll(&s.restartWaiters, ErrShutdown)
	if s.stdoutFile != nil {
		_ = s.stdoutFile.Close()
	}
	if s.stderrFile != nil {
		_ = s.stderrFile.Close()
	}
	s.logger.Info("supervisor shut down")
	s.replyAll(&s.shutdownWaiters, nil)
	s.broker.Close()
}

func (s *Supervisor) replyAll(waiters *[]chan error, err error) {
	for _, w := range *waiters {
		w <- err
	}
	*waiters = nil
}

// alert runs the operator notification off the actor goroutine; dialogs block.
func (s *Supervisor) alert(msg string) {
	if s.cfg.Alerter == nil {
		return
	}
	a := s.cfg.Alerter
	go func() {
		if err := a.Alert(AlertTitle, msg); err != nil {
			s.logger.Warn("operator alert failed", "error", err)
		}
	}()
}

// setState records the transition and refreshes the snapshot.
func (s *Supervisor) setState(next State) {
	prev := s.state
	s.state = next
	if prev != next {
		metrics.RecordStateTransition(s.name, prev.String(), next.String())
		metrics.SetState(s.name, next.String())
	}
	s.publishStatus()
}

func (s *Supervisor) publishStatus() {
	st := Status{
		Name:      s.name,
		State:     s.state.String(),
		Restarts:  s.restarts,
		LastError: s.lastError,
	}
	if s.lastExitCode != nil {
		c := *s.lastExitCode
		st.LastExitCode = &c
	}
	if r := s.cur; r != nil {
		st.Ready = r.ready
		st.PID = r.proc.PID()
		st.RunID = r.id
		t := r.startedAt
		st.StartedAt = &t
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Supervisor) recordHistory(t history.EventType, r *run, errText string) {
	if s.cfg.History == nil {
		return
	}
	rec := history.Record{Name: s.name, State: s.state.String(), Error: errText}
	if r != nil {
		rec.RunID = r.id
		rec.PID = r.proc.PID()
		rec.StartedAt = r.startedAt
	}
	if s.lastExitCode != nil && (t == history.EventExit || t == history.EventStop) {
		rec.ExitCode = *s.lastExitCode
	}
	s.cfg.History.Record(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}
