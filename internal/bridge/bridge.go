// Package bridge is the fixed set of host operations the UI may call.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loykin/deskhost/internal/dialog"
	"github.com/loykin/deskhost/internal/supervisor"
)

// Operation names as seen by the UI.
const (
	OpGetBackendStatus = "getBackendStatus"
	OpRestartBackend   = "restartBackend"
	OpOpenFileDialog   = "openFileDialog"
	OpOnBackendReady   = "onBackendReady"
)

// ErrWindowClosed is returned by operations that need a window when none is open.
var ErrWindowClosed = errors.New("no application window is open")

type StatusResult struct {
	Ready bool `json:"ready"`
}

type RestartResult struct {
	Success bool `json:"success"`
}

// FileResult carries the chosen path; FilePath is nil when the user cancelled.
type FileResult struct {
	FilePath *string `json:"filePath"`
}

// Backend is the slice of the supervisor the bridge needs.
type Backend interface {
	Ready() bool
	Restart(ctx context.Context) error
	Subscribe(buf int, types ...supervisor.EventType) (<-chan supervisor.Event, func())
}

type FilePicker interface {
	PickFile(ctx context.Context) (string, error)
}

type WindowState interface {
	IsOpen() bool
}

// Bridge exposes backend status, restart, file selection and readiness
// notifications. Nothing else of the host is reachable from the UI.
type Bridge struct {
	backend Backend
	picker  FilePicker
	logger  *slog.Logger

	mu        sync.RWMutex
	window    WindowState
	listeners []func()
}

func New(backend Backend, picker FilePicker, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{backend: backend, picker: picker, logger: logger.With("component", "bridge")}
}

// SetWindow attaches the window used to parent dialogs. A nil window means
// headless operation where the picker is always allowed.
func (b *Bridge) SetWindow(w WindowState) {
	b.mu.Lock()
	b.window = w
	b.mu.Unlock()
}

func (b *Bridge) GetBackendStatus(context.Context) StatusResult {
	return StatusResult{Ready: b.backend.Ready()}
}

// RestartBackend always reports success; failures surface as supervisor
// error events and in the log.
func (b *Bridge) RestartBackend(ctx context.Context) RestartResult {
	if err := b.backend.Restart(ctx); err != nil {
		b.logger.Error("restart backend failed", "error", err)
	}
	return RestartResult{Success: true}
}

func (b *Bridge) OpenFileDialog(ctx context.Context) (FileResult, error) {
	b.mu.RLock()
	w := b.window
	b.mu.RUnlock()
	if w != nil && !w.IsOpen() {
		return FileResult{}, ErrWindowClosed
	}
	if b.picker == nil {
		return FileResult{}, errors.New("file picker unavailable")
	}
	path, err := b.picker.PickFile(ctx)
	if errors.Is(err, dialog.ErrCanceled) {
		return FileResult{}, nil
	}
	if err != nil {
		return FileResult{}, err
	}
	return FileResult{FilePath: &path}, nil
}

// OnBackendReady registers cb for every later readiness transition.
// Past transitions are not replayed and there is no way to unregister.
func (b *Bridge) OnBackendReady(cb func()) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, cb)
	b.mu.Unlock()
}

// Run forwards backend-ready events to listeners until ctx ends or the
// supervisor closes its event stream.
func (b *Bridge) Run(ctx context.Context) {
	events, cancel := b.backend.Subscribe(16, supervisor.EventReady)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			b.mu.RLock()
			ls := append([]func(){}, b.listeners...)
			b.mu.RUnlock()
			for _, cb := range ls {
				cb()
			}
		}
	}
}
