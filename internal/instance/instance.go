// Package instance keeps deskhost single-instance: the first process holds a
// file lock and publishes where its control API listens; later launches read
// that address and hand off to the running instance.
package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFile = "deskhost.lock"
	infoFile = "deskhost.json"
)

var (
	ErrAlreadyRunning = errors.New("another deskhost instance is running")
	ErrNotRunning     = errors.New("no running deskhost instance")
)

// Info is what the running instance publishes for later launches.
type Info struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	BasePath  string    `json:"base_path"`
	Token     string    `json:"token,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// URL is the control API base URL, e.g. http://127.0.0.1:5000/api.
func (i Info) URL() string {
	return "http://" + i.Addr + i.BasePath
}

type Instance struct {
	dir      string
	lockPath string
	infoPath string
	lock     *flock.Flock
	held     bool
}

func New(dir string) *Instance {
	lockPath := filepath.Join(dir, lockFile)
	return &Instance{
		dir:      dir,
		lockPath: lockPath,
		infoPath: filepath.Join(dir, infoFile),
		lock:     flock.New(lockPath),
	}
}

// DefaultDir is the per-user state directory for app.
func DefaultDir(app string) string {
	if app == "" {
		app = "deskhost"
	}
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, app)
	}
	return filepath.Join(os.TempDir(), app)
}

func (i *Instance) Dir() string { return i.dir }

// Acquire takes the instance lock without blocking.
func (i *Instance) Acquire() error {
	if err := os.MkdirAll(i.dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	ok, err := i.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	i.held = true
	return nil
}

// Publish writes info for other launches. The file is private to the user
// since it carries the API token.
func (i *Instance) Publish(info Info) error {
	if !i.held {
		return errors.New("instance lock not held")
	}
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := i.infoPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write instance info: %w", err)
	}
	if err := os.Rename(tmp, i.infoPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write instance info: %w", err)
	}
	return nil
}

// Release removes the info file and drops the lock.
func (i *Instance) Release() error {
	if !i.held {
		return nil
	}
	_ = os.Remove(i.infoPath)
	i.held = false
	return i.lock.Unlock()
}

// Read returns the info of the running instance in dir. A stale file left
// by a crashed instance (lock free) yields ErrNotRunning.
func Read(dir string) (Info, error) {
	b, err := os.ReadFile(filepath.Join(dir, infoFile))
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, ErrNotRunning
	}
	if err != nil {
		return Info{}, fmt.Errorf("read instance info: %w", err)
	}
	probe := flock.New(filepath.Join(dir, lockFile))
	if ok, err := probe.TryLock(); err == nil && ok {
		_ = probe.Unlock()
		return Info{}, ErrNotRunning
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return Info{}, fmt.Errorf("parse instance info: %w", err)
	}
	if info.Addr == "" {
		return Info{}, ErrNotRunning
	}
	return info, nil
}
