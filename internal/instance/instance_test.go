package instance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireExclusive(t *testing.T) {
	dir := t.TempDir()
	first := New(dir)
	if err := first.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = first.Release() }()

	second := New(dir)
	if err := second.Acquire(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := second.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestPublishAndRead(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(dir); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}

	inst := New(dir)
	if err := inst.Publish(Info{Addr: "x"}); err == nil {
		t.Fatalf("publish without lock should fail")
	}
	if err := inst.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := inst.Publish(Info{Addr: "127.0.0.1:5050", BasePath: "/api", Token: "t"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	st, err := os.Stat(filepath.Join(dir, infoFile))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := st.Mode().Perm(); perm&0o077 != 0 && os.PathSeparator == '/' {
		t.Fatalf("info file should be private, got %v", perm)
	}

	info, err := Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if info.URL() != "http://127.0.0.1:5050/api" || info.Token != "t" || info.PID != os.Getpid() || info.StartedAt.IsZero() {
		t.Fatalf("unexpected info %+v", info)
	}

	if err := inst.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := Read(dir); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after release, got %v", err)
	}
}

func TestReadIgnoresStaleInfo(t *testing.T) {
	dir := t.TempDir()
	stale := `{"pid":1,"addr":"127.0.0.1:1","base_path":"/api"}`
	if err := os.WriteFile(filepath.Join(dir, infoFile), []byte(stale), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("unlocked info must be treated as stale, got %v", err)
	}
}

func TestDefaultDir(t *testing.T) {
	if d := DefaultDir(""); filepath.Base(d) != "deskhost" {
		t.Fatalf("unexpected default dir %q", d)
	}
}
