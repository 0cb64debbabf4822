package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes rotating log file destinations.
// If StdoutPath/StderrPath are empty, and Dir is set, backend output goes to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log; the host log goes to
// Dir/deskhost.log unless AppPath is set.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir" json:"dir"`
	AppPath    string `mapstructure:"app" json:"app"`
	StdoutPath string `mapstructure:"stdout" json:"stdout"`
	StderrPath string `mapstructure:"stderr" json:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// Writers returns rotating io.WriteClosers for the stdout and stderr of the
// named child process. A nil writer means that stream is not persisted.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

// AppWriter returns the rotating writer for the host's own log, or nil when
// file logging is not configured.
func (c Config) AppWriter() io.WriteCloser {
	path := c.AppPath
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, "deskhost.log")
	}
	if path == "" {
		return nil
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	return c.rotating(path)
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Options controls construction of the host logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console, text, json
	File   Config
}

// New builds the host slog.Logger. Console output goes to stderr (coloured
// when stderr is a terminal); a rotating file copy is added when configured.
// The returned closer releases the file writer and is never nil.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			console = NewColorTextHandler(os.Stderr, hopts, true)
		} else {
			console = slog.NewTextHandler(os.Stderr, hopts)
		}
	case "text":
		console = slog.NewTextHandler(os.Stderr, hopts)
	case "json":
		console = slog.NewJSONHandler(os.Stderr, hopts)
	default:
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	handlers := []slog.Handler{console}
	if w := opts.File.AppWriter(); w != nil {
		handlers = append(handlers, slog.NewJSONHandler(w, hopts))
		closer = w
	}
	return slog.New(NewFanoutHandler(handlers...)), closer, nil
}

// ParseLevel maps a textual level to slog.Level; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log level: unsupported value %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
