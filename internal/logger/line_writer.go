package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// maxLineBytes bounds a single buffered line; longer output is split.
const maxLineBytes = 64 * 1024

// LineWriter turns a raw child output stream into individual log lines.
// Raw bytes are copied to File unchanged; each complete line is logged and
// handed to OnLine. Partial trailing output is held until the next newline
// or Close.
type LineWriter struct {
	Logger *slog.Logger
	Level  slog.Level
	Msg    string
	File   io.Writer
	OnLine func(line string)

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.File != nil {
		// file errors must not stall the child; the line log still carries the text
		_, _ = w.File.Write(p)
	}
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(data) >= maxLineBytes {
				w.emit(string(data))
				w.buf.Reset()
			}
			break
		}
		w.emit(string(data[:i]))
		w.buf.Next(i + 1)
	}
	return len(p), nil
}

// Close flushes any buffered partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if w.Logger != nil {
		msg := w.Msg
		if msg == "" {
			msg = "output"
		}
		w.Logger.Log(context.Background(), w.Level, msg, "line", line)
	}
	if w.OnLine != nil {
		w.OnLine(line)
	}
}

// Tail keeps the most recent lines of output in a fixed-size ring.
type Tail struct {
	mu    sync.Mutex
	lines []string
	start int
	count int
}

// NewTail returns a ring holding up to size lines (minimum 1).
func NewTail(size int) *Tail {
	if size <= 0 {
		size = 1
	}
	return &Tail{lines: make([]string, size)}
}

// Add appends a line, evicting the oldest one when full.
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := (t.start + t.count) % len(t.lines)
	t.lines[idx] = line
	if t.count < len(t.lines) {
		t.count++
	} else {
		t.start = (t.start + 1) % len(t.lines)
	}
}

// Last returns up to n most recent lines, oldest first. n <= 0 returns all.
func (t *Tail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > t.count {
		n = t.count
	}
	out := make([]string, 0, n)
	for i := t.count - n; i < t.count; i++ {
		out = append(out, t.lines[(t.start+i)%len(t.lines)])
	}
	return out
}

// Reset drops all buffered lines.
func (t *Tail) Reset() {
	t.mu.Lock()
	t.start, t.count = 0, 0
	t.mu.Unlock()
}
