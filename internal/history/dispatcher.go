package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// sendTimeout bounds a single sink write.
const sendTimeout = 5 * time.Second

// Dispatcher delivers events to sinks from a background goroutine so the
// supervisor never waits on a database. When the queue is full, events are
// dropped and logged.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
	ch     chan Event
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts a dispatcher with a queue of buf events.
func NewDispatcher(logger *slog.Logger, buf int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if buf <= 0 {
		buf = 256
	}
	d := &Dispatcher{
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
		ch:     make(chan Event, buf),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Record enqueues e. It never blocks.
func (d *Dispatcher) Record(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.logger.Warn("history queue full, dropping event", "type", e.Type, "run_id", e.Record.RunID)
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, then closes sinks that implement io.Closer.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
