package detector

import (
	"context"
	"time"
)

// Detector is a strategy that determines if the backend is ready to serve.
// Implementations must be safe for concurrent use.
type Detector interface {
	// Ready returns true once the backend answers. A false result with a nil
	// error means "not yet"; errors are reported but polling continues.
	Ready(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Poll runs d every interval until it reports ready or ctx ends.
// It returns nil when ready and ctx.Err() otherwise. onErr, when set,
// receives probe errors.
func Poll(ctx context.Context, d Detector, interval time.Duration, onErr func(error)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		ok, err := d.Ready(ctx)
		if ok {
			return nil
		}
		if err != nil && onErr != nil && ctx.Err() == nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
