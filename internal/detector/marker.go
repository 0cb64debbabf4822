package detector

import (
	"bytes"
	"sync"
)

// MarkerScanner is an io.Writer that watches a byte stream for a literal
// marker. OnMatch fires at most once, even when the marker straddles two
// writes.
type MarkerScanner struct {
	marker  []byte
	onMatch func()

	mu    sync.Mutex
	tail  []byte
	fired bool
}

// NewMarkerScanner returns a scanner for marker. An empty marker never matches.
func NewMarkerScanner(marker string, onMatch func()) *MarkerScanner {
	return &MarkerScanner{marker: []byte(marker), onMatch: onMatch}
}

func (m *MarkerScanner) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.fired || len(m.marker) == 0 {
		m.mu.Unlock()
		return len(p), nil
	}
	window := append(m.tail, p...)
	if bytes.Contains(window, m.marker) {
		m.fired = true
		m.tail = nil
		m.mu.Unlock()
		if m.onMatch != nil {
			m.onMatch()
		}
		return len(p), nil
	}
	keep := len(m.marker) - 1
	if len(window) > keep {
		window = window[len(window)-keep:]
	}
	m.tail = append(m.tail[:0:0], window...)
	m.mu.Unlock()
	return len(p), nil
}

// Matched reports whether the marker has been seen.
func (m *MarkerScanner) Matched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}
