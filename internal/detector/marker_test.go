package detector

import (
	"sync/atomic"
	"testing"
)

const marker = "APRS Legal Assistant API is running"

func TestMarkerScanner_SingleWrite(t *testing.T) {
	var n atomic.Int32
	m := NewMarkerScanner(marker, func() { n.Add(1) })
	_, _ = m.Write([]byte("INFO: " + marker + "\n"))
	if n.Load() != 1 || !m.Matched() {
		t.Fatalf("expected one match, got %d", n.Load())
	}
}

func TestMarkerScanner_AcrossChunks(t *testing.T) {
	var n atomic.Int32
	m := NewMarkerScanner(marker, func() { n.Add(1) })
	chunks := []string{"boot...\nAPRS Le", "gal Assist", "ant API is run", "ning\n"}
	for _, c := range chunks {
		if w, err := m.Write([]byte(c)); err != nil || w != len(c) {
			t.Fatalf("Write(%q) = %d, %v", c, w, err)
		}
	}
	if n.Load() != 1 {
		t.Fatalf("expected match across chunks, got %d", n.Load())
	}
}

func TestMarkerScanner_FiresOnce(t *testing.T) {
	var n atomic.Int32
	m := NewMarkerScanner(marker, func() { n.Add(1) })
	_, _ = m.Write([]byte(marker))
	_, _ = m.Write([]byte(marker))
	if n.Load() != 1 {
		t.Fatalf("expected exactly one callback, got %d", n.Load())
	}
}

func TestMarkerScanner_NoFalsePositive(t *testing.T) {
	m := NewMarkerScanner(marker, func() { t.Fatalf("unexpected match") })
	_, _ = m.Write([]byte("APRS Legal Assistant API is"))
	_, _ = m.Write([]byte(" starting\n"))
	_, _ = m.Write([]byte("api is running\n"))
	if m.Matched() {
		t.Fatalf("marker must be an exact, case-sensitive substring")
	}
	empty := NewMarkerScanner("", func() { t.Fatalf("empty marker must never match") })
	_, _ = empty.Write([]byte("anything"))
}
