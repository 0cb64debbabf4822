package supervisor

import (
	"testing"
	"time"
)

func TestBroker_FanOutAndCancel(t *testing.T) {
	b := NewBroker()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(Event{Type: EventReady, RunID: "r1"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != EventReady || e.RunID != "r1" || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatalf("cancelled subscription must be closed")
	}
	b.Publish(Event{Type: EventStopped})
	if e := <-c; e.Type != EventStopped {
		t.Fatalf("remaining subscriber missed event: %+v", e)
	}
}

func TestBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1)
	defer cancel()
	b.Publish(Event{Type: EventOutput, Line: "1"})
	b.Publish(Event{Type: EventOutput, Line: "2"})
	if e := <-ch; e.Line != "1" {
		t.Fatalf("expected first event, got %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("overflow event should be dropped, got %+v", e)
	default:
	}
}

func TestBroker_LifecycleSurvivesOutputBurst(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(2)
	defer cancel()
	b.Publish(Event{Type: EventStarting})
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventOutput, Line: "noise"})
	}
	b.Publish(Event{Type: EventReady, RunID: "r1"})
	b.Publish(Event{Type: EventExited})

	var got []EventType
	outputs := 0
	for len(got) < 3 {
		select {
		case e := <-ch:
			if e.Type == EventOutput {
				outputs++
				continue
			}
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("lifecycle events lost, got %v", got)
		}
	}
	if got[0] != EventStarting || got[1] != EventReady || got[2] != EventExited {
		t.Fatalf("lifecycle order = %v", got)
	}
	if outputs > 2 {
		t.Fatalf("output beyond buffer should be dropped, got %d", outputs)
	}
}

func TestBroker_TypeFilter(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1, EventReady)
	defer cancel()
	for i := 0; i < 50; i++ {
		b.Publish(Event{Type: EventOutput, Line: "noise"})
	}
	b.Publish(Event{Type: EventStarting})
	b.Publish(Event{Type: EventReady, RunID: "r1"})
	select {
	case e := <-ch:
		if e.Type != EventReady || e.RunID != "r1" {
			t.Fatalf("filtered subscriber got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("ready event not delivered")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_CloseDrainsQueued(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(4)
	defer cancel()
	b.Publish(Event{Type: EventStopped})
	b.Close()
	if e, ok := <-ch; !ok || e.Type != EventStopped {
		t.Fatalf("queued event lost on close: %+v ok=%v", e, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel must be closed after drain")
	}
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel must be closed")
	}
	cancel()
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("subscription after Close must be closed")
	}
	b.Publish(Event{Type: EventReady})
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateReady:    "ready",
		StateStopping: "stopping",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
