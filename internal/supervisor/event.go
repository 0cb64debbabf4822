package supervisor

import (
	"sync"
	"time"
)

// EventType names a supervisor notification.
type EventType string

const (
	EventStarting EventType = "starting"
	EventReady    EventType = "backend-ready"
	EventExited   EventType = "exited"
	EventStopped  EventType = "stopped"
	EventError    EventType = "error"
	EventOutput   EventType = "output"
)

// ErrorKind classifies EventError notifications.
type ErrorKind string

const (
	KindMissingArtifact ErrorKind = "missing_artifact"
	KindSpawnFailed     ErrorKind = "spawn_failed"
	KindCrashed         ErrorKind = "crashed"
	KindReadyTimeout    ErrorKind = "ready_timeout"
)

// Event is delivered to subscribers. Fields beyond Type and Time are set
// only where they apply.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	RunID    string    `json:"run_id,omitempty"`
	PID      int       `json:"pid,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
	Message  string    `json:"message,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Stream   string    `json:"stream,omitempty"`
	Line     string    `json:"line,omitempty"`
}

// Lifecycle reports whether t is a state notification. Lifecycle events are
// queued for every interested subscriber; only output lines are dropped.
func (t EventType) Lifecycle() bool { return t != EventOutput }

// Broker fans events out to subscribers. Publish never blocks. Each
// subscriber holds at most buf undelivered output events and misses output
// beyond that; lifecycle events are always queued.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	next   int
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: map[int]*subscriber{}}
}

// Subscribe returns a channel of future events and a cancel func that
// unregisters and closes it. With types given, only those event types are
// queued. Close drains queued events and then closes the channel.
func (b *Broker) Subscribe(buf int, types ...EventType) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	sub := newSubscriber(buf, types)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.out)
		return sub.out, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	go sub.run()
	return sub.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.cancel()
	}
}

func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.push(e)
	}
}

// Close ends every subscription after its queued events are delivered;
// later subscriptions get a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.finish()
	}
}

type subscriber struct {
	types map[EventType]bool // nil accepts every type
	limit int
	out   chan Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	queue   []Event
	outputs int // output events queued or in flight
	closing bool
}

func newSubscriber(limit int, types []EventType) *subscriber {
	s := &subscriber{
		limit: limit,
		out:   make(chan Event),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	return s
}

func (s *subscriber) push(e Event) {
	if s.types != nil && !s.types[e.Type] {
		return
	}
	s.mu.Lock()
	if !e.Type.Lifecycle() {
		if s.outputs >= s.limit {
			s.mu.Unlock()
			return
		}
		s.outputs++
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
		if !e.Type.Lifecycle() {
			s.mu.Lock()
			s.outputs--
			s.mu.Unlock()
		}
	}
}
