package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name identifies the kind of event.
type Name string

const (
	SessionCreated      Name = "session:created"
	SessionRemoved      Name = "session:removed"
	SessionRefreshed    Name = "session:refreshed"
	SessionsCleaned     Name = "sessions:cleaned"
	UserSessionsRemoved Name = "user:sessions-removed"
	Error               Name = "error"

	AuthenticationSet     Name = "authentication:set"
	AuthenticationCleared Name = "authentication:cleared"
	RequestSuccess        Name = "request:success"
	RequestError          Name = "request:error"
	HTTPError             Name = "http:error"
)

// Event is a notification about a session or request lifecycle change.
type Event struct {
	ID        string
	Name      Name
	Timestamp time.Time
	Payload   map[string]any
}

// Observer receives events. Implementations must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// Emitter fans events out to its subscribers. A nil *Emitter discards everything.
type Emitter struct {
	mu        sync.RWMutex
	observers []subscription // in subscription order
	nextID    uint64
	logger    zerolog.Logger
	nowFunc   func() time.Time
}

type subscription struct {
	id       uint64
	observer Observer
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger used to report observer panics.
func WithLogger(l zerolog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = l
	}
}

// WithNowFunc sets the clock used to timestamp events.
func WithNowFunc(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		e.nowFunc = now
	}
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		logger:    log.Logger,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "events").Logger()
	return e
}

// Subscribe registers o and returns a function that removes it again.
func (e *Emitter) Subscribe(o Observer) func() {
	if e == nil || o == nil {
		return func() {}
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.observers = append(e.observers, subscription{id: id, observer: o})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, sub := range e.observers {
				if sub.id == id {
					e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers an event to every subscriber in the calling goroutine, in subscription order.
// Callers must not hold locks that observers could need.
func (e *Emitter) Emit(name Name, payload map[string]any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	observers := make([]Observer, 0, len(e.observers))
	for _, sub := range e.observers {
		observers = append(observers, sub.observer)
	}
	e.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	ev := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: e.nowFunc(),
		Payload:   payload,
	}
	for _, o := range observers {
		e.notify(o, ev)
	}
}

func (e *Emitter) notify(o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("event", string(ev.Name)).Str("panic", fmt.Sprint(r)).Msg("observer panicked")
		}
	}()
	o.Notify(ev)
}

// ChannelObserver forwards events to a buffered channel, dropping them when it is full.
type ChannelObserver struct {
	C chan Event

	mu      sync.Mutex
	dropped int
}

// NewChannelObserver creates a ChannelObserver with the given buffer size.
func NewChannelObserver(size int) *ChannelObserver {
	return &ChannelObserver{C: make(chan Event, size)}
}

func (c *ChannelObserver) Notify(e Event) {
	select {
	case c.C <- e:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Dropped returns the number of events discarded because the channel was full.
func (c *ChannelObserver) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Recorder keeps every event it receives. Used by tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name Name) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
