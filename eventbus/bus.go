package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("eventbus: bus is closed")
	ErrSubscriberExists   = errors.New("eventbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("eventbus: subscriber not found")
	ErrNilChannel         = errors.New("eventbus: nil channel provided")
)

// SubscriberStats counts deliveries for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// BusStats is a snapshot of the whole bus.
type BusStats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	kinds   map[Kind]bool // nil means every kind
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- Event // channel subscribers
	latest *Latest      // latest-only subscribers
}

func (s *subscriber) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// Bus fans events out to independent subscribers. Publish never blocks:
// a channel subscriber that is not keeping up loses the new event, and a
// latest-only subscriber has its previous event replaced.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
	onDrop      func(id string, ev Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithOnDrop calls fn for every event a channel subscriber loses. fn runs
// on the publisher's goroutine under the bus lock and must not call back
// into the bus.
func WithOnDrop(fn func(id string, ev Event)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{subscribers: make(map[string]*subscriber)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func kindSet(kinds []Kind) map[Kind]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

// Subscribe delivers events of the given kinds (all kinds if none) to ch.
// The caller owns ch and picks its buffer size.
func (b *Bus) Subscribe(id string, ch chan<- Event, kinds ...Kind) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{kinds: kindSet(kinds), ch: ch}
	return nil
}

// SubscribeLatest keeps only the most recent matching event for id. It
// suits consumers that want "the current frame" rather than every frame.
func (b *Bus) SubscribeLatest(id string, kinds ...Kind) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	l := newLatest()
	b.subscribers[id] = &subscriber{kinds: kindSet(kinds), latest: l}
	return l, nil
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for id, s := range b.subscribers {
		if !s.wants(ev.Kind) {
			continue
		}
		if s.latest != nil {
			s.latest.set(ev)
			s.sent.Add(1)
			continue
		}
		select {
		case s.ch <- ev:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(id, ev)
			}
		}
	}
}

// Unsubscribe removes id. Channel subscribers' channels are not closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns delivery counters for every subscriber.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		stats.Subscribers[id] = SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
	}
	return stats
}

// Close drops every subscriber. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subscribers = nil
}

// Latest holds the most recent event for a latest-only subscriber.
type Latest struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ev     *Event
	seq    uint64
	closed bool
}

func newLatest() *Latest {
	l := &Latest{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Latest) set(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.ev = &ev
	l.seq++
	l.cond.Broadcast()
}

// Get returns the latest event without blocking.
func (l *Latest) Get() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ev == nil {
		return Event{}, false
	}
	return *l.ev, true
}

// Wait blocks until an event newer than seq arrives, returning it with its
// sequence number. ok is false once the holder is closed.
func (l *Latest) Wait(seq uint64) (ev Event, next uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.seq <= seq && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return Event{}, seq, false
	}
	return *l.ev, l.seq, true
}

// Close wakes any waiter and stops accepting events.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}
