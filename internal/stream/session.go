// Package stream records what happens on a long-lived streaming connection
// and fans the frames out to subscribers.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DropPolicy decides what a subscriber with a full buffer loses.
type DropPolicy int

const (
	DropNewest DropPolicy = iota
	DropOldest
	DropListener
)

const (
	defaultBufferSize     = 256
	defaultListenerBuffer = 64
)

type Config struct {
	// BufferSize is how many recent events the session remembers.
	BufferSize     int
	ListenerBuffer int
	DropPolicy     DropPolicy
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = defaultListenerBuffer
	}
	if c.DropPolicy < DropNewest || c.DropPolicy > DropListener {
		c.DropPolicy = DropOldest
	}
	return c
}

type Stats struct {
	StartedAt     time.Time
	EndedAt       time.Time
	SentTotal     uint64
	ReceivedTotal uint64
	BytesTotal    uint64
	Dropped       uint64
}

// Snapshot is the history a new subscriber starts from.
type Snapshot struct {
	Events []*Event
	State  State
	Err    error
}

type Listener struct {
	C        <-chan *Event
	Cancel   func()
	Snapshot Snapshot
}

// Session is the observable side of one streaming connection. The transport
// publishes frames into it and any number of listeners consume them.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	done   chan struct{}

	mu     sync.RWMutex
	state  State
	err    error
	recent *ringBuffer
	subs   map[*subscriber]struct{}
	stats  Stats
}

var sessionSeq atomic.Uint64

func NewSession(parent context.Context, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &Session{
		id:     fmt.Sprintf("ws-%s-%d", now.UTC().Format("20060102T150405.000000Z"), sessionSeq.Add(1)),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		done:   make(chan struct{}),
		state:  StateConnecting,
		recent: newRingBuffer(cfg.BufferSize),
		subs:   make(map[*subscriber]struct{}),
		stats:  Stats{StartedAt: now},
	}
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Context() context.Context { return s.ctx }
func (s *Session) Cancel()                  { s.cancel() }
func (s *Session) Done() <-chan struct{}    { return s.done }

func (s *Session) State() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.err
}

func (s *Session) Err() error {
	_, err := s.State()
	return err
}

func (s *Session) StatsSnapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Session) EventsSnapshot() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recent.snapshot()
}

func (s *Session) finished() bool {
	return s.state == StateClosed || s.state == StateFailed
}

// Subscribe registers a listener. Subscribing to a finished session returns
// an already-closed channel with the final snapshot.
func (s *Session) Subscribe() Listener {
	sub := &subscriber{
		ch:     make(chan *Event, s.cfg.ListenerBuffer),
		policy: s.cfg.DropPolicy,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Events: s.recent.snapshot(), State: s.state, Err: s.err}
	if s.finished() {
		sub.close()
		return Listener{C: sub.ch, Cancel: func() {}, Snapshot: snap}
	}
	s.subs[sub] = struct{}{}
	return Listener{C: sub.ch, Cancel: func() { s.unsubscribe(sub) }, Snapshot: snap}
}

func (s *Session) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.close()
}

// Publish stamps evt, records it and offers it to every subscriber without
// blocking.
func (s *Session) Publish(evt *Event) {
	if evt == nil {
		return
	}
	evt.Sequence = nextSequence()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.recent.append(evt)
	switch evt.Direction {
	case DirSend:
		s.stats.SentTotal++
	case DirReceive:
		s.stats.ReceivedTotal++
	}
	s.stats.BytesTotal += uint64(len(evt.Payload))
	subs := s.subscribers()
	s.mu.Unlock()

	var dropped uint64
	for _, sub := range subs {
		if !sub.offer(evt) {
			dropped++
		}
	}
	if dropped > 0 {
		s.mu.Lock()
		s.stats.Dropped += dropped
		s.mu.Unlock()
	}
}

func (s *Session) subscribers() []*subscriber {
	out := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *Session) MarkOpen()    { s.transition(StateOpen) }
func (s *Session) MarkClosing() { s.transition(StateClosing) }

func (s *Session) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished() {
		s.state = to
	}
}

// Close finishes the session. The first call decides between closed and
// failed; later calls are no-ops apart from cancelling again.
func (s *Session) Close(err error) {
	s.mu.Lock()
	first := !s.finished()
	if first {
		s.state = StateClosed
		if err != nil {
			s.state, s.err = StateFailed, err
		}
		s.stats.EndedAt = time.Now()
	}
	subs := s.subscribers()
	clear(s.subs)
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.close()
	}
	if first {
		close(s.done)
	}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan *Event
	policy DropPolicy
	closed bool
}

// offer reports whether evt was queued. DropOldest makes room by discarding
// the oldest queued event; DropListener closes a subscriber that fell behind.
func (sub *subscriber) offer(evt *Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- evt:
		return true
	default:
	}

	switch sub.policy {
	case DropOldest:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- evt:
			return true
		default:
			return false
		}
	case DropListener:
		sub.closeLocked()
	}
	return false
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	sub.closeLocked()
	sub.mu.Unlock()
}

func (sub *subscriber) closeLocked() {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
