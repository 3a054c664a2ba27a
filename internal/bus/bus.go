// Package bus fans session events out to live listeners. Every subscription
// owns an unbounded mailbox drained by its own goroutine, so a slow listener
// never stalls Publish or its siblings.
package bus

import (
	"sync"

	"github.com/basket/optad/internal/protocol"
)

// Listener receives events in publish order. It runs on the subscription's
// delivery goroutine.
type Listener func(protocol.Envelope)

type options struct {
	maxPending int
	onOverflow func()
}

// Option configures a subscription.
type Option func(*options)

// WithMaxPending caps undelivered events. When the cap is exceeded the
// subscription is cut off instead of silently losing events.
func WithMaxPending(n int) Option {
	return func(o *options) { o.maxPending = n }
}

// WithOverflow sets the callback run once when a subscription is cut off by
// WithMaxPending.
func WithOverflow(fn func()) Option {
	return func(o *options) { o.onOverflow = fn }
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id        uint64
	sessionID string
	reg       *Registry
	listener  Listener
	opts      options

	mu      sync.Mutex
	queue   []protocol.Envelope
	pending int
	stopped bool
	closing bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// SessionID returns the session the subscription listens on.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Unsubscribe detaches the listener and discards undelivered events. It is
// safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.reg.remove(s)
	s.stop()
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) stop() bool {
	first := false
	s.once.Do(func() {
		first = true
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.pending = 0
		s.mu.Unlock()
		close(s.quit)
	})
	return first
}

func (s *Subscription) deliver(env protocol.Envelope) {
	s.mu.Lock()
	if s.stopped || s.closing {
		s.mu.Unlock()
		return
	}
	if s.opts.maxPending > 0 && s.pending >= s.opts.maxPending {
		s.mu.Unlock()
		s.reg.remove(s)
		if s.stop() && s.opts.onOverflow != nil {
			go s.opts.onOverflow()
		}
		return
	}
	s.queue = append(s.queue, env)
	s.pending++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish stops accepting events but lets the goroutine deliver what is
// already queued before it exits.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				break
			}
			if len(s.queue) == 0 {
				closing := s.closing
				s.mu.Unlock()
				if closing {
					s.stop()
					return
				}
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, env := range batch {
				select {
				case <-s.quit:
					return
				default:
				}
				s.listener(env)
				s.mu.Lock()
				if s.pending > 0 {
					s.pending--
				}
				s.mu.Unlock()
			}
		}
	}
}

// Registry is the per-session subscriber set.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[uint64]*Subscription
	nextID   uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers listener for every event published on sessionID from
// now on.
func (r *Registry) Subscribe(sessionID string, listener Listener, opts ...Option) *Subscription {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	r.nextID++
	sub := &Subscription{
		id:        r.nextID,
		sessionID: sessionID,
		reg:       r,
		listener:  listener,
		opts:      o,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	subs, ok := r.sessions[sessionID]
	if !ok {
		subs = make(map[uint64]*Subscription)
		r.sessions[sessionID] = subs
	}
	subs[sub.id] = sub
	r.mu.Unlock()

	go sub.run()
	return sub
}

// Publish queues env for every subscriber of env.SessionID and returns how
// many subscribers it reached. Callers serialize Publish per session.
func (r *Registry) Publish(env protocol.Envelope) int {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.sessions[env.SessionID]))
	for _, sub := range r.sessions[env.SessionID] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(env)
	}
	return len(subs)
}

// CloseSession detaches every listener of sessionID. Events already queued
// are still delivered; nothing published afterwards is.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	subs := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

// Count returns the number of live subscriptions on sessionID.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Total returns the number of live subscriptions across all sessions.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, subs := range r.sessions {
		n += len(subs)
	}
	return n
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.sessions[sub.sessionID]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(r.sessions, sub.sessionID)
	}
}
