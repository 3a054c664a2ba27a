// Package eventlog assigns per-session sequence numbers and retains a bounded
// window of recent envelopes for replay.
package eventlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/optad/internal/protocol"
)

const DefaultCapacity = 1024

var ErrSessionNotFound = errors.New("session not found")

// Window is the answer to EventsAfter: the retained events past the cursor
// plus the bounds of what the log still holds.
type Window struct {
	Events []protocol.Envelope
	// OldestRetained is the seq of the oldest event still held, or Next when
	// nothing is retained.
	OldestRetained uint64
	// Next is the seq the next Append will assign.
	Next uint64
}

// Truncated reports whether events the caller asked for were evicted (or
// were never held by this process) so Events alone does not reach back to
// afterSeq+1.
func (w Window) Truncated(afterSeq uint64) bool {
	return afterSeq+1 < w.OldestRetained
}

type ring struct {
	mu    sync.Mutex
	buf   []protocol.Envelope
	start int
	size  int
	next  uint64
}

func (r *ring) push(env protocol.Envelope) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = env
		r.size++
		return
	}
	r.buf[r.start] = env
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) protocol.Envelope {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) oldest() uint64 {
	if r.size == 0 {
		return r.next
	}
	return r.at(0).Seq
}

// Log holds one ring per open session.
type Log struct {
	daemonID string
	capacity int
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*ring
}

// New creates a Log that retains at most capacity events per session.
func New(daemonID string, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		daemonID: daemonID,
		capacity: capacity,
		now:      time.Now,
		sessions: make(map[string]*ring),
	}
}

// DaemonID returns the identity stamped on every envelope.
func (l *Log) DaemonID() string {
	return l.daemonID
}

// Open registers sessionID with its counter starting at firstSeq (minimum 1).
// Opening an already open session is a no-op.
func (l *Log) Open(sessionID string, firstSeq uint64) {
	if firstSeq == 0 {
		firstSeq = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[sessionID]; ok {
		return
	}
	l.sessions[sessionID] = &ring{
		buf:  make([]protocol.Envelope, l.capacity),
		next: firstSeq,
	}
}

// Drop releases the retained events of sessionID.
func (l *Log) Drop(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Append allocates the next seq for sessionID, stamps the envelope and
// retains it, evicting the oldest event once capacity is exceeded.
// Callers serialize Append per session; the returned order is the
// publication order.
func (l *Log) Append(sessionID string, kind protocol.Kind, payload any) (protocol.Envelope, error) {
	body, err := protocol.MarshalPayload(payload)
	if err != nil {
		return protocol.Envelope{}, err
	}

	r, ok := l.lookup(sessionID)
	if !ok {
		return protocol.Envelope{}, fmt.Errorf("append %s: %w", sessionID, ErrSessionNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	env, err := protocol.NewEnvelope(kind, l.daemonID, sessionID, r.next, l.now(), body)
	if err != nil {
		return protocol.Envelope{}, err
	}
	r.next++
	r.push(env)
	return env, nil
}

// EventsAfter returns retained events with seq > afterSeq in ascending order.
func (l *Log) EventsAfter(sessionID string, afterSeq uint64) (Window, error) {
	r, ok := l.lookup(sessionID)
	if !ok {
		return Window{}, fmt.Errorf("events after %d for %s: %w", afterSeq, sessionID, ErrSessionNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w := Window{OldestRetained: r.oldest(), Next: r.next}
	if afterSeq+1 >= r.next {
		return w, nil
	}
	// Seqs in the ring are contiguous, so the first index is computed directly.
	first := 0
	if afterSeq >= w.OldestRetained {
		first = int(afterSeq - w.OldestRetained + 1)
	}
	w.Events = make([]protocol.Envelope, 0, r.size-first)
	for i := first; i < r.size; i++ {
		w.Events = append(w.Events, r.at(i))
	}
	return w, nil
}

// NextSeq returns the seq the next Append on sessionID will assign.
func (l *Log) NextSeq(sessionID string) (uint64, error) {
	r, ok := l.lookup(sessionID)
	if !ok {
		return 0, fmt.Errorf("next seq for %s: %w", sessionID, ErrSessionNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next, nil
}

// Len returns how many events are retained for sessionID.
func (l *Log) Len(sessionID string) int {
	r, ok := l.lookup(sessionID)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (l *Log) lookup(sessionID string) (*ring, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.sessions[sessionID]
	return r, ok
}
