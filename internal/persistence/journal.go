package persistence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/optad/internal/protocol"
)

const (
	DefaultJournalBatchSize     = 128
	DefaultJournalFlushInterval = 50 * time.Millisecond
	DefaultJournalQueueSize     = 4096
)

type JournalConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	Logger        *slog.Logger
	// OnDrop is called once per envelope that could not be queued.
	OnDrop func(protocol.Envelope)
}

// Journal writes envelopes to the store off the hot path. Enqueue never
// blocks: a full queue drops the envelope, and a later replay that needs it
// reports a gap instead.
type Journal struct {
	store *Store
	cfg   JournalConfig

	queue chan protocol.Envelope
	flush chan chan struct{}
	done  chan struct{}

	// mu guards closed against a send on the closed queue.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	written atomic.Int64
}

func NewJournal(store *Store, cfg JournalConfig) *Journal {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultJournalBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultJournalFlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultJournalQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	j := &Journal{
		store: store,
		cfg:   cfg,
		queue: make(chan protocol.Envelope, cfg.QueueSize),
		flush: make(chan chan struct{}),
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

// Enqueue reports whether env was accepted.
func (j *Journal) Enqueue(env protocol.Envelope) bool {
	if j == nil {
		return false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return false
	}
	select {
	case j.queue <- env:
		return true
	default:
		n := j.dropped.Add(1)
		j.cfg.Logger.Warn("journal queue full; event not persisted",
			"session_id", env.SessionID, "seq", env.Seq, "dropped_total", n)
		if j.cfg.OnDrop != nil {
			j.cfg.OnDrop(env)
		}
		return false
	}
}

// Flush blocks until everything enqueued before the call is written or ctx ends.
func (j *Journal) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case j.flush <- ack:
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped is the number of envelopes that never reached the queue.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written is the number of rows inserted so far.
func (j *Journal) Written() int64 { return j.written.Load() }

// Close stops accepting envelopes and drains the queue.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]protocol.Envelope, 0, j.cfg.BatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		n, err := j.store.InsertEvents(context.Background(), batch)
		if err != nil {
			j.cfg.Logger.Error("journal batch write failed", "events", len(batch), "error", err)
		}
		j.written.Add(n)
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case env, ok := <-j.queue:
				if !ok {
					return
				}
				batch = append(batch, env)
				if len(batch) >= j.cfg.BatchSize {
					write()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case env, ok := <-j.queue:
			if !ok {
				write()
				return
			}
			batch = append(batch, env)
			if len(batch) >= j.cfg.BatchSize {
				write()
			}
		case ack := <-j.flush:
			drain()
			write()
			close(ack)
		case <-ticker.C:
			write()
		}
	}
}
