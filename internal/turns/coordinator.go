// Package turns runs conversational turns. Each session has a FIFO lane
// processed by its own goroutine, so one session never interleaves two
// turns, while a weighted semaphore bounds concurrent turns across sessions.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/basket/optad/internal/otel"
	"github.com/basket/optad/internal/protocol"
	"github.com/basket/optad/internal/shared"
)

var (
	ErrQueueFull = errors.New("turn queue full")
	ErrStopped   = errors.New("turn coordinator stopped")
)

const (
	DefaultMaxConcurrent = 4
	DefaultMaxQueueDepth = 32
)

// Turn statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
)

// Sink receives everything a turn produces. The session manager implements it.
type Sink interface {
	Append(ctx context.Context, sessionID string, kind protocol.Kind, payload any) (protocol.Envelope, error)
	RequestPermission(ctx context.Context, sessionID, turnID, tool string, args map[string]any) (bool, error)
}

// Turn is a snapshot of one submission.
type Turn struct {
	ID          string    `json:"turnId"`
	SessionID   string    `json:"sessionId"`
	Input       string    `json:"input"`
	SubmittedAt time.Time `json:"submittedAt"`
	Status      string    `json:"status"`
}

// Submission is returned by Submit. Queued counts queued plus running turns
// for the session, including this one.
type Submission struct {
	TurnID string `json:"turnId"`
	Queued int    `json:"queued"`
}

type Config struct {
	Sink          Sink
	Generator     Generator
	MaxConcurrent int64
	MaxQueueDepth int
	Logger        *slog.Logger
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
}

type entry struct {
	turn      Turn
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	// finished is set once the generator has returned and the turn's
	// outcome is fixed; Cancel no longer counts it.
	finished bool
}

type lane struct {
	queue   []*entry
	running *entry
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

// Coordinator owns turn lifecycles for every session.
type Coordinator struct {
	cfg Config
	sem *semaphore.Weighted
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]*lane
}

func New(cfg Config) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Generator == nil {
		cfg.Generator = EchoGenerator{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
}

// Submit enqueues a turn on sessionID's lane, creating the lane on first use.
func (c *Coordinator) Submit(sessionID, input string) (Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return Submission{}, ErrStopped
	}

	l, ok := c.lanes[sessionID]
	if !ok || l.closed {
		l = &lane{wake: make(chan struct{}, 1), done: make(chan struct{})}
		c.lanes[sessionID] = l
		c.wg.Add(1)
		go c.processLane(l)
	}
	depth := len(l.queue)
	if l.running != nil {
		depth++
	}
	if depth >= c.cfg.MaxQueueDepth {
		return Submission{}, fmt.Errorf("session %s: %w (%d)", sessionID, ErrQueueFull, depth)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	e := &entry{
		turn: Turn{
			ID:          shared.NewID(),
			SessionID:   sessionID,
			Input:       input,
			SubmittedAt: c.now().UTC(),
			Status:      StatusQueued,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	l.queue = append(l.queue, e)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return Submission{TurnID: e.turn.ID, Queued: depth + 1}, nil
}

// Cancel cancels every queued and running turn of sessionID and returns how
// many it cancelled. Queued turns end immediately; the running turn is asked
// to stop and ends once its generator returns.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) int {
	c.mu.Lock()
	l, ok := c.lanes[sessionID]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	dropped := l.queue
	l.queue = nil
	count := len(dropped)
	if l.running != nil && !l.running.cancelled && !l.running.finished {
		l.running.cancelled = true
		l.running.cancel()
		count++
	}
	c.mu.Unlock()

	for _, e := range dropped {
		e.cancel()
		c.appendEnd(ctx, e.turn, protocol.TurnCancelled, "")
	}
	return count
}

// CloseSession cancels all turns of sessionID, retires its lane and waits
// (bounded by ctx) for the running turn to append its turn.end.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID string) int {
	n := c.Cancel(ctx, sessionID)
	c.mu.Lock()
	l, ok := c.lanes[sessionID]
	if ok {
		l.closed = true
		delete(c.lanes, sessionID)
		close(l.wake)
	}
	c.mu.Unlock()
	if ok {
		select {
		case <-l.done:
		case <-ctx.Done():
		}
	}
	return n
}

// Active lists the running turn (first) and queued turns of sessionID.
func (c *Coordinator) Active(sessionID string) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[sessionID]
	if !ok {
		return nil
	}
	out := make([]Turn, 0, len(l.queue)+1)
	if l.running != nil {
		t := l.running.turn
		t.Status = StatusRunning
		out = append(out, t)
	}
	for _, e := range l.queue {
		out = append(out, e.turn)
	}
	return out
}

// Stop cancels every turn, ends queued ones and waits for lanes to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.cancel()
	var dropped []*entry
	for id, l := range c.lanes {
		dropped = append(dropped, l.queue...)
		l.queue = nil
		if !l.closed {
			l.closed = true
			close(l.wake)
		}
		delete(c.lanes, id)
	}
	c.mu.Unlock()

	for _, e := range dropped {
		c.appendEnd(context.Background(), e.turn, protocol.TurnCancelled, "")
	}
	c.wg.Wait()
}

func (c *Coordinator) processLane(l *lane) {
	defer c.wg.Done()
	defer close(l.done)
	for {
		e, ok := c.next(l)
		if !ok {
			return
		}
		c.run(e)
		c.mu.Lock()
		l.running = nil
		c.mu.Unlock()
	}
}

// next blocks until the lane has a queued turn and promotes it to running.
func (c *Coordinator) next(l *lane) (*entry, bool) {
	for {
		c.mu.Lock()
		if len(l.queue) > 0 {
			e := l.queue[0]
			l.queue = l.queue[1:]
			l.running = e
			c.mu.Unlock()
			return e, true
		}
		c.mu.Unlock()

		select {
		case _, ok := <-l.wake:
			if !ok {
				return nil, false
			}
		case <-c.ctx.Done():
			return nil, false
		}
	}
}

func (c *Coordinator) run(e *entry) {
	turn := e.turn
	defer e.cancel()
	ctx := shared.WithSessionID(e.ctx, turn.SessionID)
	ctx = shared.WithTurnID(ctx, turn.ID)
	logger := c.cfg.Logger.With("session_id", turn.SessionID, "turn_id", turn.ID)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.appendEnd(context.WithoutCancel(ctx), turn, protocol.TurnCancelled, "")
		return
	}
	defer c.sem.Release(1)

	ctx, span := otel.StartSpan(ctx, otel.Tracer(c.cfg.Tracer), "turn.run",
		otel.AttrSessionID.String(turn.SessionID),
		otel.AttrTurnID.String(turn.ID),
	)
	defer span.End()

	started := c.now()
	if _, err := c.cfg.Sink.Append(ctx, turn.SessionID, protocol.KindTurnStart, protocol.TurnStartPayload{TurnID: turn.ID, Input: turn.Input}); err != nil {
		logger.Warn("turn start not recorded", "error", err)
		return
	}

	genErr := c.cfg.Generator.Generate(ctx, turn, &emitter{ctx: ctx, sink: c.cfg.Sink, turn: turn})

	c.mu.Lock()
	e.finished = true
	cancelled := e.cancelled || ctx.Err() != nil
	c.mu.Unlock()

	// Events after this point must land even though ctx may be cancelled.
	endCtx := context.WithoutCancel(ctx)
	status := protocol.TurnDone
	errMsg := ""
	switch {
	case cancelled:
		status = protocol.TurnCancelled
	case genErr != nil:
		status = protocol.TurnErrored
		errMsg = genErr.Error()
		if _, err := c.cfg.Sink.Append(endCtx, turn.SessionID, protocol.KindError, protocol.ErrorPayload{
			TurnID:  turn.ID,
			Code:    "generation_failed",
			Message: errMsg,
		}); err != nil {
			logger.Warn("turn error not recorded", "error", err)
		}
		logger.Error("turn failed", "error", genErr)
	}
	c.appendEnd(endCtx, turn, status, errMsg)
	c.cfg.Metrics.TurnFinished(endCtx, status, c.now().Sub(started))
}

func (c *Coordinator) appendEnd(ctx context.Context, turn Turn, status, errMsg string) {
	if _, err := c.cfg.Sink.Append(ctx, turn.SessionID, protocol.KindTurnEnd, protocol.TurnEndPayload{
		TurnID: turn.ID,
		Status: status,
		Error:  errMsg,
	}); err != nil {
		c.cfg.Logger.Warn("turn end not recorded", "session_id", turn.SessionID, "turn_id", turn.ID, "status", status, "error", err)
	}
}
