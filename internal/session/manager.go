// Package session owns every live session of the daemon. It is the single
// writer of session events: appends, publishes and journal writes for one
// session all happen under that session's mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/optad/internal/audit"
	"github.com/basket/optad/internal/bus"
	"github.com/basket/optad/internal/eventlog"
	"github.com/basket/optad/internal/otel"
	"github.com/basket/optad/internal/permissions"
	"github.com/basket/optad/internal/persistence"
	"github.com/basket/optad/internal/policy"
	"github.com/basket/optad/internal/protocol"
	"github.com/basket/optad/internal/shared"
	"github.com/basket/optad/internal/turns"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// DefaultSeqBlock is how many seqs are reserved in the store at a time.
const DefaultSeqBlock = 64

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidID reports whether id is an acceptable session id.
func ValidID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type Config struct {
	DaemonID             string
	RetainedEvents       int
	SubscriberMaxPending int
	ApprovalTimeout      time.Duration
	MaxConcurrentTurns   int64
	MaxQueueDepth        int
	SeqBlock             uint64
	Generator            turns.Generator
	Policy               policy.Checker

	// Store and Journal are optional. Without them sessions live only in
	// memory and replay is limited to the retained window.
	Store   *persistence.Store
	Journal *persistence.Journal

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// History is the answer to GetEventsAfter.
type History struct {
	Events []protocol.Envelope
	// Gap is set when events after the cursor are known to be missing.
	Gap *protocol.ReplayGapPayload
	// Next is the seq the session will assign next.
	Next uint64
}

// Info is a point-in-time view of one session.
type Info struct {
	ID                 string       `json:"sessionId"`
	CreatedAt          time.Time    `json:"createdAt"`
	Closed             bool         `json:"closed"`
	NextSeq            uint64       `json:"nextSeq,omitempty"`
	Retained           int          `json:"retained"`
	Subscribers        int          `json:"subscribers"`
	ActiveTurns        []turns.Turn `json:"activeTurns"`
	PendingPermissions int          `json:"pendingPermissions"`
}

// Stats are daemon-wide counters for /metrics.
type Stats struct {
	Sessions       int   `json:"sessions"`
	ClosedSessions int   `json:"closedSessions"`
	Subscribers    int   `json:"subscribers"`
	JournalWritten int64 `json:"journalWritten"`
	JournalDropped int64 `json:"journalDropped"`
}

type state struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	closed    bool
	// closing is set while CloseSession waits for turns to end; no new
	// turns are accepted from then on.
	closing bool

	// reserved is the highest seq already reserved in the store.
	reserved uint64
	// epochStart is the first seq of this process; persistedMax the highest
	// seq journaled by earlier ones. Seqs strictly between them were never
	// emitted.
	epochStart   uint64
	persistedMax uint64
}

type Manager struct {
	cfg    Config
	log    *eventlog.Log
	bus    *bus.Registry
	turns  *turns.Coordinator
	perms  *permissions.Resolver
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*state
}

func NewManager(cfg Config) *Manager {
	if cfg.DaemonID == "" {
		cfg.DaemonID = shared.NewID()
	}
	if cfg.SeqBlock == 0 {
		cfg.SeqBlock = DefaultSeqBlock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	m := &Manager{
		cfg:      cfg,
		log:      eventlog.New(cfg.DaemonID, cfg.RetainedEvents),
		bus:      bus.New(),
		logger:   cfg.Logger.With("component", "session"),
		sessions: make(map[string]*state),
	}
	m.perms = permissions.NewResolver(permissions.Config{
		Timeout: cfg.ApprovalTimeout,
		Policy:  cfg.Policy,
		OnTimeout: func(req *permissions.Request) {
			ctx := shared.WithSessionID(context.Background(), req.SessionID)
			if _, err := m.resolve(ctx, req.ID, permissions.DecisionDeny, permissions.ByTimeout); err != nil {
				m.logger.Warn("permission timeout not recorded", "session_id", req.SessionID, "request_id", req.ID, "error", err)
			}
		},
	})
	m.turns = turns.New(turns.Config{
		Sink:          m,
		Generator:     cfg.Generator,
		MaxConcurrent: cfg.MaxConcurrentTurns,
		MaxQueueDepth: cfg.MaxQueueDepth,
		Logger:        cfg.Logger.With("component", "turns"),
		Metrics:       cfg.Metrics,
		Tracer:        cfg.Tracer,
	})
	return m
}

// DaemonID identifies this process on every envelope.
func (m *Manager) DaemonID() string { return m.cfg.DaemonID }

// Close stops all turns. Sessions stay readable until the process exits.
func (m *Manager) Close() {
	m.turns.Stop()
}

// lookup returns the session state, loading it from the store or creating it
// when allowed.
func (m *Manager) lookup(ctx context.Context, sessionID string, create bool) (*state, error) {
	if !ValidID(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[sessionID]; ok {
		return st, nil
	}

	st := &state{id: sessionID, createdAt: time.Now().UTC(), epochStart: 1}
	if m.cfg.Store != nil {
		var (
			rec persistence.SessionState
			err error
		)
		if create {
			rec, err = m.cfg.Store.EnsureSession(ctx, sessionID)
		} else {
			rec, err = m.cfg.Store.GetSession(ctx, sessionID)
		}
		if errors.Is(err, persistence.ErrSessionNotFound) {
			return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		st.createdAt = rec.CreatedAt
		st.closed = rec.Closed()
		st.reserved = rec.Reserved
		st.persistedMax = rec.MaxSeq
		st.epochStart = max(rec.Reserved, rec.MaxSeq) + 1
	} else if !create {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}

	if !st.closed {
		m.log.Open(sessionID, st.epochStart)
	}
	m.sessions[sessionID] = st
	if st.epochStart > 1 {
		m.logger.Info("session resumed", "session_id", sessionID, "epoch_start", st.epochStart, "persisted_max", st.persistedMax)
	}
	return st, nil
}

// Append implements turns.Sink.
func (m *Manager) Append(ctx context.Context, sessionID string, kind protocol.Kind, payload any) (protocol.Envelope, error) {
	st, err := m.lookup(ctx, sessionID, false)
	if err != nil {
		return protocol.Envelope{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.appendLocked(ctx, st, kind, payload)
}

// appendLocked is the only path that creates events. Caller holds st.mu.
func (m *Manager) appendLocked(ctx context.Context, st *state, kind protocol.Kind, payload any) (protocol.Envelope, error) {
	if st.closed {
		return protocol.Envelope{}, fmt.Errorf("%s: %w", st.id, ErrSessionClosed)
	}
	if m.cfg.Store != nil {
		next, err := m.log.NextSeq(st.id)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if next > st.reserved {
			upTo := next + m.cfg.SeqBlock - 1
			if err := m.cfg.Store.ReserveSeq(context.WithoutCancel(ctx), st.id, upTo); err != nil {
				return protocol.Envelope{}, fmt.Errorf("reserve seq for %s: %w", st.id, err)
			}
			st.reserved = upTo
		}
	}
	env, err := m.log.Append(st.id, kind, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	m.bus.Publish(env)
	if m.cfg.Journal != nil {
		// Drops are counted by the journal's OnDrop hook.
		m.cfg.Journal.Enqueue(env)
	}
	m.cfg.Metrics.EventAppended(ctx, string(kind))
	return env, nil
}

// Subscribe registers listener for every event appended from now on. The
// session is created on first use. Subscribing under the session lock makes
// the history/live boundary exact.
func (m *Manager) Subscribe(ctx context.Context, sessionID string, listener bus.Listener, opts ...bus.Option) (*bus.Subscription, error) {
	st, err := m.lookup(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}
	sub := m.bus.Subscribe(sessionID, listener, opts...)
	st.mu.Unlock()

	m.cfg.Metrics.SubscriberDelta(ctx, 1)
	go func() {
		<-sub.Done()
		m.cfg.Metrics.SubscriberDelta(context.Background(), -1)
	}()
	return sub, nil
}

// GetEventsAfter returns events with seq > afterSeq in ascending order. When
// the retained window no longer reaches afterSeq+1 the journal fills the
// hole; if it cannot, History.Gap says so.
func (m *Manager) GetEventsAfter(ctx context.Context, sessionID string, afterSeq uint64) (History, error) {
	st, err := m.lookup(ctx, sessionID, false)
	if err != nil {
		return History{}, err
	}
	st.mu.Lock()
	closed, epochStart, persistedMax := st.closed, st.epochStart, st.persistedMax
	st.mu.Unlock()
	if closed {
		return History{}, fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}

	w, err := m.log.EventsAfter(sessionID, afterSeq)
	if err != nil {
		return History{}, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	h := History{Events: w.Events, Next: w.Next}
	if !w.Truncated(afterSeq) {
		return h, nil
	}

	if m.cfg.Store != nil {
		rows, err := m.cfg.Store.EventsBetween(ctx, sessionID, afterSeq, w.OldestRetained)
		if err != nil {
			m.logger.Warn("journal backfill failed", "session_id", sessionID, "after_seq", afterSeq, "error", err)
		} else {
			h.Events = append(rows, w.Events...)
			if contiguous(rows, afterSeq, w.OldestRetained, persistedMax, epochStart) {
				return h, nil
			}
		}
	}

	oldest := w.OldestRetained
	if len(h.Events) > 0 {
		oldest = h.Events[0].Seq
	}
	h.Gap = &protocol.ReplayGapPayload{
		Reason:            protocol.GapWindowExceeded,
		RequestedAfterSeq: afterSeq,
		OldestRetainedSeq: oldest,
	}
	return h, nil
}

// contiguous reports whether rows cover every seq in (after, until). Seqs in
// the band (prevMax, epochStart) were reserved by a previous process but
// never emitted, so they are skipped.
func contiguous(rows []protocol.Envelope, after, until, prevMax, epochStart uint64) bool {
	next := after + 1
	skip := func() {
		if next > prevMax && next < epochStart {
			next = epochStart
		}
	}
	for _, ev := range rows {
		skip()
		if ev.Seq != next {
			return false
		}
		next++
	}
	skip()
	return next >= until
}

// SubmitTurn queues input as a new turn, creating the session on first use.
func (m *Manager) SubmitTurn(ctx context.Context, sessionID, input string) (turns.Submission, error) {
	st, err := m.lookup(ctx, sessionID, true)
	if err != nil {
		return turns.Submission{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.closing {
		return turns.Submission{}, fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}
	return m.turns.Submit(sessionID, input)
}

// CancelSessionTurns cancels queued and running turns and returns how many.
// The session lock is not held here: cancelled turns append their turn.end
// through Append.
func (m *Manager) CancelSessionTurns(ctx context.Context, sessionID string) (int, error) {
	st, err := m.lookup(ctx, sessionID, false)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}
	return m.turns.Cancel(ctx, sessionID), nil
}

// RequestPermission implements turns.Sink. It appends permission.request and
// blocks until the request resolves or ctx is cancelled, in which case the
// request is denied on behalf of the cancelled turn.
func (m *Manager) RequestPermission(ctx context.Context, sessionID, turnID, tool string, args map[string]any) (bool, error) {
	st, err := m.lookup(ctx, sessionID, false)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false, fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}
	req := m.perms.Open(sessionID, turnID, tool, args)
	_, err = m.appendLocked(ctx, st, protocol.KindPermissionRequest, protocol.PermissionRequestPayload{
		RequestID: req.ID,
		TurnID:    turnID,
		ToolName:  req.ToolName,
		Args:      shared.RedactArgs(args),
		Risk:      req.Risk,
	})
	st.mu.Unlock()
	if err != nil {
		_, _, _ = m.perms.Resolve(req.ID, permissions.DecisionDeny, permissions.ByTurnCancelled)
		return false, err
	}

	_, span := otel.StartSpan(ctx, otel.Tracer(m.cfg.Tracer), "permission.wait",
		otel.AttrSessionID.String(sessionID),
		otel.AttrToolName.String(req.ToolName),
		otel.AttrRisk.String(req.Risk),
	)
	defer span.End()

	select {
	case <-req.Done():
		return req.Approved(), nil
	case <-ctx.Done():
		if _, err := m.resolve(context.WithoutCancel(ctx), req.ID, permissions.DecisionDeny, permissions.ByTurnCancelled); err != nil {
			m.logger.Warn("cancelled permission not recorded", "session_id", sessionID, "request_id", req.ID, "error", err)
		}
		return false, ctx.Err()
	}
}

// ResolvePermission applies a client decision. A request that was already
// resolved reports a conflict and appends nothing.
func (m *Manager) ResolvePermission(ctx context.Context, requestID, decision string) (permissions.Result, error) {
	return m.resolve(ctx, requestID, decision, permissions.ByClient)
}

func (m *Manager) resolve(ctx context.Context, requestID, decision, by string) (permissions.Result, error) {
	pending, ok := m.perms.Lookup(requestID)
	if !ok {
		return permissions.Result{}, fmt.Errorf("resolve %s: %w", requestID, permissions.ErrRequestNotFound)
	}
	st, err := m.lookup(ctx, pending.SessionID, false)
	if err != nil {
		return permissions.Result{}, err
	}

	st.mu.Lock()
	res, req, err := m.perms.Resolve(requestID, decision, by)
	if err != nil {
		st.mu.Unlock()
		return permissions.Result{}, err
	}
	if res.Conflict {
		st.mu.Unlock()
		m.cfg.Metrics.PermissionConflict(ctx)
		return res, nil
	}
	got, resolvedBy := req.Decision()
	_, appendErr := m.appendLocked(ctx, st, protocol.KindPermissionResolved, protocol.PermissionResolvedPayload{
		RequestID:  req.ID,
		Decision:   got,
		ResolvedBy: resolvedBy,
	})
	st.mu.Unlock()
	if appendErr != nil {
		m.logger.Warn("permission.resolved not appended", "session_id", req.SessionID, "request_id", req.ID, "error", appendErr)
	}

	audit.RecordContext(shared.WithSessionID(ctx, req.SessionID), got, "tool."+req.ToolName,
		"permission "+resolvedBy, m.cfg.Policy.PolicyVersion(), req.ID)
	if m.cfg.Store != nil {
		if err := m.cfg.Store.RecordPermissionDecision(context.WithoutCancel(ctx), persistence.PermissionDecision{
			RequestID:   req.ID,
			SessionID:   req.SessionID,
			TurnID:      req.TurnID,
			ToolName:    req.ToolName,
			Risk:        req.Risk,
			Decision:    got,
			ResolvedBy:  resolvedBy,
			RequestedAt: req.RequestedAt,
		}); err != nil {
			m.logger.Warn("permission decision not persisted", "request_id", req.ID, "error", err)
		}
	}
	return res, nil
}

// PendingPermissions lists the open requests of sessionID, oldest first.
func (m *Manager) PendingPermissions(ctx context.Context, sessionID string) ([]*permissions.Request, error) {
	if _, err := m.lookup(ctx, sessionID, false); err != nil {
		return nil, err
	}
	return m.perms.Pending(sessionID), nil
}

// CloseSession cancels the session's turns, denies its open permission
// requests, appends session.closed and detaches every subscriber. The
// session stays as a tombstone; later calls get ErrSessionClosed.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	st, err := m.lookup(ctx, sessionID, false)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.closed || st.closing {
		st.mu.Unlock()
		return fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}
	st.closing = true
	st.mu.Unlock()

	cancelled := m.turns.CloseSession(ctx, sessionID)
	for _, req := range m.perms.Pending(sessionID) {
		if _, err := m.resolve(ctx, req.ID, permissions.DecisionDeny, permissions.BySessionClosed); err != nil {
			m.logger.Warn("close: permission not resolved", "session_id", sessionID, "request_id", req.ID, "error", err)
		}
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return fmt.Errorf("%s: %w", sessionID, ErrSessionClosed)
	}
	if _, err := m.appendLocked(ctx, st, protocol.KindSessionClosed, protocol.SessionClosedPayload{Reason: "closed by client"}); err != nil {
		m.logger.Warn("session.closed not appended", "session_id", sessionID, "error", err)
	}
	st.closed = true
	st.mu.Unlock()

	// Subscribers are detached after session.closed was published so every
	// listener sees it; their mailboxes are drained before they stop.
	m.bus.CloseSession(sessionID)
	m.perms.Forget(sessionID)
	m.log.Drop(sessionID)
	if m.cfg.Store != nil {
		if err := m.cfg.Store.MarkSessionClosed(context.WithoutCancel(ctx), sessionID); err != nil {
			m.logger.Warn("session close not persisted", "session_id", sessionID, "error", err)
		}
	}
	m.logger.Info("session closed", "session_id", sessionID, "cancelled_turns", cancelled)
	return nil
}

// Session returns a snapshot of one session.
func (m *Manager) Session(ctx context.Context, sessionID string) (Info, error) {
	st, err := m.lookup(ctx, sessionID, false)
	if err != nil {
		return Info{}, err
	}
	return m.info(st), nil
}

// Sessions lists every session known to this process, ordered by id.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	states := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(states))
	for _, st := range states {
		out = append(out, m.info(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) info(st *state) Info {
	st.mu.Lock()
	info := Info{ID: st.id, CreatedAt: st.createdAt, Closed: st.closed}
	st.mu.Unlock()
	if info.Closed {
		return info
	}
	info.NextSeq, _ = m.log.NextSeq(st.id)
	info.Retained = m.log.Len(st.id)
	info.Subscribers = m.bus.Count(st.id)
	info.ActiveTurns = m.turns.Active(st.id)
	info.PendingPermissions = len(m.perms.Pending(st.id))
	return info
}

func (m *Manager) Stats() Stats {
	var s Stats
	m.mu.Lock()
	for _, st := range m.sessions {
		st.mu.Lock()
		if st.closed {
			s.ClosedSessions++
		} else {
			s.Sessions++
		}
		st.mu.Unlock()
	}
	m.mu.Unlock()
	s.Subscribers = m.bus.Total()
	if m.cfg.Journal != nil {
		s.JournalWritten = m.cfg.Journal.Written()
		s.JournalDropped = m.cfg.Journal.Dropped()
	}
	return s
}
