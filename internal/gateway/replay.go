package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/optad/internal/bus"
	"github.com/basket/optad/internal/otel"
	"github.com/basket/optad/internal/protocol"
	"github.com/basket/optad/internal/session"
	"github.com/basket/optad/internal/shared"
)

// Close codes sent when a stream cannot start or ends with its session.
const (
	StatusSessionNotFound websocket.StatusCode = 4404
	StatusSessionClosed   websocket.StatusCode = 4410
)

const writeTimeout = 10 * time.Second

type connState int

const (
	stateConnecting connState = iota
	stateReplayPending
	stateStreaming
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReplayPending:
		return "replay_pending"
	case stateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// replayConn reconciles replayed history with live events for one socket.
// Live events that arrive while history is loading are buffered, then merged
// with it; afterwards events stream through. lastSent guards every write so a
// seq is never delivered twice.
type replayConn struct {
	ctx       context.Context
	send      func(ctx context.Context, env protocol.Envelope) error
	sessionID string
	afterSeq  uint64
	maxBuffer int
	logger    *slog.Logger

	mu          sync.Mutex
	state       connState
	buffered    []protocol.Envelope
	lastSent    uint64
	sawClosed   bool
	closeCode   websocket.StatusCode
	closeReason string
	done        chan struct{}
}

func newReplayConn(ctx context.Context, sessionID string, afterSeq uint64, maxBuffer int, logger *slog.Logger, send func(context.Context, protocol.Envelope) error) *replayConn {
	return &replayConn{
		ctx:       ctx,
		send:      send,
		sessionID: sessionID,
		afterSeq:  afterSeq,
		maxBuffer: maxBuffer,
		logger:    logger,
		state:     stateConnecting,
		lastSent:  afterSeq,
		done:      make(chan struct{}),
	}
}

// beginReplay moves to replayPending. It must run before Subscribe so no live
// event can slip past the buffer.
func (rc *replayConn) beginReplay() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == stateConnecting {
		rc.state = stateReplayPending
	}
}

// onEvent is the bus listener.
func (rc *replayConn) onEvent(env protocol.Envelope) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	switch rc.state {
	case stateReplayPending:
		if len(rc.buffered) >= rc.maxBuffer {
			rc.failLocked(websocket.StatusPolicyViolation, "backpressure")
			return
		}
		rc.buffered = append(rc.buffered, env)
	case stateStreaming:
		rc.sendLocked(env)
	}
}

// finishReplay flushes history and the live buffer. herr is the history
// failure, if any; the stream degrades to live-only with a gap notice.
func (rc *replayConn) finishReplay(h session.History, herr error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state != stateReplayPending {
		return
	}

	var merged []protocol.Envelope
	if herr != nil {
		rc.sendGapLocked(protocol.ReplayGapPayload{
			Reason:            protocol.GapHistoryUnavailable,
			RequestedAfterSeq: rc.afterSeq,
		})
		merged = mergeReplay(nil, rc.buffered, rc.afterSeq)
	} else {
		if h.Gap != nil {
			rc.sendGapLocked(*h.Gap)
		}
		merged = mergeReplay(h.Events, rc.buffered, rc.afterSeq)
	}
	rc.buffered = nil

	for _, env := range merged {
		if rc.state == stateClosed {
			return
		}
		rc.sendLocked(env)
	}
	if rc.state == stateReplayPending {
		rc.state = stateStreaming
	}
}

func (rc *replayConn) sendGapLocked(gap protocol.ReplayGapPayload) {
	if rc.state == stateClosed {
		return
	}
	env, err := protocol.NewEnvelope(protocol.KindReplayGap, "", rc.sessionID, 0, time.Now(), gap)
	if err != nil {
		rc.logger.Error("build replay.gap", "session_id", rc.sessionID, "error", err)
		return
	}
	if err := rc.write(env); err != nil {
		rc.failLocked(websocket.StatusInternalError, "write failed")
	}
}

func (rc *replayConn) sendLocked(env protocol.Envelope) {
	if env.Seq <= rc.lastSent {
		return
	}
	if err := rc.write(env); err != nil {
		rc.logger.Debug("ws write failed", "session_id", rc.sessionID, "seq", env.Seq, "error", err)
		rc.failLocked(websocket.StatusInternalError, "write failed")
		return
	}
	rc.lastSent = env.Seq
	if env.Event == protocol.KindSessionClosed {
		rc.sawClosed = true
	}
}

func (rc *replayConn) write(env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(rc.ctx, writeTimeout)
	defer cancel()
	return rc.send(ctx, env)
}

// fail closes the stream with code. Only the first failure is recorded.
func (rc *replayConn) fail(code websocket.StatusCode, reason string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failLocked(code, reason)
}

func (rc *replayConn) failLocked(code websocket.StatusCode, reason string) {
	if rc.state == stateClosed {
		return
	}
	rc.state = stateClosed
	rc.buffered = nil
	rc.closeCode = code
	rc.closeReason = reason
	close(rc.done)
}

// closeStatus returns the recorded close code, or ok when none was recorded.
func (rc *replayConn) closeStatus(ok websocket.StatusCode, okReason string) (websocket.StatusCode, string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closeCode != 0 {
		return rc.closeCode, rc.closeReason
	}
	return ok, okReason
}

func (rc *replayConn) sessionClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.sawClosed
}

func (rc *replayConn) currentState() connState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// mergeReplay unions history with buffered live events, keeps seq > afterSeq,
// drops duplicates and sorts by seq.
func mergeReplay(history, buffered []protocol.Envelope, afterSeq uint64) []protocol.Envelope {
	seen := make(map[uint64]struct{}, len(history)+len(buffered))
	out := make([]protocol.Envelope, 0, len(history)+len(buffered))
	for _, list := range [][]protocol.Envelope{history, buffered} {
		for _, env := range list {
			if env.IsControl() || env.Seq <= afterSeq {
				continue
			}
			if _, dup := seen[env.Seq]; dup {
				continue
			}
			seen[env.Seq] = struct{}{}
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if !session.ValidID(sessionID) {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	afterSeq, err := parseAfterSeq(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	connID := shared.NewID()
	logger := s.logger.With("session_id", sessionID, "conn_id", connID)
	ctx := shared.WithConnID(shared.WithSessionID(r.Context(), sessionID), connID)
	// Clients never send frames; CloseRead handles pings and the peer's close.
	ctx = conn.CloseRead(ctx)

	rc := newReplayConn(ctx, sessionID, afterSeq, s.cfg.MaxReplayBuffer, logger,
		func(ctx context.Context, env protocol.Envelope) error {
			return wsjson.Write(ctx, conn, env)
		})

	rc.beginReplay()
	opts := []bus.Option{bus.WithOverflow(func() { rc.fail(websocket.StatusPolicyViolation, "backpressure") })}
	if s.cfg.SubscriberMaxPending > 0 {
		opts = append(opts, bus.WithMaxPending(s.cfg.SubscriberMaxPending))
	}
	sub, err := s.cfg.Sessions.Subscribe(ctx, sessionID, rc.onEvent, opts...)
	if err != nil {
		code, reason := closeCodeFor(err)
		logger.Info("ws: stream refused", "error", err)
		_ = conn.Close(code, reason)
		return
	}
	defer sub.Unsubscribe()
	logger.Info("ws: client connected", "after_seq", afterSeq)

	s.replay(ctx, rc, sessionID, afterSeq)

	code, reason := websocket.StatusNormalClosure, "bye"
	select {
	case <-ctx.Done():
	case <-rc.done:
		code, reason = rc.closeStatus(code, reason)
	case <-sub.Done():
		// The subscription ends either with its session or on overflow.
		if rc.sessionClosed() {
			code, reason = StatusSessionClosed, "session closed"
		} else {
			code, reason = rc.closeStatus(websocket.StatusPolicyViolation, "backpressure")
		}
	}
	rc.fail(code, reason)
	logger.Info("ws: client disconnecting", "code", int(code), "reason", reason)
	_ = conn.Close(code, reason)
}

// replay loads history without holding any session lock and hands the result
// to the connection. A stalled lookup is cut off by history_timeout.
func (s *Server) replay(ctx context.Context, rc *replayConn, sessionID string, afterSeq uint64) {
	start := time.Now()
	ctx, span := otel.StartServerSpan(ctx, otel.Tracer(s.cfg.Tracer), "ws.replay",
		otel.AttrSessionID.String(sessionID),
		otel.AttrAfterSeq.Int64(int64(afterSeq)),
	)
	defer span.End()

	h, err := s.fetchHistory(ctx, sessionID, afterSeq)
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "failed"
	}
	if err != nil {
		s.logger.Warn("replay history unavailable, streaming live only", "session_id", sessionID, "after_seq", afterSeq, "error", err)
		s.cfg.Metrics.ReplayGap(ctx, protocol.GapHistoryUnavailable)
		span.RecordError(err)
	} else if h.Gap != nil {
		s.logger.Warn("replay window exceeded", "session_id", sessionID, "after_seq", afterSeq, "oldest_seq", h.Gap.OldestRetainedSeq)
		s.cfg.Metrics.ReplayGap(ctx, h.Gap.Reason)
	}
	span.SetAttributes(otel.AttrReplayed.Int(len(h.Events)))
	rc.finishReplay(h, err)
	s.cfg.Metrics.ReplayFinished(ctx, outcome, time.Since(start))
}

func (s *Server) fetchHistory(ctx context.Context, sessionID string, afterSeq uint64) (session.History, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HistoryTimeout)
	defer cancel()

	type result struct {
		h   session.History
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := s.cfg.Sessions.GetEventsAfter(ctx, sessionID, afterSeq)
		ch <- result{h: h, err: err}
	}()
	select {
	case res := <-ch:
		return res.h, res.err
	case <-ctx.Done():
		return session.History{}, fmt.Errorf("history for %s: %w", sessionID, ctx.Err())
	}
}

func closeCodeFor(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return StatusSessionNotFound, "session not found"
	case errors.Is(err, session.ErrSessionClosed):
		return StatusSessionClosed, "session closed"
	case errors.Is(err, session.ErrInvalidSessionID):
		return websocket.StatusPolicyViolation, "invalid session id"
	default:
		return websocket.StatusInternalError, "subscribe failed"
	}
}
