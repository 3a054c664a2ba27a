package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/optad/internal/gateway"
	"github.com/basket/optad/internal/protocol"
)

var ErrSessionClosed = errors.New("session closed")

type TailOptions struct {
	SessionID string
	AfterSeq  uint64

	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Logger          *slog.Logger
}

// Tail streams the events of one session to onEvent, reconnecting with
// exponential backoff and resuming after the last seq it saw. Replay gap
// control frames are passed through. It returns ErrSessionClosed once the
// session ends, a *PermanentError for failures a retry cannot fix, or the
// error returned by onEvent.
func (c *Client) Tail(ctx context.Context, opts TailOptions, onEvent func(protocol.Envelope) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := c.Check(ctx); err != nil {
		return err
	}

	last := opts.AfterSeq
	backoff := minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivered, err := c.streamOnce(ctx, opts.SessionID, &last, onEvent)
		if err == nil || errors.Is(err, ErrSessionClosed) {
			return err
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return err
		}
		var cb *callbackError
		if errors.As(err, &cb) {
			return cb.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			backoff = minBackoff
		}
		logger.Warn("tail: stream interrupted, reconnecting", "session_id", opts.SessionID, "after_seq", last, "backoff", backoff.String(), "error", err)
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		// The daemon may have been replaced by one speaking another contract.
		if _, err := c.Check(ctx); err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) {
				return err
			}
		}
	}
}

type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }

// streamOnce runs one connection. delivered reports whether any new event
// reached onEvent.
func (c *Client) streamOnce(ctx context.Context, sessionID string, last *uint64, onEvent func(protocol.Envelope) error) (delivered bool, err error) {
	q := url.Values{"sessionId": {sessionID}}
	if *last > 0 {
		q.Set("afterSeq", strconv.FormatUint(*last, 10))
	}
	wsURL := "ws" + c.baseURL[len("http"):] + "/v3/ws?" + q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: c.client,
		HTTPHeader: c.authHeader(),
	})
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return false, &PermanentError{Err: fmt.Errorf("dial %s: http %d", sessionID, resp.StatusCode)}
		}
		return false, fmt.Errorf("dial %s: %w", sessionID, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(4 << 20)

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			switch websocket.CloseStatus(err) {
			case gateway.StatusSessionClosed:
				return delivered, ErrSessionClosed
			case gateway.StatusSessionNotFound:
				return delivered, &PermanentError{Err: fmt.Errorf("session %s not found", sessionID)}
			}
			return delivered, fmt.Errorf("read %s: %w", sessionID, err)
		}
		if !env.IsControl() {
			if env.Seq <= *last {
				continue
			}
			*last = env.Seq
			delivered = true
		}
		if err := onEvent(env); err != nil {
			return delivered, &callbackError{err: err}
		}
		if env.Event == protocol.KindSessionClosed {
			return delivered, ErrSessionClosed
		}
	}
}
