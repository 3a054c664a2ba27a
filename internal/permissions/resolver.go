// Package permissions gates tool execution behind explicit approval. Every
// request resolves exactly once, whether by a client, the default-deny
// timeout, or cancellation of the turn that asked.
package permissions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/optad/internal/policy"
	"github.com/basket/optad/internal/shared"
)

var (
	ErrRequestNotFound = errors.New("permission request not found")
	ErrInvalidDecision = errors.New("decision must be approve or deny")
)

const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// Who resolved a request.
const (
	ByClient        = "client"
	ByTimeout       = "timeout"
	ByTurnCancelled = "turn_cancelled"
	BySessionClosed = "session_closed"
)

const DefaultTimeout = 60 * time.Second

// Request is one tool call awaiting approval.
type Request struct {
	ID          string         `json:"requestId"`
	SessionID   string         `json:"sessionId"`
	TurnID      string         `json:"turnId,omitempty"`
	ToolName    string         `json:"toolName"`
	Args        map[string]any `json:"args,omitempty"`
	Risk        string         `json:"risk"`
	RequestedAt time.Time      `json:"requestedAt"`

	decision   string
	resolvedBy string
	done       chan struct{}
	timer      *time.Timer
}

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Decision returns the recorded decision and who made it. Only meaningful
// after Done is closed.
func (r *Request) Decision() (decision, by string) {
	return r.decision, r.resolvedBy
}

// Approved reports whether the request resolved as approve.
func (r *Request) Approved() bool {
	return r.decision == DecisionApprove
}

// Result is the outcome of Resolve. A conflict is a normal race outcome.
type Result struct {
	OK       bool `json:"ok"`
	Conflict bool `json:"conflict"`
}

// Config configures a Resolver.
type Config struct {
	// Timeout after which a pending request is denied. Zero means DefaultTimeout.
	Timeout time.Duration
	Policy  policy.Checker
	// OnTimeout runs when a request's timer fires. It is expected to resolve
	// the request (normally through the session manager so the resolution
	// event is appended). When nil the resolver denies it directly.
	OnTimeout func(req *Request)
}

// Resolver tracks requests for all sessions.
type Resolver struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	requests  map[string]*Request
	bySession map[string]map[string]*Request
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Resolver{
		cfg:       cfg,
		now:       time.Now,
		requests:  make(map[string]*Request),
		bySession: make(map[string]map[string]*Request),
	}
}

// Open registers a pending request, classifies its risk and arms the
// default-deny timer.
func (r *Resolver) Open(sessionID, turnID, tool string, args map[string]any) *Request {
	req := &Request{
		ID:          shared.NewID(),
		SessionID:   sessionID,
		TurnID:      turnID,
		ToolName:    strings.TrimSpace(tool),
		Args:        args,
		Risk:        Classify(r.cfg.Policy, tool, args),
		RequestedAt: r.now().UTC(),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	r.requests[req.ID] = req
	pending, ok := r.bySession[sessionID]
	if !ok {
		pending = make(map[string]*Request)
		r.bySession[sessionID] = pending
	}
	pending[req.ID] = req
	req.timer = time.AfterFunc(r.cfg.Timeout, func() { r.expire(req) })
	r.mu.Unlock()
	return req
}

func (r *Resolver) expire(req *Request) {
	if r.cfg.OnTimeout != nil {
		r.cfg.OnTimeout(req)
		return
	}
	_, _, _ = r.Resolve(req.ID, DecisionDeny, ByTimeout)
}

// Resolve records decision on a pending request. A request that was already
// resolved yields Result{Conflict: true} and leaves the first decision intact.
func (r *Resolver) Resolve(requestID, decision, by string) (Result, *Request, error) {
	decision, err := normalizeDecision(decision)
	if err != nil {
		return Result{}, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return Result{}, nil, fmt.Errorf("resolve %s: %w", requestID, ErrRequestNotFound)
	}
	if req.decision != "" {
		return Result{Conflict: true}, req, nil
	}
	req.decision = decision
	req.resolvedBy = by
	if req.timer != nil {
		req.timer.Stop()
	}
	if pending := r.bySession[req.SessionID]; pending != nil {
		delete(pending, req.ID)
	}
	close(req.done)
	return Result{OK: true}, req, nil
}

// Lookup returns the request with requestID, pending or resolved.
func (r *Resolver) Lookup(requestID string) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	return req, ok
}

// Pending lists the open requests of sessionID, oldest first.
func (r *Resolver) Pending(sessionID string) []*Request {
	r.mu.Lock()
	out := make([]*Request, 0, len(r.bySession[sessionID]))
	for _, req := range r.bySession[sessionID] {
		out = append(out, req)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Forget drops every request of sessionID, resolved or not. Pending ones
// should be resolved first.
func (r *Resolver) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, req := range r.requests {
		if req.SessionID != sessionID {
			continue
		}
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(r.requests, id)
	}
	delete(r.bySession, sessionID)
}

func normalizeDecision(decision string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "approve", "approved", "allow":
		return DecisionApprove, nil
	case "deny", "denied", "reject":
		return DecisionDeny, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
}
