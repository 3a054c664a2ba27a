// Package gateway is the daemon's HTTP surface: the replay-safe event stream
// on /v3/ws, the session REST API and health/metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/optad/internal/bus"
	"github.com/basket/optad/internal/contract"
	"github.com/basket/optad/internal/otel"
	"github.com/basket/optad/internal/permissions"
	"github.com/basket/optad/internal/policy"
	"github.com/basket/optad/internal/protocol"
	"github.com/basket/optad/internal/session"
	"github.com/basket/optad/internal/turns"
)

const (
	DefaultHistoryTimeout  = 5 * time.Second
	DefaultMaxReplayBuffer = 1024
	DefaultMaxBodyBytes    = 1 << 20
)

// Sessions is the part of session.Manager the gateway drives.
type Sessions interface {
	DaemonID() string
	Subscribe(ctx context.Context, sessionID string, listener bus.Listener, opts ...bus.Option) (*bus.Subscription, error)
	GetEventsAfter(ctx context.Context, sessionID string, afterSeq uint64) (session.History, error)
	SubmitTurn(ctx context.Context, sessionID, input string) (turns.Submission, error)
	CancelSessionTurns(ctx context.Context, sessionID string) (int, error)
	ResolvePermission(ctx context.Context, requestID, decision string) (permissions.Result, error)
	PendingPermissions(ctx context.Context, sessionID string) ([]*permissions.Request, error)
	CloseSession(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (session.Info, error)
	Sessions() []session.Info
	Stats() session.Stats
}

type Config struct {
	Sessions  Sessions
	Policy    policy.Checker
	AuthToken string
	// AllowOrigins feeds both the WebSocket origin check and CORS.
	AllowOrigins []string

	HistoryTimeout       time.Duration
	MaxReplayBuffer      int
	SubscriberMaxPending int
	MaxBodyBytes         int64

	Version           string
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	schemas *bodySchemas
	started time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("gateway: sessions are required")
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = DefaultHistoryTimeout
	}
	if cfg.MaxReplayBuffer <= 0 {
		cfg.MaxReplayBuffer = DefaultMaxReplayBuffer
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		schemas: schemas,
		started: time.Now(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(traceRequests)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))

	r.Get("/healthz", s.handleHealth)
	r.Get("/v3/health", s.handleHealth)
	s.handle(r, http.MethodGet, "/metrics", s.handleMetrics)

	r.Route("/v3", func(r chi.Router) {
		s.handle(r, http.MethodGet, "/ws", s.handleWS)
		s.handle(r, http.MethodGet, "/sessions", s.handleListSessions)
		s.handle(r, http.MethodGet, "/sessions/{sessionID}", s.handleGetSession)
		s.handle(r, http.MethodDelete, "/sessions/{sessionID}", s.handleCloseSession)
		s.handle(r, http.MethodGet, "/sessions/{sessionID}/events", s.handleEvents)
		s.handle(r, http.MethodGet, "/sessions/{sessionID}/permissions", s.handlePendingPermissions)
		s.handle(r, http.MethodPost, "/sessions/{sessionID}/turns", s.handleSubmitTurn)
		s.handle(r, http.MethodPost, "/sessions/{sessionID}/cancel", s.handleCancel)
		s.handle(r, http.MethodPost, "/permissions/{requestID}", s.handleResolvePermission)
	})
	return r
}

func (s *Server) handle(r chi.Router, method, pattern string, h http.HandlerFunc) {
	r.With(s.require(requiredCapability(method))).Method(method, pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	c := contract.Current()
	writeJSON(w, http.StatusOK, contract.HealthResponse{
		Status:   "ok",
		Version:  s.cfg.Version,
		DaemonID: s.cfg.Sessions.DaemonID(),
		Contract: &c,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	stats := s.cfg.Sessions.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"daemon_id":          s.cfg.Sessions.DaemonID(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"sessions":           stats.Sessions,
		"closed_sessions":    stats.ClosedSessions,
		"subscribers":        stats.Subscribers,
		"journal_written":    stats.JournalWritten,
		"journal_dropped":    stats.JournalDropped,
		"policy_version":     s.policyVersion(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_bytes":   mem.HeapAlloc,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.cfg.Sessions.Sessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Sessions.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type eventsResponse struct {
	Events []protocol.Envelope        `json:"events"`
	Gap    *protocol.ReplayGapPayload `json:"gap,omitempty"`
	Next   uint64                     `json:"next"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfterSeq(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, err := s.cfg.Sessions.GetEventsAfter(r.Context(), chi.URLParam(r, "sessionID"), after)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := eventsResponse{Events: h.Events, Gap: h.Gap, Next: h.Next}
	if resp.Events == nil {
		resp.Events = []protocol.Envelope{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.cfg.Sessions.PendingPermissions(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*permissions.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": reqs})
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var body turnRequest
	if err := decodeValid(r.Body, s.schemas.turn, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sub, err := s.cfg.Sessions.SubmitTurn(r.Context(), chi.URLParam(r, "sessionID"), body.Input)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Sessions.CancelSessionTurns(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.CloseSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decodeValid(r.Body, s.schemas.decision, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.cfg.Sessions.ResolvePermission(r.Context(), chi.URLParam(r, "requestID"), body.Decision)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Conflict {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func parseAfterSeq(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("afterSeq")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("afterSeq must be a non-negative integer")
	}
	return n, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, permissions.ErrInvalidDecision),
		errors.Is(err, errInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, permissions.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, turns.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, turns.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
