package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/optad/internal/audit"
	"github.com/basket/optad/internal/config"
	"github.com/basket/optad/internal/cron"
	"github.com/basket/optad/internal/gateway"
	otelPkg "github.com/basket/optad/internal/otel"
	"github.com/basket/optad/internal/persistence"
	"github.com/basket/optad/internal/policy"
	"github.com/basket/optad/internal/protocol"
	"github.com/basket/optad/internal/session"
	"github.com/basket/optad/internal/telemetry"
	"github.com/basket/optad/internal/turns"
)

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runServe(cmd.Context(), quiet)
			return nil
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to system.jsonl only")
	return cmd
}

// runServe exits the process on any startup failure.
func runServe(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, reasonCode(err), err)
	}

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		d.close(context.Background())
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	if err := d.run(ctx, ln); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// startupError tags a startup failure with its audit reason code.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func stage(code string, err error) error {
	return &startupError{code: code, err: err}
}

func reasonCode(err error) string {
	var se *startupError
	if errors.As(err, &se) {
		return se.code
	}
	return "E_STARTUP"
}

type daemon struct {
	cfg    config.Config
	logger *slog.Logger

	policy    *policy.LivePolicy
	authToken string
	telemetry *otelPkg.Provider
	store     *persistence.Store
	journal   *persistence.Journal
	sessions  *session.Manager
	gateway   *gateway.Server
	retention *cron.Scheduler
	watcher   *config.Watcher
}

// newDaemon opens every dependency the server needs. On error anything
// already opened is closed again.
func newDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.close(context.Background())
		}
	}()

	if err := bootstrapHome(cfg); err != nil {
		return nil, err
	}
	pol, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return nil, stage("E_POLICY_LOAD", err)
	}
	d.policy = policy.NewLivePolicy(pol, config.PolicyPath(cfg.HomeDir))
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", d.policy.PolicyVersion())

	if d.authToken, err = loadAuthToken(cfg.HomeDir, logger); err != nil {
		return nil, stage("E_AUTH_TOKEN_WRITE", err)
	}

	d.telemetry, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, stage("E_OTEL_INIT", err)
	}
	metrics := d.telemetry.Metrics

	if d.store, err = persistence.Open(config.DBPath(cfg.HomeDir)); err != nil {
		return nil, stage("E_STORE_OPEN", err)
	}
	audit.SetDB(d.store.DB())
	logger.Info("startup phase", "phase", "store_opened", "path", config.DBPath(cfg.HomeDir))

	if cfg.Journal.Enabled {
		d.journal = persistence.NewJournal(d.store, persistence.JournalConfig{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.FlushInterval(),
			QueueSize:     cfg.Journal.QueueSize,
			Logger:        logger.With("component", "journal"),
			OnDrop: func(protocol.Envelope) {
				metrics.JournalDrop(context.Background())
			},
		})
	}

	d.sessions = session.NewManager(session.Config{
		RetainedEvents:       cfg.RetainedEvents,
		SubscriberMaxPending: cfg.SubscriberMaxPending,
		ApprovalTimeout:      cfg.ApprovalTimeout(),
		MaxConcurrentTurns:   int64(cfg.MaxConcurrentTurns),
		MaxQueueDepth:        cfg.MaxQueueDepth,
		Generator:            turns.EchoGenerator{TokenDelay: cfg.TokenDelay()},
		Policy:               d.policy,
		Store:                d.store,
		Journal:              d.journal,
		Logger:               logger,
		Metrics:              metrics,
		Tracer:               d.telemetry.Tracer,
	})
	logger.Info("startup phase", "phase", "sessions_ready", "daemon_id", d.sessions.DaemonID())

	d.gateway, err = gateway.New(gateway.Config{
		Sessions:             d.sessions,
		Policy:               d.policy,
		AuthToken:            d.authToken,
		AllowOrigins:         cfg.AllowOrigins,
		HistoryTimeout:       cfg.HistoryTimeout(),
		MaxReplayBuffer:      cfg.MaxReplayBuffer,
		SubscriberMaxPending: cfg.SubscriberMaxPending,
		Version:              otelPkg.Version,
		ConfigFingerprint:    cfg.Fingerprint(),
		Logger:               logger,
		Metrics:              metrics,
		Tracer:               d.telemetry.Tracer,
	})
	if err != nil {
		return nil, stage("E_GATEWAY_INIT", err)
	}

	d.retention, err = cron.NewScheduler(cron.Config{
		Store:     d.store,
		Schedule:  cfg.Retention.Schedule,
		EventDays: cfg.Retention.EventDays,
		AuditDays: cfg.Retention.AuditDays,
		Logger:    logger.With("component", "retention"),
	})
	if err != nil {
		return nil, stage("E_RETENTION_SCHEDULE", err)
	}

	d.watcher = config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	return d, nil
}

// run serves on ln until ctx is done, then drains within the configured
// drain timeout and releases everything newDaemon opened.
func (d *daemon) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := d.watcher.Start(gctx); err != nil {
		_ = ln.Close()
		d.close(context.Background())
		return stage("E_CONFIG_WATCHER_START", err)
	}
	d.retention.Start(gctx)

	// Streams are hijacked connections that Shutdown does not track; they
	// end when connCtx is cancelled.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()
	srv := &http.Server{
		Handler:           d.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	g.Go(func() error {
		d.logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/v3/ws")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for ev := range d.watcher.Events() {
			d.handleReload(ev)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutdown signal received")
		drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout())
		defer cancel()
		cancelConns()
		if err := srv.Shutdown(drainCtx); err != nil {
			d.logger.Warn("http shutdown incomplete", "error", err)
		}
		return nil
	})

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout())
	defer cancel()
	d.close(drainCtx)
	return err
}

func (d *daemon) handleReload(ev config.ReloadEvent) {
	if ev.IsPolicy() {
		if err := policy.ReloadFromFile(d.policy, ev.Path); err != nil {
			d.logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
			return
		}
		d.logger.Info("policy.yaml hot-reloaded", "policy_version", d.policy.PolicyVersion())
		return
	}
	next, err := config.LoadFrom(d.cfg.HomeDir)
	if err != nil {
		d.logger.Error("config.yaml reload failed", "error", err)
		return
	}
	if fp := next.Fingerprint(); fp != d.cfg.Fingerprint() {
		d.logger.Warn("config.yaml changed; restart to apply", "running_fingerprint", d.cfg.Fingerprint(), "file_fingerprint", fp)
	}
}

// close releases resources in reverse start order. Fields left nil by a
// failed newDaemon are skipped.
func (d *daemon) close(ctx context.Context) {
	if d.retention != nil {
		d.retention.Stop()
	}
	if d.sessions != nil {
		d.sessions.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
	if d.store != nil {
		audit.SetDB(nil)
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close failed", "error", err)
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			d.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

// bootstrapHome writes default config.yaml and policy.yaml on first run.
func bootstrapHome(cfg config.Config) error {
	if cfg.NeedsBootstrap {
		if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), []byte(config.DefaultYAML()), 0o644); err != nil {
			return stage("E_CONFIG_WRITE", err)
		}
	}
	policyPath := config.PolicyPath(cfg.HomeDir)
	if _, err := os.Stat(policyPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(policyPath, []byte(policy.DefaultYAML()), 0o644); err != nil {
			return stage("E_POLICY_BOOTSTRAP", err)
		}
	} else if err != nil {
		return stage("E_POLICY_BOOTSTRAP", err)
	}
	return nil
}

func loadAuthToken(homeDir string, logger *slog.Logger) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("OPTAD_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	logger.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "daemon.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
