// Package doctor runs local diagnostics against an optad home directory and,
// when one is running, the daemon bound to it.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/optad/internal/config"
	"github.com/basket/optad/internal/contract"
	"github.com/basket/optad/internal/persistence"
	"github.com/basket/optad/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. hc is used for the daemon probe and
// may be nil.
func Run(ctx context.Context, cfg *config.Config, version string, hc *http.Client) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPolicy,
		checkAuthToken,
		checkDatabase,
		checkPermissions,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkDaemon(ctx, cfg, hc) },
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsBootstrap {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use until optad serve writes one"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  "fingerprint=" + cfg.Fingerprint(),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Policy", Status: StatusWarn, Message: "policy.yaml missing; built-in default policy applies"}
	}
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("policy.yaml invalid: %v", err)}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d capabilities, %d risk rules", len(p.AllowCapabilities), len(p.RiskRules)),
		Detail:  "policy_version=" + p.PolicyVersion(),
	}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if os.Getenv("OPTAD_AUTH_TOKEN") != "" {
		return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "OPTAD_AUTH_TOKEN is set"}
	}
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: StatusSkip, Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "auth.token")
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: "auth.token missing; optad serve generates one"}
	}
	if err != nil {
		return CheckResult{Name: "Auth Token", Status: StatusFail, Message: fmt.Sprintf("stat auth.token: %v", err)}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return CheckResult{
			Name:    "Auth Token",
			Status:  StatusWarn,
			Message: fmt.Sprintf("auth.token is readable by others (mode %o)", perm),
			Detail:  "chmod 600 " + path,
		}
	}
	return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "auth.token present with mode 0600"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsBootstrap {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	sessions, err := store.ListSessions(ctx, 1000)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("List sessions failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d recent sessions", version, len(sessions)),
		Detail:  "checksum=" + checksum,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkDaemon negotiates the contract with a running daemon. With nothing
// listening it checks that bind_addr is free instead.
func checkDaemon(ctx context.Context, cfg *config.Config, hc *http.Client) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: StatusSkip, Message: "Config missing"}
	}
	resp, err := contract.Check(ctx, hc, cfg.BindAddr, contract.Current())
	var mm *contract.MismatchError
	switch {
	case err == nil:
		return CheckResult{
			Name:    "Daemon",
			Status:  StatusPass,
			Message: fmt.Sprintf("Running at %s, contract %s", contract.BaseURL(cfg.BindAddr), resp.Contract),
			Detail:  "daemon_id=" + resp.DaemonID,
		}
	case errors.As(err, &mm), errors.Is(err, contract.ErrMissingContract):
		return CheckResult{Name: "Daemon", Status: StatusFail, Message: err.Error()}
	}

	ln, lerr := net.Listen("tcp", cfg.BindAddr)
	if lerr != nil {
		return CheckResult{
			Name:    "Daemon",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is taken by something that is not optad", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Daemon", Status: StatusWarn, Message: fmt.Sprintf("Not running; %s is free", cfg.BindAddr)}
}
