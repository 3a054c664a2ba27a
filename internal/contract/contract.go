// Package contract negotiates the session-event protocol between the daemon
// and its clients. Clients check the daemon's advertised contract before any
// session traffic and fail fast on a mismatch.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/optad/internal/protocol"
)

// Name of the contract this daemon speaks.
const Name = "optad.session-events"

var ErrMissingContract = errors.New("daemon health response carries no contract")

// Contract identifies a protocol and its version.
type Contract struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (c Contract) String() string {
	return c.Name + "/v" + c.Version
}

// Current is the contract implemented by this build.
func Current() Contract {
	return Contract{Name: Name, Version: protocol.Version}
}

// HealthResponse is the body of GET /v3/health.
type HealthResponse struct {
	Status   string    `json:"status"`
	Version  string    `json:"version"`
	DaemonID string    `json:"daemonId"`
	Contract *Contract `json:"contract,omitempty"`
}

// MismatchError reports a daemon that speaks a different contract.
type MismatchError struct {
	DaemonID string
	Got      Contract
	Want     Contract
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("daemon %s speaks %s, client requires %s", e.DaemonID, e.Got, e.Want)
}

// Negotiate accepts resp only when it advertises exactly want.
func Negotiate(resp HealthResponse, want Contract) error {
	if resp.Contract == nil || resp.Contract.Name == "" {
		return fmt.Errorf("daemon %s: %w", resp.DaemonID, ErrMissingContract)
	}
	if *resp.Contract != want {
		return &MismatchError{DaemonID: resp.DaemonID, Got: *resp.Contract, Want: want}
	}
	return nil
}

// HealthURL turns a bind address or base URL into the health endpoint.
func HealthURL(base string) string {
	return BaseURL(base) + "/v3/health"
}

// BaseURL normalizes "host:port" or "http(s)://host:port/" into a URL
// without a trailing slash.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// Fetch reads the daemon's health response.
func Fetch(ctx context.Context, hc *http.Client, base string) (HealthResponse, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, HealthURL(base), nil)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("health request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return HealthResponse{}, fmt.Errorf("read health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return HealthResponse{}, fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	}
	var out HealthResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return HealthResponse{}, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}

// Check fetches the health response and negotiates want against it.
func Check(ctx context.Context, hc *http.Client, base string, want Contract) (HealthResponse, error) {
	resp, err := Fetch(ctx, hc, base)
	if err != nil {
		return HealthResponse{}, err
	}
	if err := Negotiate(resp, want); err != nil {
		return resp, err
	}
	return resp, nil
}
