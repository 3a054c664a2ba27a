// Package client talks to a running optad daemon over its REST API and event
// stream. Every client checks the daemon's contract before session traffic.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/optad/internal/contract"
	"github.com/basket/optad/internal/permissions"
	"github.com/basket/optad/internal/session"
	"github.com/basket/optad/internal/turns"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	unaryTimeout time.Duration
}

// New returns a client for addr, a bind address or base URL.
func New(addr, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:      contract.BaseURL(addr),
		token:        strings.TrimSpace(token),
		client:       hc,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// PermanentError wraps failures that retrying cannot fix: contract
// mismatches, bad credentials, unknown sessions.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// RequestError is a non-2xx answer from the daemon.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *RequestError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// Check negotiates the contract. Mismatches come back as *PermanentError.
func (c *Client) Check(ctx context.Context) (contract.HealthResponse, error) {
	resp, err := contract.Check(ctx, c.client, c.baseURL, contract.Current())
	var mm *contract.MismatchError
	if errors.Is(err, contract.ErrMissingContract) || errors.As(err, &mm) {
		return resp, &PermanentError{Err: err}
	}
	return resp, err
}

func (c *Client) SubmitTurn(ctx context.Context, sessionID, input string) (turns.Submission, error) {
	var out turns.Submission
	err := c.do(ctx, http.MethodPost, "/v3/sessions/"+url.PathEscape(sessionID)+"/turns", map[string]string{"input": input}, &out)
	return out, err
}

func (c *Client) CancelTurns(ctx context.Context, sessionID string) (int, error) {
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/v3/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, &out)
	return out.Cancelled, err
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v3/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var out struct {
		Sessions []session.Info `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/v3/sessions", nil, &out)
	return out.Sessions, err
}

// ResolvePermission answers a permission request. A conflict is reported in
// the result, not as an error.
func (c *Client) ResolvePermission(ctx context.Context, requestID, decision string) (permissions.Result, error) {
	var out permissions.Result
	err := c.do(ctx, http.MethodPost, "/v3/permissions/"+url.PathEscape(requestID), map[string]string{"decision": decision}, &out)
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusConflict {
		return permissions.Result{Conflict: true}, nil
	}
	return out, err
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = c.authHeader()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		return &RequestError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
