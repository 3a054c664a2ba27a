package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/optad/internal/audit"
	"github.com/basket/optad/internal/gateway"
	"github.com/basket/optad/internal/policy"
)

func TestExtractToken(t *testing.T) {
	tests := map[string]string{
		"":                   "",
		"Bearer abc":         "abc",
		"Bearer   padded  ":  "padded",
		"Basic dXNlcjpwYXNz": "",
		"bearer lower":       "",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := gateway.ExtractToken(req); got != want {
			t.Errorf("ExtractToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestAuth_RejectsBeforeUpgrade(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	before := audit.DenyCount()

	for _, header := range []string{"", "Bearer wrong", testToken} {
		opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
		if header != "" {
			opts.HTTPHeader.Set("Authorization", header)
		}
		wsURL := "ws" + h.srv.URL[len("http"):] + "/v3/ws?sessionId=s1"
		conn, resp, err := websocket.Dial(ctx, wsURL, opts)
		if err == nil {
			_ = conn.CloseNow()
			t.Fatalf("header %q: upgrade succeeded", header)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("header %q: resp = %+v, want 401", header, resp)
		}
	}
	if got := audit.DenyCount() - before; got < 3 {
		t.Fatalf("audit denies = %d, want 3", got)
	}
	// A refused upgrade must not create the session.
	if resp, _ := h.do(t, http.MethodGet, "/v3/sessions/s1", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("session created by unauthorized dial: %d", resp.StatusCode)
	}
}

func TestAuth_CapabilityDenied(t *testing.T) {
	readOnly := policy.Policy{AllowCapabilities: []string{policy.CapSessionRead}}
	h := newHarness(t, nil, func(c *gateway.Config) { c.Policy = readOnly })

	resp, _ := h.do(t, http.MethodGet, "/v3/sessions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d, want 200", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/v3/sessions/s1/turns", `{"input":"x"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("mutate status = %d, want 403", resp.StatusCode)
	}
}

func TestAuth_EmptyTokenDeniesEverything(t *testing.T) {
	h := newHarness(t, nil, func(c *gateway.Config) { c.AuthToken = "" })
	resp, _ := h.do(t, http.MethodGet, "/v3/sessions", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
