package contract_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/basket/optad/internal/contract"
)

func TestNegotiate(t *testing.T) {
	want := contract.Current()
	tests := []struct {
		name     string
		resp     contract.HealthResponse
		missing  bool
		mismatch bool
	}{
		{name: "match", resp: contract.HealthResponse{DaemonID: "d1", Contract: &want}},
		{name: "missing", resp: contract.HealthResponse{DaemonID: "d1"}, missing: true},
		{name: "empty name", resp: contract.HealthResponse{DaemonID: "d1", Contract: &contract.Contract{}}, missing: true},
		{name: "old version", resp: contract.HealthResponse{DaemonID: "d1", Contract: &contract.Contract{Name: contract.Name, Version: "2"}}, mismatch: true},
		{name: "other protocol", resp: contract.HealthResponse{DaemonID: "d1", Contract: &contract.Contract{Name: "acp", Version: "3"}}, mismatch: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := contract.Negotiate(tt.resp, want)
			if got := errors.Is(err, contract.ErrMissingContract); got != tt.missing {
				t.Fatalf("missing = %v (err %v), want %v", got, err, tt.missing)
			}
			var mm *contract.MismatchError
			if got := errors.As(err, &mm); got != tt.mismatch {
				t.Fatalf("mismatch = %v (err %v), want %v", got, err, tt.mismatch)
			}
			if !tt.missing && !tt.mismatch && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMismatchErrorNamesDaemon(t *testing.T) {
	err := contract.Negotiate(contract.HealthResponse{
		DaemonID: "daemon-42",
		Contract: &contract.Contract{Name: contract.Name, Version: "2"},
	}, contract.Current())
	if err == nil || !strings.Contains(err.Error(), "daemon-42") || !strings.Contains(err.Error(), "v2") {
		t.Fatalf("err = %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:18790":        "http://127.0.0.1:18790",
		"0.0.0.0:18790":          "http://127.0.0.1:18790",
		":18790":                 "http://127.0.0.1:18790",
		"http://example.test/":   "http://example.test",
		"https://example.test:9": "https://example.test:9",
	}
	for in, want := range tests {
		if got := contract.BaseURL(in); got != want {
			t.Errorf("BaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheck(t *testing.T) {
	var advertised atomic.Pointer[contract.Contract]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/health" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(contract.HealthResponse{Status: "ok", DaemonID: "d1", Contract: advertised.Load()})
	}))
	defer srv.Close()
	ctx := context.Background()

	cur := contract.Current()
	advertised.Store(&cur)
	resp, err := contract.Check(ctx, srv.Client(), srv.URL, contract.Current())
	if err != nil || resp.DaemonID != "d1" {
		t.Fatalf("check = %+v, %v", resp, err)
	}

	advertised.Store(nil)
	if _, err := contract.Check(ctx, srv.Client(), srv.URL, contract.Current()); !errors.Is(err, contract.ErrMissingContract) {
		t.Fatalf("err = %v, want ErrMissingContract", err)
	}

	if _, err := contract.Check(ctx, srv.Client(), srv.URL+"/nope", contract.Current()); err == nil {
		t.Fatal("expected error for 404 health")
	}
}
