package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/optad/internal/client"
	"github.com/basket/optad/internal/contract"
	"github.com/basket/optad/internal/gateway"
	"github.com/basket/optad/internal/policy"
	"github.com/basket/optad/internal/protocol"
	"github.com/basket/optad/internal/session"
	"github.com/basket/optad/internal/turns"
)

const token = "client-test-token"

func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	allow := policy.Policy{AllowCapabilities: []string{policy.CapSessionRead, policy.CapSessionMutate}}
	m := session.NewManager(session.Config{DaemonID: "d-client", Generator: turns.EchoGenerator{}, Policy: allow})
	t.Cleanup(m.Close)
	gw, err := gateway.New(gateway.Config{Sessions: m, Policy: allow, AuthToken: token})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

type collector struct {
	mu     sync.Mutex
	events []protocol.Envelope
	signal chan protocol.Kind
}

func newCollector() *collector {
	return &collector{signal: make(chan protocol.Kind, 256)}
}

func (c *collector) on(env protocol.Envelope) error {
	c.mu.Lock()
	c.events = append(c.events, env)
	c.mu.Unlock()
	c.signal <- env.Event
	return nil
}

func (c *collector) waitFor(t *testing.T, kind protocol.Kind) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case k := <-c.signal:
			if k == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func (c *collector) seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Seq)
	}
	return out
}

func TestTail_StreamsUntilSessionClosed(t *testing.T) {
	srv := newDaemon(t)
	cl := client.New(srv.URL, token, nil)
	ctx := context.Background()
	col := newCollector()

	done := make(chan error, 1)
	go func() {
		done <- cl.Tail(ctx, client.TailOptions{SessionID: "s1"}, col.on)
	}()

	// The tail may subscribe after the turn started; replay from seq 1
	// covers it.
	if _, err := cl.SubmitTurn(ctx, "s1", "hello there"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	col.waitFor(t, protocol.KindTurnEnd)
	if err := cl.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, client.ErrSessionClosed) {
			t.Fatalf("tail err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not return")
	}
	seqs := col.seqs()
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("seqs = %v, want 1..n", seqs)
		}
	}
}

func TestTail_ResumesAfterDisconnect(t *testing.T) {
	var (
		mu     sync.Mutex
		conns  int
		afters []string
	)
	frame := func(kind protocol.Kind, seq uint64) protocol.Envelope {
		env, err := protocol.NewEnvelope(kind, "d-fake", "s1", seq, time.Now(), nil)
		if err != nil {
			t.Errorf("envelope: %v", err)
		}
		return env
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/health", func(w http.ResponseWriter, _ *http.Request) {
		c := contract.Current()
		_ = json.NewEncoder(w).Encode(contract.HealthResponse{Status: "ok", DaemonID: "d-fake", Contract: &c})
	})
	mux.HandleFunc("/v3/ws", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		afters = append(afters, r.URL.Query().Get("afterSeq"))
		mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		switch n {
		case 1:
			_ = wsjson.Write(ctx, conn, frame(protocol.KindTurnStart, 1))
			_ = wsjson.Write(ctx, conn, frame(protocol.KindTurnToken, 2))
			_ = conn.Close(websocket.StatusGoingAway, "restarting")
		default:
			_ = wsjson.Write(ctx, conn, frame(protocol.KindTurnToken, 2))
			_ = wsjson.Write(ctx, conn, frame(protocol.KindTurnEnd, 3))
			_ = wsjson.Write(ctx, conn, frame(protocol.KindSessionClosed, 4))
			_ = conn.Close(gateway.StatusSessionClosed, "session closed")
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	col := newCollector()
	cl := client.New(srv.URL, token, nil)
	err := cl.Tail(context.Background(), client.TailOptions{
		SessionID:       "s1",
		RetryMinBackoff: 10 * time.Millisecond,
		RetryMaxBackoff: 20 * time.Millisecond,
	}, col.on)
	if !errors.Is(err, client.ErrSessionClosed) {
		t.Fatalf("tail err = %v", err)
	}
	if got, want := col.seqs(), []uint64{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("seqs = %v, want %v", got, want)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(afters) != 2 || afters[0] != "" || afters[1] != "2" {
		t.Fatalf("afterSeq per connection = %v, want [\"\" 2]", afters)
	}
}

func TestTail_ContractMismatchIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(contract.HealthResponse{
			Status:   "ok",
			DaemonID: "old-daemon",
			Contract: &contract.Contract{Name: contract.Name, Version: "2"},
		})
	}))
	defer srv.Close()

	cl := client.New(srv.URL, token, nil)
	err := cl.Tail(context.Background(), client.TailOptions{SessionID: "s1"}, func(protocol.Envelope) error {
		t.Fatal("no events expected")
		return nil
	})
	var perm *client.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
	var mm *contract.MismatchError
	if !errors.As(err, &mm) || mm.DaemonID != "old-daemon" {
		t.Fatalf("err = %v, want MismatchError naming old-daemon", err)
	}
}

func TestTail_BadTokenIsPermanent(t *testing.T) {
	srv := newDaemon(t)
	cl := client.New(srv.URL, "wrong", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cl.Tail(ctx, client.TailOptions{SessionID: "s1"}, func(protocol.Envelope) error { return nil })
	var perm *client.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
}

func TestTail_CallbackErrorStops(t *testing.T) {
	srv := newDaemon(t)
	cl := client.New(srv.URL, token, nil)
	ctx := context.Background()
	if _, err := cl.SubmitTurn(ctx, "s1", "one"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	stop := errors.New("enough")
	err := cl.Tail(ctx, client.TailOptions{SessionID: "s1"}, func(protocol.Envelope) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want callback error", err)
	}
}

func TestClient_RESTRoundTrip(t *testing.T) {
	srv := newDaemon(t)
	cl := client.New(srv.URL, token, nil)
	ctx := context.Background()

	health, err := cl.Check(ctx)
	if err != nil || health.DaemonID != "d-client" {
		t.Fatalf("check = %+v, %v", health, err)
	}
	sub, err := cl.SubmitTurn(ctx, "s1", "hi")
	if err != nil || sub.TurnID == "" {
		t.Fatalf("submit = %+v, %v", sub, err)
	}
	infos, err := cl.Sessions(ctx)
	if err != nil || len(infos) != 1 || infos[0].ID != "s1" {
		t.Fatalf("sessions = %+v, %v", infos, err)
	}
	if _, err := cl.ResolvePermission(ctx, "missing", "approve"); err == nil {
		t.Fatal("expected error for unknown request")
	} else {
		var reqErr *client.RequestError
		if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound || reqErr.Retryable() {
			t.Fatalf("err = %v", err)
		}
	}
	if err := cl.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := cl.SubmitTurn(ctx, "s1", "again"); err == nil {
		t.Fatal("submit to closed session succeeded")
	}
}
