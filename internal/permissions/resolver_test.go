package permissions

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/optad/internal/policy"
)

func TestResolve_ExactlyOnce(t *testing.T) {
	r := NewResolver(Config{Timeout: time.Minute})
	req := r.Open("s1", "t1", "write_file", map[string]any{"path": "/tmp/x"})

	res, got, err := r.Resolve(req.ID, "approve", ByClient)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if !res.OK || res.Conflict || got != req {
		t.Fatalf("first resolve = %+v, want ok", res)
	}
	select {
	case <-req.Done():
	default:
		t.Fatal("Done not closed after resolve")
	}

	res, _, err = r.Resolve(req.ID, "deny", ByClient)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if res.OK || !res.Conflict {
		t.Fatalf("second resolve = %+v, want conflict", res)
	}
	decision, by := req.Decision()
	if decision != DecisionApprove || by != ByClient || !req.Approved() {
		t.Fatalf("decision = %s by %s, first decision must stick", decision, by)
	}
	if len(r.Pending("s1")) != 0 {
		t.Fatalf("resolved request still pending")
	}
}

func TestResolve_ConcurrentRacersSeeOneWinner(t *testing.T) {
	r := NewResolver(Config{Timeout: time.Minute})
	req := r.Open("s1", "", "shell", nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	oks, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := "approve"
			if i%2 == 1 {
				decision = "deny"
			}
			res, _, err := r.Resolve(req.ID, decision, ByClient)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.OK {
				oks++
			}
			if res.Conflict {
				conflicts++
			}
		}(i)
	}
	wg.Wait()
	if oks != 1 || conflicts != 15 {
		t.Fatalf("oks=%d conflicts=%d, want 1/15", oks, conflicts)
	}
}

func TestResolve_UnknownAndInvalid(t *testing.T) {
	r := NewResolver(Config{})
	if _, _, err := r.Resolve("nope", "approve", ByClient); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
	req := r.Open("s", "", "read_file", nil)
	if _, _, err := r.Resolve(req.ID, "maybe", ByClient); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v, want ErrInvalidDecision", err)
	}
	if len(r.Pending("s")) != 1 {
		t.Fatalf("invalid decision must leave request pending")
	}
}

func TestTimeout_DefaultDeny(t *testing.T) {
	r := NewResolver(Config{Timeout: 20 * time.Millisecond})
	req := r.Open("s1", "t1", "shell", nil)

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("request not resolved by timeout")
	}
	decision, by := req.Decision()
	if decision != DecisionDeny || by != ByTimeout {
		t.Fatalf("decision = %s by %s, want deny by timeout", decision, by)
	}
	res, _, err := r.Resolve(req.ID, "approve", ByClient)
	if err != nil {
		t.Fatalf("late resolve: %v", err)
	}
	if !res.Conflict {
		t.Fatalf("late client resolve after timeout = %+v, want conflict", res)
	}
}

func TestTimeout_HookReceivesRequest(t *testing.T) {
	fired := make(chan *Request, 1)
	r := NewResolver(Config{
		Timeout:   10 * time.Millisecond,
		OnTimeout: func(req *Request) { fired <- req },
	})
	req := r.Open("s1", "", "shell", nil)
	select {
	case got := <-fired:
		if got.ID != req.ID {
			t.Fatalf("hook got %s, want %s", got.ID, req.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout hook not called")
	}
	if len(r.Pending("s1")) != 1 {
		t.Fatalf("hook is responsible for resolving; request should still be pending")
	}
}

func TestPendingAndForget(t *testing.T) {
	r := NewResolver(Config{Timeout: time.Minute})
	a := r.Open("s1", "", "read_file", nil)
	time.Sleep(time.Millisecond)
	b := r.Open("s1", "", "write_file", nil)
	r.Open("s2", "", "shell", nil)

	pending := r.Pending("s1")
	if len(pending) != 2 || pending[0].ID != a.ID || pending[1].ID != b.ID {
		t.Fatalf("pending = %v, want [a b]", pending)
	}

	r.Forget("s1")
	if len(r.Pending("s1")) != 0 {
		t.Fatalf("forget left pending requests")
	}
	if _, ok := r.Lookup(a.ID); ok {
		t.Fatalf("forget left request lookup-able")
	}
	if len(r.Pending("s2")) != 1 {
		t.Fatalf("forget touched another session")
	}
}

func TestOpen_AttachesRisk(t *testing.T) {
	lp := policy.NewLivePolicy(policy.Policy{RiskRules: []policy.RiskRule{{Tool: "deploy*", Risk: "high"}}}, "")
	r := NewResolver(Config{Policy: lp, Timeout: time.Minute})
	if got := r.Open("s", "", "deploy_prod", nil).Risk; got != policy.RiskHigh {
		t.Fatalf("risk = %s, want high", got)
	}
	if got := r.Open("s", "", "list_dir", nil).Risk; got != policy.RiskLow {
		t.Fatalf("risk = %s, want low", got)
	}
}
