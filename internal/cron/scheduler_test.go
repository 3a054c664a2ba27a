package cron_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/optad/internal/cron"
	"github.com/basket/optad/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeRetainer struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (f *fakeRetainer) RunRetention(_ context.Context, eventDays, auditDays int) (persistence.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, eventDays, auditDays)
	return persistence.RetentionResult{PurgedEvents: 1}, f.err
}

func (f *fakeRetainer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls) / 2
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Store: &fakeRetainer{}, Schedule: "every tuesday"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{Schedule: "@daily"}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	store := &fakeRetainer{}
	s, err := cron.NewScheduler(cron.Config{Store: store, Schedule: "@every 1s", EventDays: 30, AuditDays: 365})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool { return store.count() >= 1 })

	store.mu.Lock()
	got := append([]int(nil), store.calls[:2]...)
	store.mu.Unlock()
	if got[0] != 30 || got[1] != 365 {
		t.Fatalf("windows = %v, want [30 365]", got)
	}
	runs, lastErr := s.Runs()
	if runs < 1 || lastErr != nil {
		t.Fatalf("runs = %d, %v", runs, lastErr)
	}
}

func TestScheduler_StopHaltsSweeps(t *testing.T) {
	store := &fakeRetainer{}
	s, err := cron.NewScheduler(cron.Config{Store: store, Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	before := store.count()
	time.Sleep(1500 * time.Millisecond)
	if store.count() != before {
		t.Fatalf("sweeps continued after Stop: %d -> %d", before, store.count())
	}
}

func TestScheduler_RunOnceRecordsError(t *testing.T) {
	boom := errors.New("disk gone")
	s, err := cron.NewScheduler(cron.Config{Store: &fakeRetainer{err: boom}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if runs, last := s.Runs(); runs != 1 || !errors.Is(last, boom) {
		t.Fatalf("runs = %d, %v", runs, last)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled run err = %v", err)
	}
}

func TestScheduler_RunOncePurgesStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "optad.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.DB().Exec(`INSERT INTO audit_log (action, decision, created_at) VALUES ('session.read', 'deny', datetime('now', '-400 days'));`); err != nil {
		t.Fatalf("seed audit row: %v", err)
	}

	s, err := cron.NewScheduler(cron.Config{Store: store, EventDays: 30, AuditDays: 365})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.PurgedAuditLogs != 1 {
		t.Fatalf("result = %+v, want one audit row purged", res)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime("@daily", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := cron.NextRunTime("61 * * * *", base); err == nil {
		t.Fatal("expected invalid minute error")
	}
}
