package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty trace id should read as -, got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || TurnID(ctx) != "" || ConnID(ctx) != "" {
		t.Fatalf("expected empty ids on bare context")
	}

	ctx = WithSessionID(ctx, "s-1")
	ctx = WithTurnID(ctx, "t-1")
	ctx = WithConnID(ctx, "c-1")
	if got := SessionID(ctx); got != "s-1" {
		t.Fatalf("session = %q", got)
	}
	if got := TurnID(ctx); got != "t-1" {
		t.Fatalf("turn = %q", got)
	}
	if got := ConnID(ctx); got != "c-1" {
		t.Fatalf("conn = %q", got)
	}

	ctx = WithTurnID(ctx, "t-2")
	if got := TurnID(ctx); got != "t-2" {
		t.Fatalf("overwrite turn = %q", got)
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
