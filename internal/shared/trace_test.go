package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Errorf("TraceID on empty context = %q, want \"-\"", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Errorf("TraceID = %q, want trace-123", got)
	}
}

func TestActorAndRunIDs(t *testing.T) {
	ctx := WithActorID(context.Background(), "user-1")
	ctx = WithRunID(ctx, "run-9")

	if got := ActorID(ctx); got != "user-1" {
		t.Errorf("ActorID = %q, want user-1", got)
	}
	if got := RunID(ctx); got != "run-9" {
		t.Errorf("RunID = %q, want run-9", got)
	}
}

func TestIDs_AbsentAreEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ActorID(ctx); got != "" {
		t.Errorf("ActorID on empty context = %q, want empty", got)
	}
	if got := RunID(ctx); got != "" {
		t.Errorf("RunID on empty context = %q, want empty", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || a == b {
		t.Errorf("NewTraceID produced %q and %q, want distinct non-empty ids", a, b)
	}
}
