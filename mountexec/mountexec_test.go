package mountexec

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/justapithecus/safe-run/types"
)

type fakeApplier struct {
	failTarget string
	applied    []string
}

func (f *fakeApplier) Apply(ctx context.Context, op types.MountOp) error {
	if op.Target == f.failTarget {
		return fmt.Errorf("simulated apply failure")
	}
	f.applied = append(f.applied, op.Target)
	return nil
}

type fakeRollbacker struct {
	rolledBack []string
	failTarget string
}

func (f *fakeRollbacker) Rollback(ctx context.Context, op types.MountOp) error {
	f.rolledBack = append(f.rolledBack, op.Target)
	if op.Target == f.failTarget {
		return fmt.Errorf("simulated rollback failure")
	}
	return nil
}

func plan(targets ...string) types.MountPlan {
	ops := make([]types.MountOp, len(targets))
	for i, t := range targets {
		ops[i] = types.MountOp{Source: "/var/lib/safe-run/" + t, Target: "/data/" + t, ReadOnly: true}
	}
	return types.MountPlan{Mounts: ops}
}

func TestExecute_AllSucceed(t *testing.T) {
	applier := &fakeApplier{}
	rollbacker := &fakeRollbacker{}
	var events []string
	emit := func(eventType string, payload map[string]any) { events = append(events, eventType) }

	err := Execute(context.Background(), plan("a", "b"), applier, rollbacker, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rollbacker.rolledBack) != 0 {
		t.Errorf("expected no rollback, got %v", rollbacker.rolledBack)
	}
	wantEvents := []string{"mount.validated", "mount.applied", "mount.validated", "mount.applied"}
	if len(events) != len(wantEvents) {
		t.Fatalf("got events %v, want %v", events, wantEvents)
	}
}

func TestExecute_RollbackReverseOrder(t *testing.T) {
	applier := &fakeApplier{failTarget: "/data/c"}
	rollbacker := &fakeRollbacker{}
	var rejected bool
	var applied int
	emit := func(eventType string, payload map[string]any) {
		switch eventType {
		case "mount.rejected":
			rejected = true
		case "mount.applied":
			applied++
		}
	}

	err := Execute(context.Background(), plan("a", "b", "c"), applier, rollbacker, emit)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Code != "RUN-101" {
		t.Errorf("expected RUN-101, got %s", err.Code)
	}
	if applied != 2 {
		t.Errorf("expected 2 mount.applied events (a, b), got %d", applied)
	}
	if !rejected {
		t.Error("expected a mount.rejected event")
	}
	want := []string{"/data/b", "/data/a"}
	if len(rollbacker.rolledBack) != len(want) {
		t.Fatalf("got rollback order %v, want %v", rollbacker.rolledBack, want)
	}
	for i := range want {
		if rollbacker.rolledBack[i] != want[i] {
			t.Errorf("rollback[%d] = %s, want %s", i, rollbacker.rolledBack[i], want[i])
		}
	}
}

func TestExecute_RollbackFailureComposesMessage(t *testing.T) {
	applier := &fakeApplier{failTarget: "/data/b"}
	rollbacker := &fakeRollbacker{failTarget: "/data/a"}

	err := Execute(context.Background(), plan("a", "b"), applier, rollbacker, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Code != "RUN-101" {
		t.Errorf("expected RUN-101, got %s", err.Code)
	}
	if !strings.Contains(err.Message, "rollback also failed") {
		t.Errorf("expected composed rollback failure message, got %q", err.Message)
	}
}
