// Package mountexec applies a compiled MountPlan in order, with
// reverse-order rollback of already-applied entries on partial failure.
package mountexec

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/justapithecus/safe-run/errcode"
	"github.com/justapithecus/safe-run/types"
)

// Applier performs one bind-mount. Implementations must be idempotent
// enough to be safely retried by tests but are not required to be in
// production (the runner calls each entry exactly once per run).
type Applier interface {
	Apply(ctx context.Context, op types.MountOp) error
}

// Rollbacker undoes one previously-applied mount.
type Rollbacker interface {
	Rollback(ctx context.Context, op types.MountOp) error
}

// EventEmitter receives mount.validated/mount.applied/mount.rejected
// notifications. Implementations must not block the executor; the
// evidence package's Log satisfies this via its own internal locking.
type EventEmitter func(eventType string, payload map[string]any)

// Execute applies plan.Mounts in order. On the first failure it emits
// mount.rejected, rolls back every previously-applied entry in reverse
// order, and returns RUN-101. If rollback itself fails, both messages
// are composed into the returned error.
func Execute(ctx context.Context, plan types.MountPlan, applier Applier, rollbacker Rollbacker, emit EventEmitter) *errcode.Error {
	applied := make([]types.MountOp, 0, len(plan.Mounts))

	for i, op := range plan.Mounts {
		path := fmt.Sprintf("mountPlan.mounts[%d]", i)
		if emit != nil {
			emit("mount.validated", map[string]any{"source": op.Source, "target": op.Target, "readOnly": op.ReadOnly})
		}
		if err := applier.Apply(ctx, op); err != nil {
			if emit != nil {
				emit("mount.rejected", map[string]any{"source": op.Source, "target": op.Target, "errorCode": string(errcode.RUN101), "message": err.Error()})
			}
			rollbackErr := rollbackAll(ctx, applied, rollbacker)
			if rollbackErr != nil {
				return errcode.New(errcode.RUN101, path, fmt.Sprintf("apply failed: %s; rollback also failed: %s", err, rollbackErr))
			}
			return errcode.New(errcode.RUN101, path, fmt.Sprintf("apply failed: %s", err))
		}
		if emit != nil {
			emit("mount.applied", map[string]any{"source": op.Source, "target": op.Target, "readOnly": op.ReadOnly})
		}
		applied = append(applied, op)
	}
	return nil
}

// rollbackAll undoes entries in reverse order (most-recently-applied
// first), accumulating every error it hits rather than stopping early.
func rollbackAll(ctx context.Context, applied []types.MountOp, rollbacker Rollbacker) error {
	var composed error
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		if err := rollbacker.Rollback(ctx, op); err != nil {
			if composed == nil {
				composed = fmt.Errorf("rollback %s: %w", op.Target, err)
			} else {
				composed = fmt.Errorf("%s; rollback %s: %w", composed, op.Target, err)
			}
		}
	}
	return composed
}

// OSApplier performs real bind mounts via the mount(8) binary: mkdir -p
// target, bind-mount source onto it, and remount read-only+bind when
// requested.
type OSApplier struct {
	MkdirCmd string // default "mkdir"
	MountCmd string // default "mount"
}

func (a OSApplier) mkdirCmd() string {
	if a.MkdirCmd != "" {
		return a.MkdirCmd
	}
	return "mkdir"
}

func (a OSApplier) mountCmd() string {
	if a.MountCmd != "" {
		return a.MountCmd
	}
	return "mount"
}

func (a OSApplier) Apply(ctx context.Context, op types.MountOp) error {
	if out, err := exec.CommandContext(ctx, a.mkdirCmd(), "-p", op.Target).CombinedOutput(); err != nil {
		return fmt.Errorf("mkdir -p %s: %w: %s", op.Target, err, out)
	}
	if out, err := exec.CommandContext(ctx, a.mountCmd(), "--bind", op.Source, op.Target).CombinedOutput(); err != nil {
		return fmt.Errorf("mount --bind %s %s: %w: %s", op.Source, op.Target, err, out)
	}
	if op.ReadOnly {
		if out, err := exec.CommandContext(ctx, a.mountCmd(), "-o", "remount,ro,bind", op.Target).CombinedOutput(); err != nil {
			return fmt.Errorf("remount,ro,bind %s: %w: %s", op.Target, err, out)
		}
	}
	return nil
}

// OSRollbacker detaches a mount with a lazy unmount.
type OSRollbacker struct {
	UmountCmd string // default "umount"
}

func (r OSRollbacker) umountCmd() string {
	if r.UmountCmd != "" {
		return r.UmountCmd
	}
	return "umount"
}

func (r OSRollbacker) Rollback(ctx context.Context, op types.MountOp) error {
	out, err := exec.CommandContext(ctx, r.umountCmd(), "-l", op.Target).CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount -l %s: %w: %s", op.Target, err, out)
	}
	return nil
}
