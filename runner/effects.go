package runner

import (
	"context"
	"io/fs"
	"syscall"

	"github.com/justapithecus/safe-run/errcode"
	"github.com/justapithecus/safe-run/types"
)

// ProcessLauncher spawns the jailer (or, in tests, a launch-override
// command) as a child process.
type ProcessLauncher interface {
	Spawn(ctx context.Context, command string, args []string) (ChildProcess, error)
}

// ChildProcess is a narrow view over a spawned OS process: a
// non-blocking poll, signal delivery, and a blocking reap.
type ChildProcess interface {
	PID() int
	// TryWait performs a non-blocking wait. exited is false and err is
	// nil while the process is still running.
	TryWait() (exited bool, exitCode int, err error)
	Signal(sig syscall.Signal) error
	// Wait blocks until the process has been reaped.
	Wait() (exitCode int, err error)
}

// BinaryResolver resolves a binary name to an absolute path and
// confirms it is an existing regular file with an executable bit set.
type BinaryResolver interface {
	Resolve(name string) (path string, err error)
}

// FileSystem is the narrow filesystem capability the runner needs:
// artifacts-directory creation, config/pid/marker writes, and transient
// file removal go through here so tests can substitute an in-memory
// fake. Kernel/rootfs materialization uses the os package directly.
type FileSystem interface {
	MkdirAll(path string, perm fs.FileMode) error
	WriteFile(path string, data []byte, perm fs.FileMode) error
	ReadFile(path string) ([]byte, error)
	Remove(path string) error
	Exists(path string) bool
}

// CgroupReader samples the resource counters the spec requires
// (cpu.stat usage_usec, memory.current).
type CgroupReader interface {
	CPUUsageUsec(cgroupPath string) (int64, error)
	MemoryCurrentBytes(cgroupPath string) (int64, error)
}

// NetworkLifecycle is the subset of netlifecycle.Lifecycle the runner
// drives. Declared locally (rather than importing the concrete type)
// so tests can substitute an in-memory fake.
type NetworkLifecycle interface {
	Apply(ctx context.Context, runID string, plan *types.NetworkPlan) (*types.AppliedNetwork, *errcode.Error)
	SampleRuleHits(ctx context.Context, applied *types.AppliedNetwork) ([]types.NetworkRuleHit, *errcode.Error)
	Release(ctx context.Context, applied *types.AppliedNetwork) *errcode.Error
}

// MountApplier and MountRollbacker mirror mountexec's interfaces so the
// runner package does not force callers to import mountexec just to
// build a Deps value.
type MountApplier interface {
	Apply(ctx context.Context, op types.MountOp) error
}

type MountRollbacker interface {
	Rollback(ctx context.Context, op types.MountOp) error
}
