// Package runner implements the Prepare -> Launch -> Monitor -> Cleanup
// state machine: single-threaded orchestration of one sandbox run over
// pluggable effect adapters (process, mount, network, clock,
// filesystem, cgroup).
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/justapithecus/safe-run/clock"
	"github.com/justapithecus/safe-run/errcode"
	"github.com/justapithecus/safe-run/evidence"
	"github.com/justapithecus/safe-run/metrics"
	"github.com/justapithecus/safe-run/mountexec"
	"github.com/justapithecus/safe-run/types"
)

const defaultSampleIntervalMs = 1000

// Deps bundles every injectable effect the runner needs. Every field
// must be non-nil; NewRunner does not supply production defaults.
type Deps struct {
	Launcher        ProcessLauncher
	Resolver        BinaryResolver
	MountApplier    MountApplier
	MountRollbacker MountRollbacker
	Network         NetworkLifecycle
	Clock           clock.Clock
	FS              FileSystem
	Cgroup          CgroupReader
	Metrics         *metrics.Collector
}

// MonitorResult is Monitor's return value on a non-timeout path.
type MonitorResult struct {
	ExitCode    int
	TimedOut    bool
	SampleCount int
}

// Runner drives one PreparedRun through its state machine.
type Runner struct {
	deps Deps

	runID        string
	meta         types.RunMeta
	bundle       *types.CompileBundle
	rtctx        types.RuntimeContext
	workdir      string
	artifactsDir string

	state          types.RunState
	log            *evidence.Log
	launchPlan     types.LaunchPlan
	appliedNetwork *types.AppliedNetwork
	child          ChildProcess
	startedAt      time.Time
	samples        []types.ResourceSample
	mountAudit     []types.MountAuditEntry

	kernelHash  string
	rootfsHash  string
	policyHash  string
	commandHash string
}

// NewRunner constructs a Runner over deps. Call Prepare before any
// other method.
func NewRunner(deps Deps) *Runner {
	return &Runner{deps: deps}
}

// State returns the runner's current RunState.
func (r *Runner) State() types.RunState { return r.state }

// RunID returns the runId assigned during Prepare.
func (r *Runner) RunID() string { return r.runID }

func (r *Runner) emit(eventType string, payload map[string]any) {
	if r.log == nil {
		return
	}
	ts := r.deps.Clock.Now().UTC().Format(time.RFC3339Nano)
	_, _ = r.log.Append(ts, stageForEvent(eventType), eventType, payload)
}

func stageForEvent(eventType string) string {
	switch {
	case eventType == "compile":
		return "compile"
	case strings.HasPrefix(eventType, "mount."):
		return "mount"
	case strings.HasPrefix(eventType, "network."):
		return "network"
	default:
		return "run"
	}
}

// Prepare validates the runtime context, materializes VM artifacts,
// writes the Firecracker config and runtime context documents, opens
// the event log, and assembles the launch plan. Any failure aborts
// before state is stored; no cleanup runs.
func (r *Runner) Prepare(ctx context.Context, meta types.RunMeta, bundle *types.CompileBundle, policyHash, commandHash string, rtctx types.RuntimeContext, kernelSrc, rootfsSrc string) *errcode.Error {
	if rtctx.Workdir == "" {
		return errcode.New(errcode.RUN001, "runtimeContext.workdir", "must be non-empty")
	}
	if rtctx.TimeoutSec <= 0 {
		return errcode.New(errcode.RUN001, "runtimeContext.timeoutSec", "must be > 0")
	}
	if rtctx.SampleIntervalMs < 0 {
		return errcode.New(errcode.RUN001, "runtimeContext.sampleIntervalMs", "must be >= 0")
	}
	if rtctx.SampleIntervalMs == 0 {
		rtctx.SampleIntervalMs = defaultSampleIntervalMs
	}

	r.meta = meta
	r.bundle = bundle
	r.rtctx = rtctx
	r.workdir = rtctx.Workdir
	r.artifactsDir = filepath.Join(rtctx.Workdir, "artifacts")
	r.policyHash = policyHash
	r.commandHash = commandHash

	if err := r.deps.FS.MkdirAll(r.artifactsDir, 0o755); err != nil {
		return errcode.New(errcode.RUN001, "prepare.workdir", err.Error())
	}

	if kernelSrc != "" || rootfsSrc != "" {
		kernelHash, rootfsHash, cerr := materializeVMArtifacts(kernelSrc, rootfsSrc, r.workdir, r.artifactsDir)
		if cerr != nil {
			return cerr
		}
		r.kernelHash = kernelHash
		r.rootfsHash = rootfsHash
	}

	r.runID = deriveRunID(meta.RunID, r.workdir, r.deps.Clock)

	if err := r.writeFirecrackerConfig(); err != nil {
		return errcode.New(errcode.RUN001, "prepare.config", err.Error())
	}
	if err := r.writeRuntimeContext(); err != nil {
		return errcode.New(errcode.RUN001, "prepare.runtimeContext", err.Error())
	}

	eventsPath := filepath.Join(r.artifactsDir, "events.jsonl")
	log, err := evidence.Create(eventsPath, r.runID, bundle.EvidencePlan.Events)
	if err != nil {
		return errcode.New(errcode.RUN001, "prepare.eventLog", err.Error())
	}
	r.log = log

	r.launchPlan = r.assembleLaunchPlan()

	r.emit("compile", map[string]any{"runId": r.runID})
	r.state = types.StatePrepared
	return nil
}

func deriveRunID(metaRunID, workdir string, c clock.Clock) string {
	if metaRunID != "" {
		return metaRunID
	}
	base := filepath.Base(workdir)
	if base != "" && base != "." && base != "/" {
		return base
	}
	return fmt.Sprintf("sr-%d", c.Now().Unix())
}

func (r *Runner) writeFirecrackerConfig() error {
	doc := struct {
		MachineConfig types.MachineConfig `json:"machine-config"`
		BootSource    types.BootSource    `json:"boot-source"`
		Drives        []types.Drive       `json:"drives"`
		Rootfs        types.RootfsConfig  `json:"rootfs"`
	}{r.bundle.MachineConfig, r.bundle.BootSource, r.bundle.Drives, r.bundle.Rootfs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return r.deps.FS.WriteFile(filepath.Join(r.workdir, "firecracker-config.json"), data, 0o644)
}

func (r *Runner) writeRuntimeContext() error {
	data, err := json.MarshalIndent(r.rtctx, "", "  ")
	if err != nil {
		return err
	}
	return r.deps.FS.WriteFile(filepath.Join(r.workdir, "runtime-context.json"), data, 0o644)
}

func (r *Runner) assembleLaunchPlan() types.LaunchPlan {
	apiSocket := filepath.Join(r.artifactsDir, "firecracker.socket")
	configPath := filepath.Join(r.workdir, "firecracker-config.json")

	if o := r.rtctx.LaunchOverride; o != nil {
		return types.LaunchPlan{
			JailerBin:      o.Command,
			FirecrackerBin: "",
			Args:           o.Args,
			APISocketPath:  apiSocket,
			ConfigPath:     configPath,
		}
	}

	args := []string{"--id", r.runID, "--exec-file", "firecracker"}
	args = append(args, r.bundle.JailerOps...)
	args = append(args, "--api-sock", apiSocket, "--", "--config-file", configPath)

	return types.LaunchPlan{
		JailerBin:      "jailer",
		FirecrackerBin: "firecracker",
		Args:           args,
		APISocketPath:  apiSocket,
		ConfigPath:     configPath,
	}
}

// Launch runs preflight, applies mounts and network, and spawns the
// child process. Any step's failure triggers failure cleanup.
func (r *Runner) Launch(ctx context.Context) *errcode.Error {
	if r.state != types.StatePrepared {
		return errcode.New(errcode.RUN001, "launch.precondition", fmt.Sprintf("state must be Prepared, got %s", r.state))
	}
	r.emit("run.prepared", map[string]any{"runId": r.runID})

	if err := r.preflight(); err != nil {
		return r.failureCleanup(ctx, "preflight_failed", err)
	}

	mountErr := mountexec.Execute(ctx, r.bundle.MountPlan, r.deps.MountApplier, r.deps.MountRollbacker, r.mountEventSink())
	if mountErr != nil {
		r.deps.Metrics.IncMountRolledBack()
		return r.failureCleanup(ctx, "mount_apply_failed", mountErr)
	}
	r.deps.Metrics.IncMountApplied()

	if r.bundle.NetworkPlan != nil {
		applied, err := r.deps.Network.Apply(ctx, r.runID, r.bundle.NetworkPlan)
		if err != nil {
			r.deps.Metrics.IncNetworkApplyFailure()
			return r.failureCleanup(ctx, "network_apply_failed", err)
		}
		r.appliedNetwork = applied
		r.deps.Metrics.IncNetworkApplySuccess()
	}

	child, err := r.deps.Launcher.Spawn(ctx, r.launchPlan.JailerBin, r.launchPlan.Args)
	if err != nil {
		return r.failureCleanup(ctx, "spawn_failed", errcode.New(errcode.RUN002, "launch.spawn", err.Error()))
	}
	r.child = child

	pidPath := filepath.Join(r.artifactsDir, "vm.pid")
	if err := r.deps.FS.WriteFile(pidPath, []byte(fmt.Sprintf("%d", child.PID())), 0o644); err != nil {
		return r.failureCleanup(ctx, "pid_persist_failed", errcode.New(errcode.RUN001, "launch.pid", err.Error()))
	}

	r.startedAt = r.deps.Clock.Now()
	r.state = types.StateRunning
	r.deps.Metrics.IncRunStarted()
	r.emit("vm.started", map[string]any{"pid": child.PID(), "launcher": r.launchPlan.JailerBin})
	return nil
}

func (r *Runner) preflight() *errcode.Error {
	if r.rtctx.LaunchOverride != nil {
		if _, err := r.deps.Resolver.Resolve(r.launchPlan.JailerBin); err != nil {
			return errcode.New(errcode.RUN002, "launch.preflight.override", err.Error())
		}
		return nil
	}
	if _, err := r.deps.Resolver.Resolve(r.launchPlan.JailerBin); err != nil {
		return errcode.New(errcode.RUN002, "launch.preflight.jailer", err.Error())
	}
	if _, err := r.deps.Resolver.Resolve(r.launchPlan.FirecrackerBin); err != nil {
		return errcode.New(errcode.RUN002, "launch.preflight.firecracker", err.Error())
	}
	return nil
}

func (r *Runner) mountEventSink() mountexec.EventEmitter {
	return func(eventType string, payload map[string]any) {
		r.mountAudit = recordMountAudit(r.mountAudit, eventType, payload)
		r.emit(eventType, payload)
	}
}

func recordMountAudit(audit []types.MountAuditEntry, eventType string, payload map[string]any) []types.MountAuditEntry {
	source, _ := payload["source"].(string)
	target, _ := payload["target"].(string)
	readOnly, _ := payload["readOnly"].(bool)
	switch eventType {
	case "mount.validated":
		return append(audit, types.MountAuditEntry{Source: source, Target: target, ReadOnly: readOnly, Applied: false})
	case "mount.applied":
		for i := range audit {
			if audit[i].Source == source && audit[i].Target == target && !audit[i].Applied {
				audit[i].Applied = true
				return audit
			}
		}
	}
	return audit
}

// Monitor polls the child until it exits or the timeout elapses. On
// timeout it triggers failure cleanup directly and returns RUN-003; if
// polling the child fails it likewise runs failure cleanup and returns
// RUN-001. After either, the caller must not call Cleanup. After a
// successful return, the caller must call Cleanup exactly once.
func (r *Runner) Monitor(ctx context.Context) (*MonitorResult, *errcode.Error) {
	if r.state != types.StateRunning {
		return nil, errcode.New(errcode.RUN001, "monitor.precondition", fmt.Sprintf("state must be Running, got %s", r.state))
	}

	sampleInterval := time.Duration(r.rtctx.SampleIntervalMs) * time.Millisecond

	for {
		exited, exitCode, err := r.child.TryWait()
		if err != nil {
			return nil, r.failureCleanup(ctx, "monitor_wait_failed", errcode.New(errcode.RUN001, "monitor.wait", err.Error()))
		}
		if exited {
			return r.finishMonitor(exitCode, false)
		}

		if r.deps.Clock.Now().Sub(r.startedAt) >= time.Duration(r.rtctx.TimeoutSec)*time.Second {
			_ = r.child.Signal(syscall.SIGKILL) // ESRCH (already exited) is not actionable
			_, _ = r.child.Wait()              // reap; the exit code a SIGKILL produces is not informative
			const killedExitCode = 137
			r.emit("vm.exited", map[string]any{"exitCode": killedExitCode, "timedOut": true, "sampleCount": len(r.samples)})
			r.deps.Metrics.IncRunTimedOut()
			timeoutErr := errcode.New(errcode.RUN003, "monitor.timeout", fmt.Sprintf("exceeded timeoutSec=%d", r.rtctx.TimeoutSec))
			return nil, r.failureCleanup(ctx, "timeout", timeoutErr)
		}

		if r.rtctx.CgroupPath != "" {
			cpuUsec, _ := r.deps.Cgroup.CPUUsageUsec(r.rtctx.CgroupPath)
			memBytes, _ := r.deps.Cgroup.MemoryCurrentBytes(r.rtctx.CgroupPath)
			sample := types.ResourceSample{
				Timestamp:          r.deps.Clock.Now().UTC().Format(time.RFC3339Nano),
				CPUUsageUsec:       cpuUsec,
				MemoryCurrentBytes: memBytes,
			}
			r.samples = append(r.samples, sample)
			r.emit("resource.sampled", map[string]any{
				"cpuUsageUsec":       cpuUsec,
				"memoryCurrentBytes": memBytes,
				"cgroupPath":         r.rtctx.CgroupPath,
			})
		}
		r.deps.Clock.Sleep(sampleInterval)
	}
}

func (r *Runner) finishMonitor(exitCode int, timedOut bool) (*MonitorResult, *errcode.Error) {
	r.emit("vm.exited", map[string]any{"exitCode": exitCode, "timedOut": timedOut, "sampleCount": len(r.samples)})
	if exitCode != 0 && !timedOut {
		r.emit("run.failed", map[string]any{"reason": "abnormal_exit", "errorCode": string(errcode.RUN001), "exitCode": exitCode})
	}
	if exitCode == 0 && !timedOut {
		r.state = types.StateFinished
		r.deps.Metrics.IncRunCompleted()
	} else {
		r.state = types.StateFailed
		r.deps.Metrics.IncRunFailed()
	}
	return &MonitorResult{ExitCode: exitCode, TimedOut: timedOut, SampleCount: len(r.samples)}, nil
}

// Cleanup runs the normal (non-timeout) teardown path: network hit
// sampling, network release, and local file cleanup. Every stage
// attempts to run even if an earlier stage failed; errors are composed
// into a single run.failed event and the most specific error is
// returned.
func (r *Runner) Cleanup(ctx context.Context) *errcode.Error {
	var messages []string
	var worst *errcode.Error

	if r.appliedNetwork != nil {
		hits, err := r.deps.Network.SampleRuleHits(ctx, r.appliedNetwork)
		if err != nil {
			messages = append(messages, err.Error())
			worst = err
		}
		for _, h := range hits {
			if h.AllowedHits == 0 && h.BlockedHits == 0 {
				continue
			}
			r.emit("network.rule.hit", map[string]any{
				"chain": h.Chain, "protocol": h.Protocol, "target": h.Target, "port": h.Port,
				"allowedHits": h.AllowedHits, "blockedHits": h.BlockedHits,
				"tap": r.appliedNetwork.TapName, "table": r.appliedNetwork.Table,
			})
		}

		if relErr := r.deps.Network.Release(ctx, r.appliedNetwork); relErr != nil {
			messages = append(messages, relErr.Error())
			worst = relErr
			r.emit("network.rule.cleanup_failed", map[string]any{"message": relErr.Error()})
			r.deps.Metrics.IncNetworkReleaseFailure()
		}
		r.appliedNetwork = nil
	}

	for _, name := range []string{"runtime-context.json", "vm.pid"} {
		_ = r.deps.FS.Remove(filepath.Join(r.workdir, name))
	}
	_ = r.deps.FS.Remove(filepath.Join(r.artifactsDir, "firecracker.socket"))

	marker := filepath.Join(r.artifactsDir, "cleanup.invoked")
	if err := r.deps.FS.WriteFile(marker, []byte(r.deps.Clock.Now().UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
		localErr := errcode.New(errcode.RUN001, "cleanup.marker", err.Error())
		messages = append(messages, localErr.Error())
		worst = localErr
	} else {
		r.emit("run.cleaned", map[string]any{"state": string(r.state), "cleanupMarker": marker})
	}

	if len(messages) == 0 {
		if r.log != nil {
			_ = r.log.Close()
		}
		return nil
	}

	r.state = types.StateFailed
	r.emit("run.failed", map[string]any{"reason": "cleanup_failed", "message": strings.Join(messages, "; ")})
	if r.log != nil {
		_ = r.log.Close()
	}
	return worst
}

// failureCleanup is the cross-cutting failure path invoked from any
// launch step or from Monitor's timeout and wait-failure branches: it releases the
// network if one was applied, marks the run Failed, writes the
// cleanup.invoked marker, and emits exactly one run.failed event. It
// always returns originalErr unchanged — failureCleanup's own
// composition only affects the run.failed event payload.
func (r *Runner) failureCleanup(ctx context.Context, reason string, originalErr *errcode.Error) *errcode.Error {
	message := originalErr.Message

	if r.appliedNetwork != nil {
		if relErr := r.deps.Network.Release(ctx, r.appliedNetwork); relErr != nil {
			message = fmt.Sprintf("%s; network release failed: %s", message, relErr.Error())
			r.deps.Metrics.IncNetworkReleaseFailure()
		}
		r.appliedNetwork = nil
	}

	r.state = types.StateFailed
	marker := filepath.Join(r.artifactsDir, "cleanup.invoked")
	_ = r.deps.FS.WriteFile(marker, []byte(r.deps.Clock.Now().UTC().Format(time.RFC3339Nano)), 0o644)

	r.emit("run.failed", map[string]any{"reason": reason, "errorCode": string(originalErr.Code), "message": message})
	r.deps.Metrics.IncRunFailed()
	if r.log != nil {
		_ = r.log.Close()
	}
	return originalErr
}

// Events returns every event appended to this run's log so far.
func (r *Runner) Events() []evidence.Event {
	if r.log == nil {
		return nil
	}
	return r.log.Events()
}

// MountAudit returns the accumulated mount audit trail.
func (r *Runner) MountAudit() []types.MountAuditEntry {
	return r.mountAudit
}

// ResourceSamples returns every cgroup sample taken during Monitor.
func (r *Runner) ResourceSamples() []types.ResourceSample {
	return r.samples
}

// ArtifactHashes returns the kernel/rootfs/policy/command hashes
// computed during Prepare.
func (r *Runner) ArtifactHashes() types.ReportArtifacts {
	return types.ReportArtifacts{
		KernelHash:  r.kernelHash,
		RootfsHash:  r.rootfsHash,
		PolicyHash:  r.policyHash,
		CommandHash: r.commandHash,
	}
}
