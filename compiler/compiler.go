// Package compiler turns a normalized PolicySpec into a deterministic
// CompileBundle: the Firecracker config documents, jailer/cgroup op
// lists, mount plan, optional network plan, and the fixed evidence
// event set this bundle may emit.
package compiler

import (
	"fmt"

	"github.com/justapithecus/safe-run/errcode"
	"github.com/justapithecus/safe-run/resources"
	"github.com/justapithecus/safe-run/types"
)

const (
	defaultVCPUCount  = 1
	defaultBootArgs   = "console=ttyS0 reboot=k panic=1 pci=off"
	kernelImageName   = "vmlinux"
	rootfsImageName   = "rootfs.ext4"
	networkTable      = "safe_run"
	networkFwdChain   = "forward"
)

// baseEvidenceEvents are emitted regardless of network mode.
var baseEvidenceEvents = []string{
	"compile",
	"run.prepared",
	"vm.started",
	"resource.sampled",
	"vm.exited",
	"run.cleaned",
	"run.failed",
	"mount.validated",
	"mount.applied",
	"mount.rejected",
}

// networkEvidenceEvents are appended only when network.mode == allowlist.
var networkEvidenceEvents = []string{
	"network.rule.hit",
	"network.rule.cleanup_failed",
}

// Compile deterministically builds a CompileBundle from a normalized
// policy. Two calls with an equal policy produce byte-identical
// canonical JSON (canon.JSON(bundle) is stable because list order
// mirrors policy input order and no non-deterministic inputs are read).
func Compile(policy *types.PolicySpec) (*types.CompileBundle, *errcode.Error) {
	if policy == nil {
		return nil, errcode.New(errcode.CMP002, "policy", "policy must not be nil")
	}

	memMiB, err := resources.ParseMemoryMiB(policy.Resources.Memory.Max)
	if err != nil {
		return nil, errcode.New(errcode.CMP001, "resources.memory.max", err.Error())
	}

	quota := resources.CPUQuota{Quota: policy.Resources.CPU.Max.Quota, Period: policy.Resources.CPU.Max.Period}
	if err := resources.ValidateCPUQuota(quota); err != nil {
		return nil, errcode.New(errcode.CMP001, "resources.cpu.max", err.Error())
	}

	bundle := &types.CompileBundle{
		MachineConfig: types.MachineConfig{
			VCPUCount:  defaultVCPUCount,
			MemSizeMiB: memMiB,
		},
		BootSource: types.BootSource{
			KernelImagePath: kernelImageName,
			BootArgs:        defaultBootArgs,
		},
		Drives: []types.Drive{
			{
				DriveID:      "rootfs",
				PathOnHost:   rootfsImageName,
				IsRootDevice: true,
				IsReadOnly:   false,
			},
		},
		Rootfs: types.RootfsConfig{
			Path:     rootfsImageName,
			ReadOnly: false,
		},
		JailerOps: []string{
			"--cgroup-version=2",
			fmt.Sprintf("--cgroup cpu.max=%s", resources.FormatCPUMax(quota)),
			fmt.Sprintf("--cgroup memory.max=%dM", memMiB),
		},
		CgroupOps: []string{
			fmt.Sprintf("cpu.max=%s", resources.FormatCPUMax(quota)),
			fmt.Sprintf("memory.max=%dM", memMiB),
		},
		MountPlan: compileMountPlan(policy.Mounts),
	}

	events := make([]string, len(baseEvidenceEvents))
	copy(events, baseEvidenceEvents)

	switch policy.Network.Mode {
	case types.NetworkModeNone:
		bundle.NetworkPlan = nil
	case types.NetworkModeAllowlist:
		plan, cerr := compileNetworkPlan(policy.Network)
		if cerr != nil {
			return nil, cerr
		}
		bundle.NetworkPlan = plan
		events = append(events, networkEvidenceEvents...)
	default:
		return nil, errcode.New(errcode.CMP201, "network.mode", fmt.Sprintf("unrecognized mode %q", policy.Network.Mode))
	}
	bundle.EvidencePlan = types.EvidencePlan{Events: events}

	if cerr := ensureBundleComplete(bundle, policy.Network.Mode); cerr != nil {
		return nil, cerr
	}
	return bundle, nil
}

func compileMountPlan(mounts []types.Mount) types.MountPlan {
	ops := make([]types.MountOp, 0, len(mounts))
	for _, m := range mounts {
		ops = append(ops, types.MountOp{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	return types.MountPlan{Mounts: ops}
}

func compileNetworkPlan(spec types.NetworkSpec) (*types.NetworkPlan, *errcode.Error) {
	rules := make([]types.NetworkRulePlan, 0, len(spec.Egress))
	for i, rule := range spec.Egress {
		isCIDR := rule.CIDR != ""
		target := rule.Host
		if isCIDR {
			target = rule.CIDR
		}
		if target == "" {
			return nil, errcode.New(errcode.CMP201, fmt.Sprintf("network.egress[%d]", i), "rule has neither host nor cidr")
		}
		rules = append(rules, types.NetworkRulePlan{
			Protocol: rule.Protocol,
			Port:     rule.Port,
			Target:   target,
			IsCIDR:   isCIDR,
		})
	}
	return &types.NetworkPlan{
		TapNameTemplate: "sr-tap-<runId>",
		Table:           networkTable,
		ForwardChain:    networkFwdChain,
		Rules:           rules,
	}, nil
}

// ensureBundleComplete is the completeness gate: it rejects a bundle
// missing any required field, and enforces networkPlan == nil iff
// network.mode == none.
func ensureBundleComplete(bundle *types.CompileBundle, mode types.NetworkMode) *errcode.Error {
	if bundle.MachineConfig.VCPUCount <= 0 || bundle.MachineConfig.MemSizeMiB <= 0 {
		return errcode.New(errcode.CMP002, "machineConfig", "vcpuCount and memSizeMiB must be positive")
	}
	if bundle.BootSource.KernelImagePath == "" {
		return errcode.New(errcode.CMP002, "bootSource.kernelImagePath", "must be non-empty")
	}
	if bundle.Rootfs.Path == "" {
		return errcode.New(errcode.CMP002, "rootfs.path", "must be non-empty")
	}
	if len(bundle.Drives) == 0 {
		return errcode.New(errcode.CMP002, "drives", "must contain at least one drive")
	}
	if len(bundle.JailerOps) == 0 {
		return errcode.New(errcode.CMP002, "jailerOps", "must be non-empty")
	}
	if len(bundle.CgroupOps) == 0 {
		return errcode.New(errcode.CMP002, "cgroupOps", "must be non-empty")
	}
	if bundle.MountPlan.Mounts == nil {
		return errcode.New(errcode.CMP002, "mountPlan.mounts", "must be a non-nil (possibly empty) list")
	}

	required := make(map[string]bool, len(baseEvidenceEvents))
	for _, e := range baseEvidenceEvents {
		required[e] = true
	}
	if mode == types.NetworkModeAllowlist {
		for _, e := range networkEvidenceEvents {
			required[e] = true
		}
	}
	present := make(map[string]bool, len(bundle.EvidencePlan.Events))
	for _, e := range bundle.EvidencePlan.Events {
		present[e] = true
	}
	for e := range required {
		if !present[e] {
			return errcode.New(errcode.CMP002, "evidencePlan.events", fmt.Sprintf("missing required event %q", e))
		}
	}

	switch mode {
	case types.NetworkModeNone:
		if bundle.NetworkPlan != nil {
			return errcode.New(errcode.CMP201, "networkPlan", "must be nil when network.mode=none")
		}
	case types.NetworkModeAllowlist:
		if bundle.NetworkPlan == nil {
			return errcode.New(errcode.CMP201, "networkPlan", "must be non-nil when network.mode=allowlist")
		}
		if bundle.NetworkPlan.ForwardChain == "" {
			return errcode.New(errcode.CMP201, "networkPlan.forwardChain", "must be non-empty when network.mode=allowlist")
		}
	}
	return nil
}
