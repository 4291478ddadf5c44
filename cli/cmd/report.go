package cmd

import (
	"time"

	"github.com/justapithecus/safe-run/evidence"
	"github.com/justapithecus/safe-run/types"
)

// buildReport assembles the final RunReport from everything the runner
// accumulated over Prepare/Launch/Monitor/Cleanup, then stamps it with
// its own integrity digest so the report is self-consistent whether or
// not it is ever archived. archivestore.Archive recomputes the digest
// again once the report is stamped with archive metadata (the archived
// copy's digest covers that metadata too), and verifier.Verify recomputes
// it a third time to check either form.
func buildReport(
	runID string,
	meta types.RunMeta,
	policy *types.PolicySpec,
	bundle *types.CompileBundle,
	artifacts types.ReportArtifacts,
	startedAt, finishedAt time.Time,
	exitCode int,
	events []evidence.Event,
	mountAudit []types.MountAuditEntry,
	samples []types.ResourceSample,
) (types.RunReport, error) {
	report := types.RunReport{
		SchemaVersion: types.ReportSchemaVersion,
		RunID:         runID,
		RunMeta:       meta,
		StartedAt:     startedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt:    finishedAt.UTC().Format(time.RFC3339Nano),
		ExitCode:      exitCode,
		Artifacts:     artifacts,
		PolicySummary: buildPolicySummary(policy),
		ResourceUsage: buildResourceUsage(samples),
		Events:        evidence.ToReportEvents(events),
		MountAudit:    types.MountAudit{Total: len(mountAudit), Mounts: mountAudit},
		NetworkAudit:  buildNetworkAudit(policy, bundle, events),
	}

	digest, err := evidence.ComputeIntegrityDigest(report)
	if err != nil {
		return types.RunReport{}, err
	}
	report.Integrity.Digest = digest
	return report, nil
}

func buildPolicySummary(policy *types.PolicySpec) types.PolicySummary {
	return types.PolicySummary{
		Name:        policy.Metadata.Name,
		Command:     policy.Runtime.Command,
		Args:        policy.Runtime.Args,
		MemoryMax:   policy.Resources.Memory.Max,
		CPUQuota:    policy.Resources.CPU.Max.Quota,
		CPUPeriod:   policy.Resources.CPU.Max.Period,
		NetworkMode: string(policy.Network.Mode),
	}
}

func buildResourceUsage(samples []types.ResourceSample) types.ResourceUsage {
	usage := types.ResourceUsage{Samples: samples}
	for _, s := range samples {
		if s.CPUUsageUsec > usage.PeakCPUUsageUsec {
			usage.PeakCPUUsageUsec = s.CPUUsageUsec
		}
		if s.MemoryCurrentBytes > usage.PeakMemoryCurrentBytes {
			usage.PeakMemoryCurrentBytes = s.MemoryCurrentBytes
		}
	}
	return usage
}

func buildNetworkAudit(policy *types.PolicySpec, bundle *types.CompileBundle, events []evidence.Event) types.NetworkAudit {
	audit := types.NetworkAudit{Mode: string(policy.Network.Mode)}
	if bundle.NetworkPlan != nil {
		audit.RulesTotal = len(bundle.NetworkPlan.Rules)
	}

	rules := map[string]*types.NetworkAuditRule{}
	var order []string
	for _, ev := range events {
		if ev.Type != "network.rule.hit" {
			continue
		}
		protocol, _ := ev.Payload["protocol"].(string)
		target, _ := ev.Payload["target"].(string)
		port := intFromPayload(ev.Payload["port"])
		allowed := int64FromPayload(ev.Payload["allowedHits"])
		blocked := int64FromPayload(ev.Payload["blockedHits"])

		chain, _ := ev.Payload["chain"].(string)
		key := protocol + "|" + target + "|" + chain
		rule, ok := rules[key]
		if !ok {
			rule = &types.NetworkAuditRule{Protocol: protocol, Target: target, Port: port}
			rules[key] = rule
			order = append(order, key)
		}
		rule.AllowedHits = allowed
		rule.BlockedHits = blocked
		audit.AllowedHits += allowed
		audit.BlockedHits += blocked
	}
	for _, key := range order {
		audit.Rules = append(audit.Rules, *rules[key])
	}
	return audit
}

func intFromPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func int64FromPayload(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
