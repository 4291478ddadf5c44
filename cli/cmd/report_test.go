package cmd

import (
	"testing"
	"time"

	"github.com/justapithecus/safe-run/evidence"
	"github.com/justapithecus/safe-run/types"
)

func testPolicy() *types.PolicySpec {
	return &types.PolicySpec{
		APIVersion: types.SchemaTag,
		Metadata:   types.PolicyMetadata{Name: "demo"},
		Runtime:    types.RuntimeSpec{Command: "/bin/echo", Args: []string{"hi"}},
		Resources: types.ResourceSpec{
			CPU:    types.CPUSpec{Max: types.CPUQuota{Quota: 100000, Period: 100000}},
			Memory: types.MemorySpec{Max: "256Mi"},
		},
		Network: types.NetworkSpec{Mode: types.NetworkModeAllowlist},
	}
}

func TestBuildReport_BasicFields(t *testing.T) {
	policy := testPolicy()
	bundle := &types.CompileBundle{}
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(5 * time.Second)

	report, err := buildReport(
		"run-1", types.RunMeta{RunID: "run-1", Attempt: 1}, policy, bundle,
		types.ReportArtifacts{PolicyHash: "ph", CommandHash: "ch"},
		started, finished, 0, nil, nil, nil,
	)
	if err != nil {
		t.Fatalf("buildReport: %v", err)
	}

	if report.Integrity.Digest == "" {
		t.Error("Integrity.Digest = \"\", want non-empty")
	}
	if report.SchemaVersion != types.ReportSchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", report.SchemaVersion, types.ReportSchemaVersion)
	}
	if report.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", report.RunID)
	}
	if report.StartedAt != started.Format(time.RFC3339Nano) {
		t.Errorf("StartedAt = %q, want %q", report.StartedAt, started.Format(time.RFC3339Nano))
	}
	if report.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", report.ExitCode)
	}
	if report.Artifacts.PolicyHash != "ph" || report.Artifacts.CommandHash != "ch" {
		t.Errorf("Artifacts = %+v, unexpected", report.Artifacts)
	}
}

func TestBuildPolicySummary(t *testing.T) {
	summary := buildPolicySummary(testPolicy())

	if summary.Name != "demo" {
		t.Errorf("Name = %q, want demo", summary.Name)
	}
	if summary.Command != "/bin/echo" {
		t.Errorf("Command = %q, want /bin/echo", summary.Command)
	}
	if summary.MemoryMax != "256Mi" {
		t.Errorf("MemoryMax = %q, want 256Mi", summary.MemoryMax)
	}
	if summary.CPUQuota != 100000 || summary.CPUPeriod != 100000 {
		t.Errorf("CPU quota/period = %d/%d, want 100000/100000", summary.CPUQuota, summary.CPUPeriod)
	}
	if summary.NetworkMode != string(types.NetworkModeAllowlist) {
		t.Errorf("NetworkMode = %q, want %q", summary.NetworkMode, types.NetworkModeAllowlist)
	}
}

func TestBuildResourceUsage_TracksPeaks(t *testing.T) {
	samples := []types.ResourceSample{
		{Timestamp: "t1", CPUUsageUsec: 100, MemoryCurrentBytes: 1000},
		{Timestamp: "t2", CPUUsageUsec: 300, MemoryCurrentBytes: 500},
		{Timestamp: "t3", CPUUsageUsec: 200, MemoryCurrentBytes: 2000},
	}

	usage := buildResourceUsage(samples)

	if usage.PeakCPUUsageUsec != 300 {
		t.Errorf("PeakCPUUsageUsec = %d, want 300", usage.PeakCPUUsageUsec)
	}
	if usage.PeakMemoryCurrentBytes != 2000 {
		t.Errorf("PeakMemoryCurrentBytes = %d, want 2000", usage.PeakMemoryCurrentBytes)
	}
	if len(usage.Samples) != 3 {
		t.Errorf("len(Samples) = %d, want 3", len(usage.Samples))
	}
}

func TestBuildResourceUsage_Empty(t *testing.T) {
	usage := buildResourceUsage(nil)
	if usage.PeakCPUUsageUsec != 0 || usage.PeakMemoryCurrentBytes != 0 {
		t.Error("expected zero peaks for no samples")
	}
}

func TestBuildNetworkAudit_AggregatesRuleHits(t *testing.T) {
	policy := testPolicy()
	bundle := &types.CompileBundle{
		NetworkPlan: &types.NetworkPlan{
			Rules: []types.NetworkRulePlan{{Protocol: "tcp", Target: "example.com", Port: 443}},
		},
	}
	events := []evidence.Event{
		{
			Type: "network.rule.hit",
			Payload: map[string]any{
				"protocol": "tcp", "target": "example.com", "port": 443,
				"chain": "forward", "allowedHits": int64(5), "blockedHits": int64(2),
			},
		},
		{
			Type: "network.rule.hit",
			Payload: map[string]any{
				"protocol": "tcp", "target": "example.com", "port": 443,
				"chain": "forward", "allowedHits": int64(8), "blockedHits": int64(3),
			},
		},
		{Type: "vm.exited", Payload: map[string]any{"exitCode": 0}},
	}

	audit := buildNetworkAudit(policy, bundle, events)

	if audit.Mode != string(types.NetworkModeAllowlist) {
		t.Errorf("Mode = %q, want %q", audit.Mode, types.NetworkModeAllowlist)
	}
	if audit.RulesTotal != 1 {
		t.Errorf("RulesTotal = %d, want 1", audit.RulesTotal)
	}
	if len(audit.Rules) != 1 {
		t.Fatalf("len(Rules) = %d, want 1", len(audit.Rules))
	}
	// Later events for the same rule key overwrite, they don't accumulate.
	if audit.Rules[0].AllowedHits != 8 || audit.Rules[0].BlockedHits != 3 {
		t.Errorf("Rules[0] hits = %d/%d, want 8/3", audit.Rules[0].AllowedHits, audit.Rules[0].BlockedHits)
	}
	// AllowedHits/BlockedHits totals sum every event seen, not just the latest.
	if audit.AllowedHits != 13 || audit.BlockedHits != 5 {
		t.Errorf("total hits = %d/%d, want 13/5", audit.AllowedHits, audit.BlockedHits)
	}
}

func TestBuildNetworkAudit_NoNetworkPlan(t *testing.T) {
	policy := testPolicy()
	policy.Network.Mode = types.NetworkModeNone
	bundle := &types.CompileBundle{}

	audit := buildNetworkAudit(policy, bundle, nil)

	if audit.RulesTotal != 0 {
		t.Errorf("RulesTotal = %d, want 0", audit.RulesTotal)
	}
	if len(audit.Rules) != 0 {
		t.Errorf("expected no rules, got %+v", audit.Rules)
	}
}

func TestIntFromPayload(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{int(7), 7},
		{int64(7), 7},
		{float64(7), 7},
		{"not a number", 0},
		{nil, 0},
	}
	for _, c := range cases {
		if got := intFromPayload(c.in); got != c.want {
			t.Errorf("intFromPayload(%#v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestInt64FromPayload(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{int64(9), 9},
		{int(9), 9},
		{float64(9), 9},
		{"nope", 0},
		{nil, 0},
	}
	for _, c := range cases {
		if got := int64FromPayload(c.in); got != c.want {
			t.Errorf("int64FromPayload(%#v) = %d, want %d", c.in, got, c.want)
		}
	}
}
