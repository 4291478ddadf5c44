package compiler

import (
	"testing"

	"github.com/justapithecus/safe-run/canon"
	"github.com/justapithecus/safe-run/types"
)

func basePolicy() *types.PolicySpec {
	return &types.PolicySpec{
		APIVersion: types.SchemaTag,
		Metadata:   types.PolicyMetadata{Name: "demo"},
		Runtime:    types.RuntimeSpec{Command: "/bin/echo", Args: []string{"hello"}},
		Resources: types.ResourceSpec{
			CPU:    types.CPUSpec{Max: types.CPUQuota{Quota: 100000, Period: 100000}},
			Memory: types.MemorySpec{Max: "256Mi"},
		},
		Network: types.NetworkSpec{Mode: types.NetworkModeNone},
	}
}

func TestCompile_NoNetwork_PlanIsNil(t *testing.T) {
	bundle, cerr := Compile(basePolicy())
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if bundle.NetworkPlan != nil {
		t.Error("expected nil network plan for mode=none")
	}
	for _, e := range networkEvidenceEvents {
		for _, got := range bundle.EvidencePlan.Events {
			if got == e {
				t.Errorf("did not expect network event %q when mode=none", e)
			}
		}
	}
}

func TestCompile_Allowlist_PlanPresent(t *testing.T) {
	p := basePolicy()
	p.Network.Mode = types.NetworkModeAllowlist
	p.Network.Egress = []types.NetworkEgressRule{{Protocol: "tcp", CIDR: "1.1.1.1/32", Port: 443}}

	bundle, cerr := Compile(p)
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if bundle.NetworkPlan == nil {
		t.Fatal("expected non-nil network plan for mode=allowlist")
	}
	if len(bundle.NetworkPlan.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(bundle.NetworkPlan.Rules))
	}
	if !bundle.NetworkPlan.Rules[0].IsCIDR {
		t.Error("expected rule to be marked as CIDR")
	}
	found := false
	for _, e := range bundle.EvidencePlan.Events {
		if e == "network.rule.hit" {
			found = true
		}
	}
	if !found {
		t.Error("expected network.rule.hit in evidence plan")
	}
}

func TestCompile_Deterministic(t *testing.T) {
	p := basePolicy()
	b1, err1 := Compile(p)
	b2, err2 := Compile(p)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	j1, err := canon.JSON(b1)
	if err != nil {
		t.Fatal(err)
	}
	j2, err := canon.JSON(b2)
	if err != nil {
		t.Fatal(err)
	}
	if string(j1) != string(j2) {
		t.Error("expected byte-identical canonical JSON across repeated compiles")
	}
}

func TestCompile_BadMemorySuffix(t *testing.T) {
	p := basePolicy()
	p.Resources.Memory.Max = "256MB"
	_, cerr := Compile(p)
	if cerr == nil {
		t.Fatal("expected error for unrecognized memory suffix")
	}
	if cerr.Code != "CMP-001" {
		t.Errorf("expected CMP-001, got %s", cerr.Code)
	}
}

func TestCompile_MountOrderPreserved(t *testing.T) {
	p := basePolicy()
	p.Mounts = []types.Mount{
		{Source: "/var/lib/safe-run/a", Target: "/data/a", ReadOnly: true},
		{Source: "/var/lib/safe-run/b", Target: "/data/b", ReadOnly: true},
	}
	bundle, cerr := Compile(p)
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if len(bundle.MountPlan.Mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(bundle.MountPlan.Mounts))
	}
	if bundle.MountPlan.Mounts[0].Target != "/data/a" || bundle.MountPlan.Mounts[1].Target != "/data/b" {
		t.Error("expected mount order to match policy input order")
	}
}
