package policyvalidator

import (
	"testing"

	"github.com/justapithecus/safe-run/types"
)

func validPolicy() *types.PolicySpec {
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

func defaultAllowlist() *types.MountAllowlist {
	return &types.MountAllowlist{
		SchemaVersion:      AllowlistSchemaTag,
		HostAllowPrefixes:  []string{"/var/lib/safe-run"},
		GuestAllowPrefixes: []string{"/data"},
	}
}

func TestValidate_HappyPath(t *testing.T) {
	result := Validate(validPolicy(), defaultAllowlist())
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %+v", result.Errors)
	}
	if result.NormalizedPolicy == nil {
		t.Fatal("expected a normalized policy")
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != "default deny policy is active" {
		t.Errorf("expected default-deny warning, got %v", result.Warnings)
	}
}

func TestValidate_SchemaMismatch(t *testing.T) {
	p := validPolicy()
	p.APIVersion = "wrong/v1"
	result := Validate(p, defaultAllowlist())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if !hasCode(result.Errors, "POL-002") {
		t.Errorf("expected POL-002, got %+v", result.Errors)
	}
}

func TestValidate_MountOutsideAllowlist(t *testing.T) {
	p := validPolicy()
	p.Mounts = []types.Mount{{Source: "/etc/passwd", Target: "/data/passwd", ReadOnly: true}}
	result := Validate(p, defaultAllowlist())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if !hasCodeAtPath(result.Errors, "POL-101", "mounts[0].source") {
		t.Errorf("expected POL-101 at mounts[0].source, got %+v", result.Errors)
	}
}

func TestValidate_MountForbiddenGuestTarget(t *testing.T) {
	p := validPolicy()
	p.Mounts = []types.Mount{{Source: "/var/lib/safe-run/x", Target: "/etc/evil", ReadOnly: true}}
	result := Validate(p, defaultAllowlist())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if !hasCode(result.Errors, "POL-102") {
		t.Errorf("expected POL-102, got %+v", result.Errors)
	}
}

func TestValidate_MountNotReadOnly(t *testing.T) {
	p := validPolicy()
	p.Mounts = []types.Mount{{Source: "/var/lib/safe-run/x", Target: "/data/x", ReadOnly: false}}
	result := Validate(p, defaultAllowlist())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if !hasCode(result.Errors, "POL-103") {
		t.Errorf("expected POL-103, got %+v", result.Errors)
	}
}

func TestValidate_NetworkRuleHostAndCIDRBothSet(t *testing.T) {
	p := validPolicy()
	p.Network.Mode = types.NetworkModeAllowlist
	p.Network.Egress = []types.NetworkEgressRule{{Protocol: "tcp", Host: "example.com", CIDR: "1.1.1.1/32", Port: 443}}
	result := Validate(p, defaultAllowlist())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if !hasCode(result.Errors, "POL-201") {
		t.Errorf("expected POL-201, got %+v", result.Errors)
	}
}

func TestValidate_NetworkRulePortOutOfRange(t *testing.T) {
	p := validPolicy()
	p.Network.Mode = types.NetworkModeAllowlist
	p.Network.Egress = []types.NetworkEgressRule{{Protocol: "tcp", Host: "example.com", Port: 70000}}
	result := Validate(p, defaultAllowlist())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if !hasCodeAtPath(result.Errors, "POL-201", "network.egress[0].port") {
		t.Errorf("expected POL-201 at network.egress[0].port, got %+v", result.Errors)
	}
}

func TestValidate_TrimsArgsAndDropsEmpty(t *testing.T) {
	p := validPolicy()
	p.Runtime.Args = []string{" hello ", "", "world"}
	result := Validate(p, defaultAllowlist())
	if !result.Valid {
		t.Fatalf("expected valid, got %+v", result.Errors)
	}
	got := result.NormalizedPolicy.Runtime.Args
	want := []string{"hello", "world"}
	if len(got) != len(want) {
		t.Fatalf("got args %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func hasCode(errs []types.ValidationError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func hasCodeAtPath(errs []types.ValidationError, code, path string) bool {
	for _, e := range errs {
		if e.Code == code && e.Path == path {
			return true
		}
	}
	return false
}
