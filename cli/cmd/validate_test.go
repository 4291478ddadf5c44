package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

const validPolicyYAML = `
apiVersion: policy.safe-run.dev/v1alpha1
metadata:
  name: demo
runtime:
  command: /bin/echo
  args: ["hi"]
resources:
  cpu:
    max:
      quota: 100000
      period: 100000
  memory:
    max: 256Mi
network:
  mode: none
`

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunValidate_HappyPath(t *testing.T) {
	policyPath := writeTempFile(t, "policy.yaml", validPolicyYAML)

	result, err := runValidate(policyPath, "")
	if err != nil {
		t.Fatalf("runValidate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %+v", result.Errors)
	}
	if result.NormalizedPolicy == nil {
		t.Fatal("expected a normalized policy")
	}
}

func TestRunValidate_MissingPolicyFile(t *testing.T) {
	_, err := runValidate(filepath.Join(t.TempDir(), "missing.yaml"), "")
	if err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestRunValidate_MalformedYAML(t *testing.T) {
	policyPath := writeTempFile(t, "policy.yaml", "not: valid: yaml: [")

	_, err := runValidate(policyPath, "")
	if err == nil {
		t.Fatal("expected error for malformed policy YAML")
	}
}

func TestRunValidate_InvalidAllowlistPath(t *testing.T) {
	policyPath := writeTempFile(t, "policy.yaml", validPolicyYAML)

	_, err := runValidate(policyPath, filepath.Join(t.TempDir(), "missing-allowlist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing allowlist file")
	}
}
