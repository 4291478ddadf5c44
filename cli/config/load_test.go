package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safe-run.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	yaml := `mountAllowlist: /etc/safe-run/allowlist.yaml
workdirBase: /var/run/safe-run
archive:
  root: /var/lib/safe-run/archive
  backend: s3
  retention: 180d
  s3:
    bucket: my-bucket
    prefix: safe-run
    region: us-east-1
    pathStyle: true
notify:
  webhookURL: https://hooks.example.com/safe-run
  redisURL: redis://localhost:6379
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MountAllowlist != "/etc/safe-run/allowlist.yaml" {
		t.Errorf("mountAllowlist: got %q", cfg.MountAllowlist)
	}
	if cfg.Archive.Backend != "s3" || cfg.Archive.Retention != "180d" {
		t.Errorf("archive: got %+v", cfg.Archive)
	}
	if cfg.Archive.S3.Bucket != "my-bucket" || !cfg.Archive.S3.PathStyle {
		t.Errorf("archive.s3: got %+v", cfg.Archive.S3)
	}
	if cfg.Notify.WebhookURL == "" || cfg.Notify.RedisURL == "" {
		t.Errorf("notify: got %+v", cfg.Notify)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("SAFE_RUN_ARCHIVE_ROOT", "/data/archive")
	cfg, err := Load(writeTemp(t, "archive:\n  root: ${SAFE_RUN_ARCHIVE_ROOT}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Archive.Root != "/data/archive" {
		t.Errorf("expected expanded env var, got %q", cfg.Archive.Root)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	if _, err := Load(writeTemp(t, "bogusField: true\n")); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
