package evidence

import (
	"path/filepath"
	"testing"

	"github.com/justapithecus/safe-run/types"
)

func TestLog_ChainStartsAtGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := Create(path, "run-1", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	ev, err := log.Append("t0", "stage", "a", map[string]any{"k": 1})
	if err != nil {
		t.Fatal(err)
	}
	if ev.HashPrev != GenesisHash {
		t.Errorf("expected genesis hashPrev, got %s", ev.HashPrev)
	}
}

func TestLog_ChainLinksSequentially(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := Create(path, "run-1", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	e1, _ := log.Append("t0", "s", "a", map[string]any{"i": 1})
	e2, _ := log.Append("t1", "s", "b", map[string]any{"i": 2})

	if e2.HashPrev != e1.HashSelf {
		t.Errorf("expected e2.hashPrev == e1.hashSelf, got %s != %s", e2.HashPrev, e1.HashSelf)
	}

	want, err := DeriveHash(e1.HashSelf, "t1", "run-1", "s", "b", map[string]any{"i": 2})
	if err != nil {
		t.Fatal(err)
	}
	if e2.HashSelf != want {
		t.Errorf("hashSelf mismatch: got %s, want %s", e2.HashSelf, want)
	}
}

func TestLog_GatesUnlistedEventTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := Create(path, "run-1", []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	ev, err := log.Append("t0", "s", "not-allowed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.HashSelf != "" {
		t.Error("expected a no-op for an event type outside the allowed set")
	}
	if len(log.Events()) != 0 {
		t.Error("expected no event recorded")
	}
}

func TestReadFile_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := Create(path, "run-1", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	log.Append("t0", "s", "a", map[string]any{"i": 1})
	log.Append("t1", "s", "b", map[string]any{"i": 2})
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	events, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "a" || events[1].Type != "b" {
		t.Errorf("unexpected event order: %+v", events)
	}
}

func TestComputeIntegrityDigest_RoundTrips(t *testing.T) {
	report := types.RunReport{
		SchemaVersion: types.ReportSchemaVersion,
		RunID:         "run-1",
		Integrity:     types.ReportIntegrity{Digest: "sha256:deadbeef"},
	}
	digest, err := ComputeIntegrityDigest(report)
	if err != nil {
		t.Fatal(err)
	}
	if digest == "" || digest == "sha256:deadbeef" {
		t.Errorf("expected a freshly computed digest, got %s", digest)
	}
	report.Integrity.Digest = digest
	redo, err := ComputeIntegrityDigest(report)
	if err != nil {
		t.Fatal(err)
	}
	if redo != digest {
		t.Errorf("expected stable digest across re-computation, got %s != %s", redo, digest)
	}
}

