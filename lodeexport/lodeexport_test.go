package lodeexport

import (
	"testing"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/safe-run/evidence"
)

func sampleEvents() []evidence.Event {
	return []evidence.Event{
		{
			Timestamp: "2026-07-31T00:00:00Z",
			RunID:     "run-1",
			Stage:     "compile",
			Type:      "compile",
			Payload:   map[string]any{"ok": true},
			HashPrev:  evidence.GenesisHash,
			HashSelf:  "sha256:" + repeatHex("a"),
		},
		{
			Timestamp: "2026-07-31T00:00:01Z",
			RunID:     "run-1",
			Stage:     "run",
			Type:      "vm.started",
			Payload:   map[string]any{"pid": 4242},
			HashPrev:  "sha256:" + repeatHex("a"),
			HashSelf:  "sha256:" + repeatHex("b"),
		},
	}
}

func repeatHex(ch string) string {
	out := ""
	for i := 0; i < 64; i++ {
		out += ch
	}
	return out
}

func TestExporter_ExportEvents(t *testing.T) {
	exporter, err := New(Config{Source: "test-fleet", Category: "seed-policy"}, lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := exporter.ExportEvents(t.Context(), "run-1", sampleEvents()); err != nil {
		t.Fatalf("export events: %v", err)
	}
}

func TestExporter_ExportEvents_EmptyIsNoop(t *testing.T) {
	exporter, err := New(Config{}, lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := exporter.ExportEvents(t.Context(), "run-1", nil); err != nil {
		t.Fatalf("expected no-op for empty events, got %v", err)
	}
}

func TestDeriveDay_ParsesTimestamp(t *testing.T) {
	if got := deriveDay("2026-07-31T12:34:56Z"); got != "2026-07-31" {
		t.Errorf("expected 2026-07-31, got %s", got)
	}
}

func TestDeriveDay_FallsBackOnMalformedTimestamp(t *testing.T) {
	if got := deriveDay("not-a-timestamp"); got == "" {
		t.Error("expected a non-empty fallback day")
	}
}
