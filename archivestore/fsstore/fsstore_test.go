package fsstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/justapithecus/safe-run/types"
)

func TestFSStore_WriteReadReportAndIndex(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "archive")

	store, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := store.WriteReport(ctx, "bundle-a", []byte(`{"runId":"a"}`)); err != nil {
		t.Fatalf("write report: %v", err)
	}
	data, err := store.ReadReport(ctx, "bundle-a")
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if string(data) != `{"runId":"a"}` {
		t.Fatalf("unexpected report bytes: %s", data)
	}

	index, err := store.ReadIndex(ctx)
	if err != nil {
		t.Fatalf("read index (missing): %v", err)
	}
	if len(index.Entries) != 0 {
		t.Fatalf("expected empty index, got %+v", index.Entries)
	}

	index.Entries = append(index.Entries, types.ArchiveIndexEntry{BundleID: "bundle-a", RunID: "a", StoredAt: "now", Result: "pass"})
	if err := store.WriteIndex(ctx, index); err != nil {
		t.Fatalf("write index: %v", err)
	}

	reloaded, err := store.ReadIndex(ctx)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(reloaded.Entries) != 1 || reloaded.Entries[0].BundleID != "bundle-a" {
		t.Fatalf("unexpected index: %+v", reloaded.Entries)
	}
}

func TestFSStore_ReadReport_MissingBundle(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.ReadReport(ctx, "does-not-exist"); err == nil {
		t.Fatal("expected an error reading a missing bundle")
	}
}
