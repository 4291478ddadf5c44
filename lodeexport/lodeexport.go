// Package lodeexport mirrors a run's evidence events into a secondary,
// Hive-partitioned Lode dataset. This mirror is strictly additive: the
// JSONL evidence log remains the sole authoritative record, and a
// lodeexport failure never affects run outcome or archival.
package lodeexport

import (
	"context"
	"fmt"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/safe-run/evidence"
)

// DefaultDataset is the default Lode dataset name for the evidence mirror.
const DefaultDataset = "safe-run"

// Config configures the evidence mirror's Hive partition keys.
type Config struct {
	// Dataset is the Lode dataset ID (default DefaultDataset).
	Dataset string
	// Source is the partition key for the originating host/fleet.
	Source string
	// Category is the partition key for the policy name producing this run.
	Category string
}

// Exporter mirrors evidence events to a Lode dataset partitioned by
// source/category/day/run_id/event_type, matching the teacher's
// HiveLayout convention.
type Exporter struct {
	dataset lode.Dataset
	config  Config
}

// New creates an Exporter writing through factory (e.g. lode.NewFSFactory
// or an S3-backed factory).
func New(cfg Config, factory lode.StoreFactory) (*Exporter, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}

	ds, err := lode.NewDataset(
		lode.DatasetID(cfg.Dataset),
		factory,
		lode.WithHiveLayout("source", "category", "day", "run_id", "event_type"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("lodeexport: create dataset: %w", err)
	}

	return &Exporter{dataset: ds, config: cfg}, nil
}

// ExportEvents mirrors events for runID. Every record carries the full
// evidence event plus the Hive partition keys the layout requires.
func (e *Exporter) ExportEvents(ctx context.Context, runID string, events []evidence.Event) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]any, 0, len(events))
	for _, ev := range events {
		records = append(records, map[string]any{
			"timestamp":  ev.Timestamp,
			"run_id":     ev.RunID,
			"stage":      ev.Stage,
			"type":       ev.Type,
			"payload":    ev.Payload,
			"hash_prev":  ev.HashPrev,
			"hash_self":  ev.HashSelf,
			"source":     e.config.Source,
			"category":   e.config.Category,
			"day":        deriveDay(ev.Timestamp),
			"event_type": ev.Type,
		})
	}

	if _, err := e.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return fmt.Errorf("lodeexport: write %s: %w", runID, err)
	}
	return nil
}

// deriveDay extracts the UTC day (YYYY-MM-DD) from an RFC3339Nano
// event timestamp, falling back to today's date if it fails to parse.
func deriveDay(timestamp string) string {
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return time.Now().UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01-02")
}
