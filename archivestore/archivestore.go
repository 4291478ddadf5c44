// Package archivestore implements the content-addressed, indexed bundle
// store that archives a finished RunReport and lets it be re-loaded and
// re-verified by bundle id. The orchestration in Archive is backend
// agnostic; fsstore and s3store supply the actual bundle/index I/O.
package archivestore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/justapithecus/safe-run/errcode"
	"github.com/justapithecus/safe-run/evidence"
	"github.com/justapithecus/safe-run/types"
)

// Store persists archived bundles and the append-only index that lists
// them. Implementations (fsstore, s3store) only need to move bytes;
// Archive owns the report-stamping and id-generation logic.
type Store interface {
	// WriteReport writes the stamped report JSON for bundleId.
	WriteReport(ctx context.Context, bundleID string, data []byte) error
	// ReadReport reads back a previously written report by bundle id.
	ReadReport(ctx context.Context, bundleID string) ([]byte, error)
	// ReadIndex reads the current index, or a zero-value index if none
	// exists yet.
	ReadIndex(ctx context.Context) (types.ArchiveIndex, error)
	// WriteIndex writes the whole index back (read-modify-write).
	WriteIndex(ctx context.Context, index types.ArchiveIndex) error
}

var sanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeRunID replaces every character outside [A-Za-z0-9_-] with '-',
// so a bundle id is always a safe path component.
func sanitizeRunID(runID string) string {
	return sanitizePattern.ReplaceAllString(runID, "-")
}

// GenerateBundleID builds the content-addressed bundle id
// "bundle-<sanitized-runId>-<nanos>".
func GenerateBundleID(runID string, nanos int64) string {
	return fmt.Sprintf("bundle-%s-%d", sanitizeRunID(runID), nanos)
}

// Archive stamps report with archive/verification metadata, recomputes
// its integrity digest over the stamped clone, writes the bundle, and
// appends an index entry. Every failure is wrapped as OPS-301; report
// itself is never mutated.
func Archive(ctx context.Context, store Store, report types.RunReport, retention string, now time.Time) (types.RunReport, *errcode.Error) {
	bundleID := GenerateBundleID(report.RunID, now.UnixNano())
	storedAt := now.UTC().Format(time.RFC3339Nano)

	stamped := report
	stamped.Archive = &types.ArchiveStamp{
		BundleID:  bundleID,
		StoredAt:  storedAt,
		Retention: retention,
	}
	stamped.Verification = &types.VerificationStamp{
		Algorithm:  "sha256",
		VerifiedAt: storedAt,
		Result:     "pass",
	}

	digest, err := evidence.ComputeIntegrityDigest(stamped)
	if err != nil {
		return types.RunReport{}, errcode.New(errcode.OPS301, "archive", fmt.Sprintf("recompute integrity digest: %s", err))
	}
	stamped.Integrity = types.ReportIntegrity{Digest: digest}

	data, err := canonicalReportJSON(stamped)
	if err != nil {
		return types.RunReport{}, errcode.New(errcode.OPS301, "archive", fmt.Sprintf("encode report: %s", err))
	}

	if err := store.WriteReport(ctx, bundleID, data); err != nil {
		return types.RunReport{}, errcode.New(errcode.OPS301, "archive.bundle", fmt.Sprintf("write bundle %s: %s", bundleID, err))
	}

	index, err := store.ReadIndex(ctx)
	if err != nil {
		return types.RunReport{}, errcode.New(errcode.OPS301, "archive.index", fmt.Sprintf("read index: %s", err))
	}
	index.Entries = append(index.Entries, types.ArchiveIndexEntry{
		BundleID:  bundleID,
		RunID:     report.RunID,
		StoredAt:  storedAt,
		Retention: retention,
		Result:    stamped.Verification.Result,
	})
	if err := store.WriteIndex(ctx, index); err != nil {
		return types.RunReport{}, errcode.New(errcode.OPS301, "archive.index", fmt.Sprintf("write index: %s", err))
	}

	return stamped, nil
}

// Load reads back a previously archived report by bundle id.
func Load(ctx context.Context, store Store, bundleID string) (types.RunReport, *errcode.Error) {
	data, err := store.ReadReport(ctx, bundleID)
	if err != nil {
		return types.RunReport{}, errcode.New(errcode.OPS301, "archive.bundle", fmt.Sprintf("read bundle %s: %s", bundleID, err))
	}
	report, err := decodeReportJSON(data)
	if err != nil {
		return types.RunReport{}, errcode.New(errcode.OPS301, "archive.bundle", fmt.Sprintf("decode bundle %s: %s", bundleID, err))
	}
	return report, nil
}
