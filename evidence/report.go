package evidence

import (
	"fmt"

	"github.com/justapithecus/safe-run/canon"
	"github.com/justapithecus/safe-run/types"
)

// ComputeIntegrityDigest canonicalizes report with integrity.digest
// overwritten to the empty string and returns its sha256, prefixed
// "sha256:". The caller is responsible for writing the result back
// into report.Integrity.Digest; this function never mutates its input.
func ComputeIntegrityDigest(report types.RunReport) (string, error) {
	report.Integrity = types.ReportIntegrity{Digest: ""}
	digest, err := canon.Hash(report)
	if err != nil {
		return "", fmt.Errorf("compute integrity digest: %w", err)
	}
	return digest, nil
}

// ToReportEvents converts the log's internal Event shape into the
// ReportEvent shape embedded in a RunReport. Order is preserved.
func ToReportEvents(events []Event) []types.ReportEvent {
	out := make([]types.ReportEvent, len(events))
	for i, e := range events {
		out[i] = types.ReportEvent{
			Timestamp: e.Timestamp,
			Stage:     e.Stage,
			Type:      e.Type,
			Payload:   e.Payload,
			HashPrev:  e.HashPrev,
			HashSelf:  e.HashSelf,
		}
	}
	return out
}
