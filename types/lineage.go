package types

import (
	"errors"
	"fmt"
)

// RunMeta carries run identity and retry lineage for a single run.
// It is pure bookkeeping folded into evidence payloads and the final
// report: it never changes the state machine or evidence-chain
// invariants of the runner.
type RunMeta struct {
	// RunID is the canonical run identifier. Must be globally unique.
	RunID string `json:"runId"`
	// ParentRunID links a retried run to its predecessor. Nil for a
	// fresh run.
	ParentRunID *string `json:"parentRunId,omitempty"`
	// Attempt is the attempt number, starting at 1.
	Attempt int `json:"attempt"`
}

// Validate checks lineage rules:
//   - attempt >= 1
//   - attempt == 1 implies parentRunId is nil (fresh run)
//   - attempt > 1 implies parentRunId is set (retry)
func (r *RunMeta) Validate() error {
	if r.RunID == "" {
		return errors.New("runId must be non-empty")
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", r.Attempt)
	}
	if r.Attempt == 1 && r.ParentRunID != nil {
		return errors.New("fresh run (attempt=1) must not have a parentRunId")
	}
	if r.Attempt > 1 && r.ParentRunID == nil {
		return fmt.Errorf("retry run (attempt=%d) must have a parentRunId", r.Attempt)
	}
	return nil
}
