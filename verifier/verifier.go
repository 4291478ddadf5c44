// Package verifier re-checks an archived RunReport's three independent
// integrity properties: its schema version, its event-chain hashes,
// and its artifact/integrity digests. Every check is pure and
// stateless — it only reads the report passed in.
package verifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/justapithecus/safe-run/errcode"
	"github.com/justapithecus/safe-run/evidence"
	"github.com/justapithecus/safe-run/types"
)

// CheckName identifies one of the three independent verifier checks.
type CheckName string

const (
	CheckSchema      CheckName = "schema"
	CheckEventChain  CheckName = "event_chain"
	CheckArtifactHash CheckName = "artifact_hash"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name   CheckName `json:"name"`
	Passed bool      `json:"passed"`
	Detail string    `json:"detail,omitempty"`
}

// Result is the overall verification outcome: all checks plus whether
// every one of them passed.
type Result struct {
	Passed bool          `json:"passed"`
	Checks []CheckResult `json:"checks"`
}

var sha256HexPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// Verify runs all three checks against report and returns their
// combined outcome. It never returns an *errcode.Error itself — a
// failed check is reported as CheckResult.Passed=false, not as an
// error return, since "verification found a mismatch" is the expected
// and reportable result of running this function, not a failure to
// run it.
func Verify(report *types.RunReport) *Result {
	checks := []CheckResult{
		verifySchema(report),
		verifyEventChain(report),
		verifyArtifactHashes(report),
	}
	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
		}
	}
	return &Result{Passed: passed, Checks: checks}
}

// FailureCode maps a failed check to its EVD-3xx taxonomy code; used
// by callers that need to surface an *errcode.Error rather than a
// Result (e.g. the CLI's verify command on a failed check).
func FailureCode(name CheckName) errcode.Code {
	switch name {
	case CheckSchema:
		return errcode.EVD301
	case CheckArtifactHash:
		return errcode.EVD302
	case CheckEventChain:
		return errcode.EVD303
	default:
		return errcode.EVD301
	}
}

func verifySchema(report *types.RunReport) CheckResult {
	if report.SchemaVersion != types.ReportSchemaVersion {
		return CheckResult{
			Name:   CheckSchema,
			Passed: false,
			Detail: fmt.Sprintf("schemaVersion %q does not match %q", report.SchemaVersion, types.ReportSchemaVersion),
		}
	}
	if report.RunID == "" {
		return CheckResult{Name: CheckSchema, Passed: false, Detail: "runId must be non-empty"}
	}
	return CheckResult{Name: CheckSchema, Passed: true}
}

// verifyEventChain recomputes every event's hashSelf independently and
// confirms hashPrev/hashSelf form an unbroken chain rooted at genesis.
func verifyEventChain(report *types.RunReport) CheckResult {
	events := report.Events
	prev := evidence.GenesisHash
	for i, e := range events {
		if e.HashPrev != prev {
			return CheckResult{
				Name:   CheckEventChain,
				Passed: false,
				Detail: fmt.Sprintf("event[%d] hashPrev %q does not match predecessor hashSelf %q", i, e.HashPrev, prev),
			}
		}
		derived, err := evidence.DeriveHash(e.HashPrev, e.Timestamp, report.RunID, e.Stage, e.Type, e.Payload)
		if err != nil {
			return CheckResult{
				Name:   CheckEventChain,
				Passed: false,
				Detail: fmt.Sprintf("event[%d]: failed to derive hash: %s", i, err),
			}
		}
		if derived != e.HashSelf {
			return CheckResult{
				Name:   CheckEventChain,
				Passed: false,
				Detail: fmt.Sprintf("event[%d] hashSelf %q does not match recomputed %q", i, e.HashSelf, derived),
			}
		}
		prev = e.HashSelf
	}
	return CheckResult{Name: CheckEventChain, Passed: true}
}

// verifyArtifactHashes confirms every recorded artifact hash is
// well-formed and that the report's embedded integrity digest matches
// a fresh recomputation over the report with that digest zeroed.
func verifyArtifactHashes(report *types.RunReport) CheckResult {
	for _, h := range []struct {
		name, value string
	}{
		{"kernelHash", report.Artifacts.KernelHash},
		{"rootfsHash", report.Artifacts.RootfsHash},
		{"policyHash", report.Artifacts.PolicyHash},
		{"commandHash", report.Artifacts.CommandHash},
	} {
		if !isValidSha256(h.value) {
			return CheckResult{
				Name:   CheckArtifactHash,
				Passed: false,
				Detail: fmt.Sprintf("artifacts.%s %q is not a well-formed sha256: digest", h.name, h.value),
			}
		}
	}

	recomputed, err := evidence.ComputeIntegrityDigest(*report)
	if err != nil {
		return CheckResult{Name: CheckArtifactHash, Passed: false, Detail: fmt.Sprintf("failed to recompute integrity digest: %s", err)}
	}
	if recomputed != report.Integrity.Digest {
		return CheckResult{
			Name:   CheckArtifactHash,
			Passed: false,
			Detail: fmt.Sprintf("integrity.digest %q does not match recomputed %q", report.Integrity.Digest, recomputed),
		}
	}
	return CheckResult{Name: CheckArtifactHash, Passed: true}
}

func isValidSha256(s string) bool {
	return sha256HexPattern.MatchString(strings.ToLower(s))
}

