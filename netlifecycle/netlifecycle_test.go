package netlifecycle

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/justapithecus/safe-run/types"
)

// fakeShell is an in-memory Shell: "nft -a" commands are answered from
// a scripted chain listing, while "nft list" and "ip link show" fail
// (nothing pre-exists); every other command is recorded and succeeds.
// Any command whose joined args contain a failTrigger substring fails.
type fakeShell struct {
	chainListing string
	calls        []string
	failTrigger  string
}

func (f *fakeShell) Run(ctx context.Context, name string, args ...string) (string, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)

	if f.failTrigger != "" && strings.Contains(call, f.failTrigger) {
		return "", fmt.Errorf("simulated failure for %q", call)
	}
	if name == "ip" && len(args) > 0 && args[0] == "link" && args[1] == "show" {
		return "", fmt.Errorf("no such device")
	}
	if name == "nft" && len(args) > 0 && (args[0] == "list") {
		return "", fmt.Errorf("no such table")
	}
	if name == "nft" && len(args) > 0 && args[0] == "-a" {
		return f.chainListing, nil
	}
	return "ok", nil
}

func samplePlan() *types.NetworkPlan {
	return &types.NetworkPlan{
		TapNameTemplate: "sr-tap-<runId>",
		Table:           "safe_run",
		ForwardChain:    "forward",
		Rules: []types.NetworkRulePlan{
			{Protocol: "tcp", Port: 443, Target: "1.1.1.1/32", IsCIDR: true},
		},
	}
}

func TestLifecycle_Apply_CreatesTapTableChain(t *testing.T) {
	shell := &fakeShell{chainListing: ""}
	lc := New(shell)

	applied, err := lc.Apply(context.Background(), "run-1", samplePlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied.TapCreated || !applied.TableCreated || !applied.Chains["forward"] {
		t.Errorf("expected tap/table/chain to be marked as created: %+v", applied)
	}
	if len(applied.Rules) != 1 {
		t.Fatalf("expected 1 applied rule, got %d", len(applied.Rules))
	}
}

func TestLifecycle_SampleRuleHits_MatchesScenario(t *testing.T) {
	hash := runHash("run-1")
	allowComment := allowComment(hash, 0, 0)
	blockComment := blockComment(hash, 0, 0)
	listing := fmt.Sprintf(
		"\trule ip daddr 1.1.1.1/32 tcp dport 443 counter packets 4 bytes 240 accept comment \"%s\" # handle 5\n"+
			"\trule ip daddr != 1.1.1.1/32 tcp dport 443 counter packets 1 bytes 60 drop comment \"%s\" # handle 6\n",
		allowComment, blockComment,
	)
	shell := &fakeShell{chainListing: listing}
	lc := New(shell)

	applied, err := lc.Apply(context.Background(), "run-1", samplePlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.Rules[0].AllowHandle != "5" || applied.Rules[0].BlockHandle != "6" {
		t.Errorf("expected hydrated handles 5/6, got %+v", applied.Rules[0])
	}

	hits, err := lc.SampleRuleHits(context.Background(), applied)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit record, got %d", len(hits))
	}
	if hits[0].AllowedHits != 4 || hits[0].BlockedHits != 1 {
		t.Errorf("expected allowed=4 blocked=1, got allowed=%d blocked=%d", hits[0].AllowedHits, hits[0].BlockedHits)
	}
}

func TestLifecycle_SampleRuleHits_UnparseableCounterDefaultsZero(t *testing.T) {
	hash := runHash("run-1")
	allow := allowComment(hash, 0, 0)
	listing := fmt.Sprintf("\trule ip daddr 1.1.1.1/32 tcp dport 443 accept comment \"%s\" # handle 5\n", allow)
	shell := &fakeShell{chainListing: listing}
	lc := New(shell)

	applied, err := lc.Apply(context.Background(), "run-1", samplePlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hits, err := lc.SampleRuleHits(context.Background(), applied)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits[0].AllowedHits != 0 {
		t.Errorf("expected permissive zero-hit default, got %d", hits[0].AllowedHits)
	}
}

func TestLifecycle_Release_AccumulatesErrors(t *testing.T) {
	hash := runHash("run-1")
	allow := allowComment(hash, 0, 0)
	block := blockComment(hash, 0, 0)
	listing := fmt.Sprintf(
		"\trule accept comment \"%s\" # handle 5\n\trule drop comment \"%s\" # handle 6\n",
		allow, block,
	)
	shell := &fakeShell{chainListing: listing}
	lc := New(shell)

	applied, err := lc.Apply(context.Background(), "run-1", samplePlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shell.failTrigger = "delete rule"
	rerr := lc.Release(context.Background(), applied)
	if rerr == nil {
		t.Fatal("expected a composite release error")
	}
	if rerr.Code != "RUN-202" {
		t.Errorf("expected RUN-202, got %s", rerr.Code)
	}
}

func TestTapName_FallsBackToHashWhenTooLong(t *testing.T) {
	name := TapName("sr-tap-<runId>", "an-extremely-long-run-identifier-that-overflows")
	if len(name) > maxIfNameLen {
		t.Errorf("expected tap name within IFNAMSIZ-1, got %q (%d chars)", name, len(name))
	}
}

func TestTapName_FitsVerbatim(t *testing.T) {
	name := TapName("sr-tap-<runId>", "r1")
	if name != "sr-tap-r1" {
		t.Errorf("expected verbatim substitution, got %q", name)
	}
}
