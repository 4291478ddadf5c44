// Package netlifecycle manages the tap interface and nftables
// allowlist rules for one run's egress-filtered network: apply,
// hit-count sampling, and release. All OS interaction goes through the
// Shell interface so the lifecycle can be driven by an in-memory fake
// in tests.
package netlifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/justapithecus/safe-run/errcode"
	"github.com/justapithecus/safe-run/types"
)

// maxIfNameLen mirrors Linux's IFNAMSIZ-1.
const maxIfNameLen = 15

// Shell runs one external command and returns combined stdout+stderr.
// OSShell is the production implementation (ip/nft); tests substitute
// an in-memory fake.
type Shell interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Lifecycle drives tap/nft resources for one run via a Shell.
type Lifecycle struct {
	shell Shell
}

// New builds a Lifecycle over the given Shell.
func New(shell Shell) *Lifecycle {
	return &Lifecycle{shell: shell}
}

// TapName materializes plan.TapNameTemplate for runID, falling back to
// a hash-suffixed name if the substituted result would exceed
// IFNAMSIZ-1.
func TapName(template, runID string) string {
	name := strings.ReplaceAll(template, "<runId>", runID)
	if len(name) <= maxIfNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(runID))
	return fmt.Sprintf("sr-tap-%s", hex.EncodeToString(sum[:])[:8])
}

// runHash derives the stable per-run token embedded in every rule
// comment, so a crash-reconciler could later scan by prefix alone.
func runHash(runID string) string {
	sum := sha256.Sum256([]byte(runID))
	return hex.EncodeToString(sum[:])[:12]
}

func allowComment(hash string, ruleIdx, targetIdx int) string {
	return fmt.Sprintf("safe_run_%s_allow_%d_%d", hash, ruleIdx, targetIdx)
}

func blockComment(hash string, ruleIdx, targetIdx int) string {
	return fmt.Sprintf("safe_run_%s_block_%d_%d", hash, ruleIdx, targetIdx)
}

func defaultDropComment(hash, chain string) string {
	return fmt.Sprintf("safe_run_%s_default_drop_%s", hash, chain)
}

// resolvedTarget is one concrete IPv4 CIDR a rule applies to, after DNS
// resolution for host rules.
type resolvedTarget struct {
	cidr string
}

func resolveRuleTargets(ctx context.Context, rule types.NetworkRulePlan) ([]resolvedTarget, error) {
	if rule.IsCIDR {
		return []resolvedTarget{{cidr: rule.Target}}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", rule.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", rule.Target, err)
	}
	seen := make(map[string]bool)
	var targets []resolvedTarget
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		cidr := v4.String() + "/32"
		if seen[cidr] {
			continue
		}
		seen[cidr] = true
		targets = append(targets, resolvedTarget{cidr: cidr})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("host %q resolved to zero IPv4 addresses", rule.Target)
	}
	return targets, nil
}

// Apply materializes the tap, table, chains, and allow/block/default-drop
// rules for plan, then hydrates rule handles by re-listing each chain.
func (l *Lifecycle) Apply(ctx context.Context, runID string, plan *types.NetworkPlan) (*types.AppliedNetwork, *errcode.Error) {
	if plan == nil {
		return nil, errcode.New(errcode.RUN201, "launch.network.apply", "nil network plan")
	}

	applied := &types.AppliedNetwork{
		Table:              plan.Table,
		Chains:             map[string]bool{},
		DefaultDropHandles: map[string]string{},
	}

	tap := TapName(plan.TapNameTemplate, runID)
	applied.TapName = tap
	created, err := l.ensureTap(ctx, tap)
	if err != nil {
		return nil, errcode.New(errcode.RUN201, "launch.network.apply", err.Error())
	}
	applied.TapCreated = created

	tableCreated, err := l.ensureTable(ctx, plan.Table)
	if err != nil {
		return nil, errcode.New(errcode.RUN201, "launch.network.apply", err.Error())
	}
	applied.TableCreated = tableCreated

	chainCreated, err := l.ensureChain(ctx, plan.Table, plan.ForwardChain)
	if err != nil {
		return nil, errcode.New(errcode.RUN201, "launch.network.apply", err.Error())
	}
	applied.Chains[plan.ForwardChain] = chainCreated

	hash := runHash(runID)
	for ruleIdx, rule := range plan.Rules {
		targets, err := resolveRuleTargets(ctx, rule)
		if err != nil {
			return nil, errcode.New(errcode.RUN201, "launch.network.dns", err.Error())
		}
		for targetIdx, target := range targets {
			ar := types.AppliedRule{
				RuleIndex:    ruleIdx,
				TargetIndex:  targetIdx,
				Protocol:     rule.Protocol,
				Port:         rule.Port,
				Target:       target.cidr,
				Chain:        plan.ForwardChain,
				AllowComment: allowComment(hash, ruleIdx, targetIdx),
				BlockComment: blockComment(hash, ruleIdx, targetIdx),
			}
			if err := l.addAllowRule(ctx, plan.Table, plan.ForwardChain, rule.Protocol, rule.Port, target.cidr, ar.AllowComment); err != nil {
				return nil, errcode.New(errcode.RUN201, "launch.network.apply", err.Error())
			}
			if err := l.addBlockRule(ctx, plan.Table, plan.ForwardChain, rule.Protocol, rule.Port, target.cidr, ar.BlockComment); err != nil {
				return nil, errcode.New(errcode.RUN201, "launch.network.apply", err.Error())
			}
			applied.Rules = append(applied.Rules, ar)
		}
	}

	dropComments := map[string]string{plan.ForwardChain: defaultDropComment(hash, plan.ForwardChain)}
	if err := l.addDefaultDrop(ctx, plan.Table, plan.ForwardChain, dropComments[plan.ForwardChain]); err != nil {
		return nil, errcode.New(errcode.RUN201, "launch.network.apply", err.Error())
	}

	if err := l.hydrateHandles(ctx, applied, dropComments); err != nil {
		return nil, errcode.New(errcode.RUN201, "launch.network.apply", err.Error())
	}
	return applied, nil
}

// SampleRuleHits re-lists each chain with handles and maps allow/block
// packet counters back to their originating rule. A rule whose comment
// cannot be found, or whose counter cannot be parsed, contributes zero
// hits rather than an error (the permissive default for an unrecognized
// counter line).
func (l *Lifecycle) SampleRuleHits(ctx context.Context, applied *types.AppliedNetwork) ([]types.NetworkRuleHit, *errcode.Error) {
	if applied == nil {
		return nil, nil
	}
	lines, err := l.listChainVerbose(ctx, applied.Table, chainsOf(applied))
	if err != nil {
		return nil, errcode.New(errcode.RUN201, "cleanup.network.sample", err.Error())
	}
	counters := parseRuleCounters(lines)

	hits := make([]types.NetworkRuleHit, 0, len(applied.Rules))
	for _, r := range applied.Rules {
		hits = append(hits, types.NetworkRuleHit{
			RuleIndex:   r.RuleIndex,
			TargetIndex: r.TargetIndex,
			Chain:       r.Chain,
			Protocol:    r.Protocol,
			Target:      r.Target,
			Port:        r.Port,
			AllowedHits: counters[r.AllowComment].packets,
			BlockedHits: counters[r.BlockComment].packets,
		})
	}
	return hits, nil
}

// Release tears down everything recorded in applied, accumulating every
// error it encounters rather than stopping at the first.
func (l *Lifecycle) Release(ctx context.Context, applied *types.AppliedNetwork) *errcode.Error {
	if applied == nil {
		return nil
	}
	var msgs []string

	for _, r := range applied.Rules {
		if r.AllowHandle != "" {
			if err := l.deleteRule(ctx, applied.Table, r.Chain, r.AllowHandle); err != nil {
				msgs = append(msgs, err.Error())
			}
		}
		if r.BlockHandle != "" {
			if err := l.deleteRule(ctx, applied.Table, r.Chain, r.BlockHandle); err != nil {
				msgs = append(msgs, err.Error())
			}
		}
	}
	for chain, handle := range applied.DefaultDropHandles {
		if err := l.deleteRule(ctx, applied.Table, chain, handle); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	for chain, createdByUs := range applied.Chains {
		if !createdByUs {
			continue
		}
		if err := l.deleteChain(ctx, applied.Table, chain); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if applied.TableCreated {
		if err := l.deleteTable(ctx, applied.Table); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if applied.TapCreated {
		if err := l.deleteTap(ctx, applied.TapName); err != nil {
			msgs = append(msgs, err.Error())
		}
	}

	if len(msgs) == 0 {
		return nil
	}
	return errcode.New(errcode.RUN202, "cleanup.network.release", strings.Join(msgs, "; "))
}

func chainsOf(applied *types.AppliedNetwork) []string {
	chains := make([]string, 0, len(applied.Chains))
	for c := range applied.Chains {
		chains = append(chains, c)
	}
	return chains
}

// --- Shell-driving primitives ---

func (l *Lifecycle) ensureTap(ctx context.Context, tap string) (bool, error) {
	if _, err := l.shell.Run(ctx, "ip", "link", "show", tap); err == nil {
		return false, nil
	}
	if _, err := l.shell.Run(ctx, "ip", "tuntap", "add", "dev", tap, "mode", "tap"); err != nil {
		return false, fmt.Errorf("create tap %s: %w", tap, err)
	}
	if _, err := l.shell.Run(ctx, "ip", "link", "set", tap, "up"); err != nil {
		return true, fmt.Errorf("bring up tap %s: %w", tap, err)
	}
	return true, nil
}

func (l *Lifecycle) deleteTap(ctx context.Context, tap string) error {
	if _, err := l.shell.Run(ctx, "ip", "link", "delete", tap); err != nil {
		return fmt.Errorf("delete tap %s: %w", tap, err)
	}
	return nil
}

func (l *Lifecycle) ensureTable(ctx context.Context, table string) (bool, error) {
	if _, err := l.shell.Run(ctx, "nft", "list", "table", "inet", table); err == nil {
		return false, nil
	}
	if _, err := l.shell.Run(ctx, "nft", "add", "table", "inet", table); err != nil {
		return false, fmt.Errorf("create table %s: %w", table, err)
	}
	return true, nil
}

func (l *Lifecycle) deleteTable(ctx context.Context, table string) error {
	if _, err := l.shell.Run(ctx, "nft", "delete", "table", "inet", table); err != nil {
		return fmt.Errorf("delete table %s: %w", table, err)
	}
	return nil
}

func (l *Lifecycle) ensureChain(ctx context.Context, table, chain string) (bool, error) {
	if _, err := l.shell.Run(ctx, "nft", "list", "chain", "inet", table, chain); err == nil {
		return false, nil
	}
	spec := fmt.Sprintf("{ type filter hook %s priority 0; policy accept; }", chain)
	if _, err := l.shell.Run(ctx, "nft", "add", "chain", "inet", table, chain, spec); err != nil {
		return false, fmt.Errorf("create chain %s: %w", chain, err)
	}
	return true, nil
}

func (l *Lifecycle) deleteChain(ctx context.Context, table, chain string) error {
	if _, err := l.shell.Run(ctx, "nft", "delete", "chain", "inet", table, chain); err != nil {
		return fmt.Errorf("delete chain %s: %w", chain, err)
	}
	return nil
}

func (l *Lifecycle) addAllowRule(ctx context.Context, table, chain, protocol string, port int, target, comment string) error {
	rule := fmt.Sprintf("ip daddr %s %s dport %d counter accept comment \"%s\"", target, protocol, port, comment)
	if _, err := l.shell.Run(ctx, "nft", "add", "rule", "inet", table, chain, rule); err != nil {
		return fmt.Errorf("add allow rule %s: %w", comment, err)
	}
	return nil
}

func (l *Lifecycle) addBlockRule(ctx context.Context, table, chain, protocol string, port int, target, comment string) error {
	rule := fmt.Sprintf("ip daddr != %s %s dport %d counter drop comment \"%s\"", target, protocol, port, comment)
	if _, err := l.shell.Run(ctx, "nft", "add", "rule", "inet", table, chain, rule); err != nil {
		return fmt.Errorf("add block rule %s: %w", comment, err)
	}
	return nil
}

func (l *Lifecycle) addDefaultDrop(ctx context.Context, table, chain, comment string) error {
	rule := fmt.Sprintf("counter drop comment \"%s\"", comment)
	if _, err := l.shell.Run(ctx, "nft", "add", "rule", "inet", table, chain, rule); err != nil {
		return fmt.Errorf("add default drop %s: %w", comment, err)
	}
	return nil
}

func (l *Lifecycle) deleteRule(ctx context.Context, table, chain, handle string) error {
	if _, err := l.shell.Run(ctx, "nft", "delete", "rule", "inet", table, chain, "handle", handle); err != nil {
		return fmt.Errorf("delete rule handle %s in %s: %w", handle, chain, err)
	}
	return nil
}

func (l *Lifecycle) listChainVerbose(ctx context.Context, table string, chains []string) (string, error) {
	var all strings.Builder
	for _, chain := range chains {
		out, err := l.shell.Run(ctx, "nft", "-a", "list", "chain", "inet", table, chain)
		if err != nil {
			return "", fmt.Errorf("list chain %s: %w", chain, err)
		}
		all.WriteString(out)
		all.WriteString("\n")
	}
	return all.String(), nil
}

// hydrateHandles re-lists every chain touched by applied and fills in
// AllowHandle/BlockHandle/DefaultDropHandles by matching on comment.
func (l *Lifecycle) hydrateHandles(ctx context.Context, applied *types.AppliedNetwork, dropComments map[string]string) error {
	out, err := l.listChainVerbose(ctx, applied.Table, chainsOf(applied))
	if err != nil {
		return err
	}
	handles := parseRuleHandles(out)

	for i := range applied.Rules {
		r := &applied.Rules[i]
		if h, ok := handles[r.AllowComment]; ok {
			r.AllowHandle = h
		}
		if h, ok := handles[r.BlockComment]; ok {
			r.BlockHandle = h
		}
	}
	for chain, comment := range dropComments {
		if h, ok := handles[comment]; ok {
			applied.DefaultDropHandles[chain] = h
		}
	}
	return nil
}

var ruleLinePattern = regexp.MustCompile(`comment "([^"]+)".*# handle (\d+)`)
var counterPattern = regexp.MustCompile(`packets (\d+) bytes (\d+)`)

type ruleCounter struct {
	packets int64
}

// parseRuleHandles extracts comment -> handle from `nft -a list chain`
// text output.
func parseRuleHandles(output string) map[string]string {
	handles := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		m := ruleLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		handles[m[1]] = m[2]
	}
	return handles
}

// parseRuleCounters extracts comment -> packet count. A line whose
// counter segment is missing or malformed is simply absent from the
// map, which SampleRuleHits treats as zero hits.
func parseRuleCounters(output string) map[string]ruleCounter {
	counters := make(map[string]ruleCounter)
	for _, line := range strings.Split(output, "\n") {
		m := ruleLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		cm := counterPattern.FindStringSubmatch(line)
		if cm == nil {
			counters[m[1]] = ruleCounter{packets: 0}
			continue
		}
		n, err := strconv.ParseInt(cm[1], 10, 64)
		if err != nil {
			n = 0
		}
		counters[m[1]] = ruleCounter{packets: n}
	}
	return counters
}

// OSShell runs commands via the real ip/nft binaries on PATH.
type OSShell struct{}

func (OSShell) Run(ctx context.Context, name string, args ...string) (string, error) {
	return runCommand(ctx, name, args...)
}
