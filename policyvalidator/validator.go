// Package policyvalidator parses, normalizes, and validates a PolicySpec
// against a mount allowlist and the network-rule shape rules. It is the
// trust boundary: nothing downstream re-checks path security.
package policyvalidator

import (
	"fmt"
	"net"
	"os"
	"strings"

	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/justapithecus/safe-run/resources"
	"github.com/justapithecus/safe-run/types"
)

// MountAllowlistEnvVar is the environment variable consulted when no
// explicit allowlist path is given.
const MountAllowlistEnvVar = "SAFE_RUN_MOUNT_ALLOWLIST"

// AllowlistSchemaTag is the only accepted MountAllowlist.SchemaVersion.
const AllowlistSchemaTag = "safe-run.mount-allowlist/v1"

// DefaultHostAllowPrefix and DefaultGuestAllowPrefix are used when no
// explicit or env-resolved allowlist file is available.
const (
	DefaultHostAllowPrefix  = "/var/lib/safe-run"
	DefaultGuestAllowPrefix = "/data"
)

// sensitiveHostPrefixes may never be the canonical resolution of a mount
// source, even if nominally inside a host-allow prefix.
var sensitiveHostPrefixes = []string{"/proc", "/sys", "/dev"}

// forbiddenGuestPrefixes may never contain a mount target. "/" is
// special-cased to an exact match since every absolute path has "/" as a
// lexical prefix.
var forbiddenGuestPrefixes = []string{"/", "/proc", "/etc", "/bin", "/sbin", "/usr", "/lib", "/lib64", "/boot", "/dev", "/sys"}

// ParsePolicyYAML decodes a YAML or JSON policy document (YAML is a
// superset, so one decoder handles both).
func ParsePolicyYAML(data []byte) (*types.PolicySpec, error) {
	var spec types.PolicySpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &spec, nil
}

// ParseMountAllowlistYAML decodes a mount allowlist document.
func ParseMountAllowlistYAML(data []byte) (*types.MountAllowlist, error) {
	var a types.MountAllowlist
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse mount allowlist: %w", err)
	}
	return &a, nil
}

// ResolveAllowlist implements the resolution order: explicit path -> env
// var -> built-in default. The built-in default never touches disk.
func ResolveAllowlist(explicitPath string) (*types.MountAllowlist, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv(MountAllowlistEnvVar)
	}
	if path == "" {
		return &types.MountAllowlist{
			SchemaVersion:      AllowlistSchemaTag,
			HostAllowPrefixes:  []string{DefaultHostAllowPrefix},
			GuestAllowPrefixes: []string{DefaultGuestAllowPrefix},
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mount allowlist %q: %w", path, err)
	}
	return ParseMountAllowlistYAML(data)
}

// Validate runs every policy check and, on success, returns a
// normalized clone of the policy alongside a default-deny warning.
func Validate(policy *types.PolicySpec, allowlist *types.MountAllowlist) *types.ValidationResult {
	var errs []types.ValidationError
	add := func(code, path, msg string) {
		errs = append(errs, types.ValidationError{Code: code, Path: path, Message: msg})
	}

	if policy.APIVersion != types.SchemaTag {
		add("POL-002", "apiVersion", fmt.Sprintf("expected %q, got %q", types.SchemaTag, policy.APIVersion))
	}

	name := strings.TrimSpace(policy.Metadata.Name)
	if name == "" {
		add("POL-001", "metadata.name", "must be non-empty")
	}

	command := strings.TrimSpace(policy.Runtime.Command)
	if command == "" {
		add("POL-001", "runtime.command", "must be non-empty")
	}
	args := trimNonEmpty(policy.Runtime.Args)

	if err := resources.ValidateCPUQuota(resources.CPUQuota{
		Quota:  policy.Resources.CPU.Max.Quota,
		Period: policy.Resources.CPU.Max.Period,
	}); err != nil {
		add("POL-002", "resources.cpu.max", err.Error())
	}

	memMiB, err := resources.ParseMemoryMiB(policy.Resources.Memory.Max)
	if err != nil {
		add("POL-002", "resources.memory.max", err.Error())
	}

	switch policy.Network.Mode {
	case types.NetworkModeNone, types.NetworkModeAllowlist:
	default:
		add("POL-002", "network.mode", fmt.Sprintf("unrecognized mode %q", policy.Network.Mode))
	}
	for i, rule := range policy.Network.Egress {
		validateEgressRule(rule, i, add)
	}

	normalizedMounts := make([]types.Mount, 0, len(policy.Mounts))
	for i, m := range policy.Mounts {
		nm, ok := validateMount(m, i, allowlist, add)
		if ok {
			normalizedMounts = append(normalizedMounts, nm)
		}
	}

	result := &types.ValidationResult{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
	if !result.Valid {
		return result
	}

	_ = memMiB // validated above; the MiB value itself belongs to the compiler
	normalized := *policy
	normalized.Metadata.Name = name
	normalized.Runtime.Command = command
	normalized.Runtime.Args = args
	normalized.Mounts = normalizedMounts
	result.Warnings = []string{"default deny policy is active"}
	result.NormalizedPolicy = &normalized
	return result
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		t := strings.TrimSpace(v)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validateEgressRule(rule types.NetworkEgressRule, idx int, add func(code, path, msg string)) {
	base := fmt.Sprintf("network.egress[%d]", idx)

	switch rule.Protocol {
	case "tcp", "udp":
	default:
		add("POL-201", base+".protocol", fmt.Sprintf("must be tcp or udp, got %q", rule.Protocol))
	}

	hasHost := rule.Host != ""
	hasCIDR := rule.CIDR != ""
	switch {
	case hasHost == hasCIDR:
		add("POL-201", base, "exactly one of host or cidr must be set")
	case hasCIDR:
		ip, _, err := net.ParseCIDR(rule.CIDR)
		if err != nil || ip.To4() == nil {
			add("POL-201", base+".cidr", fmt.Sprintf("invalid IPv4 CIDR %q", rule.CIDR))
		}
	}

	if rule.Port < 1 || rule.Port > 65535 {
		add("POL-201", base+".port", fmt.Sprintf("must be in 1..65535, got %d", rule.Port))
	}
}

func validateMount(m types.Mount, idx int, allowlist *types.MountAllowlist, add func(code, path, msg string)) (types.Mount, bool) {
	base := fmt.Sprintf("mounts[%d]", idx)
	ok := true

	source := strings.TrimSpace(m.Source)
	target := strings.TrimSpace(m.Target)

	if source == "" {
		add("POL-002", base+".source", "must be non-empty")
		ok = false
	}
	if target == "" || !filepath.IsAbs(target) {
		add("POL-002", base+".target", "must be a non-empty absolute path")
		ok = false
	}
	if !m.ReadOnly {
		add("POL-103", base+".readOnly", "mounts must be explicitly read-only")
		ok = false
	}

	if source != "" {
		if err := checkHostSource(source, allowlist.HostAllowPrefixes); err != nil {
			add("POL-101", base+".source", err.Error())
			ok = false
		}
	}
	if target != "" && filepath.IsAbs(target) {
		if err := checkGuestTarget(target, allowlist.GuestAllowPrefixes); err != nil {
			add("POL-102", base+".target", err.Error())
			ok = false
		}
	}

	if !ok {
		return types.Mount{}, false
	}
	return types.Mount{Source: source, Target: target, ReadOnly: true}, true
}

// checkHostSource canonicalizes source (resolving symlinks where
// possible) and checks it against the sensitive and allow prefixes.
// Both the lexical and resolved forms must fall inside an allow prefix,
// which catches a source that lexically looks allowed but escapes via a
// symlink.
func checkHostSource(source string, allowPrefixes []string) error {
	lexical := filepath.Clean(source)
	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		resolved = lexical
	}

	for _, p := range sensitiveHostPrefixes {
		if withinPrefix(resolved, p) {
			return fmt.Errorf("resolves inside sensitive host prefix %q", p)
		}
	}

	if !anyPrefix(lexical, allowPrefixes) {
		return fmt.Errorf("outside host allowlist %v", allowPrefixes)
	}
	if !anyPrefix(resolved, allowPrefixes) {
		return fmt.Errorf("canonical form %q escapes host allowlist %v", resolved, allowPrefixes)
	}
	return nil
}

func checkGuestTarget(target string, allowPrefixes []string) error {
	if violatesForbiddenGuestPrefix(target) {
		return fmt.Errorf("target %q is within a forbidden guest prefix", target)
	}
	if !anyPrefix(target, allowPrefixes) {
		return fmt.Errorf("outside guest allowlist %v", allowPrefixes)
	}
	return nil
}

func violatesForbiddenGuestPrefix(target string) bool {
	for _, p := range forbiddenGuestPrefixes {
		if p == "/" {
			if target == "/" {
				return true
			}
			continue
		}
		if withinPrefix(target, p) {
			return true
		}
	}
	return false
}

func anyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if withinPrefix(path, p) {
			return true
		}
	}
	return false
}

// withinPrefix reports whether path equals prefix or is lexically nested
// under it, treating prefix as a directory boundary (not a raw string
// prefix, so "/data-evil" is not considered within "/data").
func withinPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "/"
	}
	if path == prefix {
		return true
	}
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, prefix+"/")
}
