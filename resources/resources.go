// Package resources implements the quantity parsing shared by the
// policy validator and the compiler: memory values (Ki/Mi/Gi suffixed)
// and cpu quota/period pairs.
package resources

import (
	"fmt"
	"strconv"
	"strings"
)

// CPUQuota is a cgroup v2 cpu.max quota/period pair, both in microseconds.
type CPUQuota struct {
	Quota  int64 `yaml:"quota" json:"quota"`
	Period int64 `yaml:"period" json:"period"`
}

// ParseMemoryMiB parses a Ki/Mi/Gi suffixed quantity into mebibytes.
//
// Ki values truncate via integer division by 1024 (1024 Ki == 1 Mi);
// this preserves the original system's rounding behavior literally
// rather than rounding to the nearest MiB.
func ParseMemoryMiB(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("memory value must not be empty")
	}

	var unit, numPart string
	switch {
	case strings.HasSuffix(s, "Ki"):
		unit, numPart = "Ki", strings.TrimSuffix(s, "Ki")
	case strings.HasSuffix(s, "Mi"):
		unit, numPart = "Mi", strings.TrimSuffix(s, "Mi")
	case strings.HasSuffix(s, "Gi"):
		unit, numPart = "Gi", strings.TrimSuffix(s, "Gi")
	default:
		return 0, fmt.Errorf("unrecognized memory suffix in %q: must be Ki, Mi, or Gi", s)
	}

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid memory quantity in %q", s)
	}

	switch unit {
	case "Ki":
		return n / 1024, nil
	case "Mi":
		return n, nil
	case "Gi":
		return n * 1024, nil
	default:
		return 0, fmt.Errorf("unreachable memory unit %q", unit)
	}
}

// ValidateCPUQuota checks that a cpu quota/period pair is well-formed.
func ValidateCPUQuota(q CPUQuota) error {
	if q.Quota <= 0 {
		return fmt.Errorf("cpu quota must be > 0, got %d", q.Quota)
	}
	if q.Period <= 0 {
		return fmt.Errorf("cpu period must be > 0, got %d", q.Period)
	}
	return nil
}

// FormatCPUMax renders a CPUQuota in cgroup v2 cpu.max format ("<quota> <period>").
func FormatCPUMax(q CPUQuota) string {
	return fmt.Sprintf("%d %d", q.Quota, q.Period)
}
