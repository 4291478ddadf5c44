// Package types defines the domain model shared across the validate ->
// compile -> run -> verify -> archive pipeline: policy input, compiled
// bundle, prepared run, evidence event, and run report shapes.
package types

// SchemaTag is the only accepted PolicySpec.APIVersion value.
const SchemaTag = "policy.safe-run.dev/v1alpha1"

// NetworkMode selects whether a run gets network access at all.
type NetworkMode string

const (
	NetworkModeNone      NetworkMode = "none"
	NetworkModeAllowlist NetworkMode = "allowlist"
)

// PolicySpec is the top-level user-authored sandbox policy document.
type PolicySpec struct {
	APIVersion string         `yaml:"apiVersion" json:"apiVersion"`
	Metadata   PolicyMetadata `yaml:"metadata" json:"metadata"`
	Runtime    RuntimeSpec    `yaml:"runtime" json:"runtime"`
	Resources  ResourceSpec   `yaml:"resources" json:"resources"`
	Network    NetworkSpec    `yaml:"network" json:"network"`
	Mounts     []Mount        `yaml:"mounts" json:"mounts"`
	Notify     *NotifyConfig  `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// PolicyMetadata carries the human-facing identity of a policy.
type PolicyMetadata struct {
	Name string `yaml:"name" json:"name"`
}

// RuntimeSpec describes the command executed inside the guest.
type RuntimeSpec struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// ResourceSpec caps the guest's cpu and memory.
type ResourceSpec struct {
	CPU    CPUSpec    `yaml:"cpu" json:"cpu"`
	Memory MemorySpec `yaml:"memory" json:"memory"`
}

// CPUSpec wraps the cgroup v2 cpu.max quota/period pair.
type CPUSpec struct {
	Max CPUQuota `yaml:"max" json:"max"`
}

// CPUQuota mirrors resources.CPUQuota for the policy input shape, kept
// as a distinct type here so the types package has no dependency on
// resources (which depends on nothing, and is imported the other way
// round by policyvalidator/compiler).
type CPUQuota struct {
	Quota  int64 `yaml:"quota" json:"quota"`
	Period int64 `yaml:"period" json:"period"`
}

// MemorySpec caps guest memory via a Ki/Mi/Gi suffixed quantity.
type MemorySpec struct {
	Max string `yaml:"max" json:"max"`
}

// NetworkSpec controls the guest's egress-filtered network access.
type NetworkSpec struct {
	Mode   NetworkMode         `yaml:"mode" json:"mode"`
	Egress []NetworkEgressRule `yaml:"egress,omitempty" json:"egress,omitempty"`
}

// NetworkEgressRule allowlists one destination/port/protocol tuple.
// Exactly one of Host or CIDR must be set.
type NetworkEgressRule struct {
	Protocol string `yaml:"protocol" json:"protocol"`
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	CIDR     string `yaml:"cidr,omitempty" json:"cidr,omitempty"`
	Port     int    `yaml:"port" json:"port"`
}

// NotifyConfig is the optional best-effort run-completion notification
// sink configuration.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhookURL,omitempty" json:"webhookURL,omitempty"`
	RedisURL   string `yaml:"redisURL,omitempty" json:"redisURL,omitempty"`
}

// MountAllowlist bounds which host/guest path prefixes a Mount may use.
type MountAllowlist struct {
	SchemaVersion      string   `yaml:"schemaVersion" json:"schemaVersion"`
	HostAllowPrefixes  []string `yaml:"hostAllowPrefixes" json:"hostAllowPrefixes"`
	GuestAllowPrefixes []string `yaml:"guestAllowPrefixes" json:"guestAllowPrefixes"`
}

// ValidationError is one POL-xxx/CMP-xxx finding raised during validate.
type ValidationError struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult is the output of policyvalidator.Validate.
type ValidationResult struct {
	Valid            bool              `json:"valid"`
	Errors           []ValidationError `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	NormalizedPolicy *PolicySpec       `json:"normalizedPolicy,omitempty"`
}
