package types

// CompileBundle is the deterministic output of the compiler: everything
// the runner needs to prepare and launch a run, plus the evidence event
// set this particular bundle is allowed to emit.
type CompileBundle struct {
	MachineConfig MachineConfig `json:"machineConfig"`
	BootSource    BootSource    `json:"bootSource"`
	Drives        []Drive       `json:"drives"`
	Rootfs        RootfsConfig  `json:"rootfs"`
	JailerOps     []string      `json:"jailerOps"`
	CgroupOps     []string      `json:"cgroupOps"`
	MountPlan     MountPlan     `json:"mountPlan"`
	NetworkPlan   *NetworkPlan  `json:"networkPlan,omitempty"`
	EvidencePlan  EvidencePlan  `json:"evidencePlan"`
}

// MachineConfig is the Firecracker machine-config document.
type MachineConfig struct {
	VCPUCount  int   `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
}

// BootSource is the Firecracker boot-source document.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

// Drive is one Firecracker block device.
type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// RootfsConfig is the root filesystem document.
type RootfsConfig struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly"`
}

// MountPlan is the ordered list of bind-mounts the runner applies.
type MountPlan struct {
	Mounts []MountOp `json:"mounts"`
}

// MountOp is one normalized bind-mount operation.
type MountOp struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// NetworkPlan is the nftables/tap plan the runner applies when the
// policy requests allowlisted egress. Nil when network.mode == none.
type NetworkPlan struct {
	TapNameTemplate string            `json:"tapNameTemplate"`
	Table           string            `json:"table"`
	ForwardChain    string            `json:"forwardChain"`
	Rules           []NetworkRulePlan `json:"rules"`
}

// NetworkRulePlan is one compiled egress rule.
type NetworkRulePlan struct {
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
	Target   string `json:"target"` // host or CIDR, verbatim from policy
	IsCIDR   bool   `json:"isCIDR"`
}

// EvidencePlan is the fixed set of event type identifiers this bundle
// may emit; the runner gates every event write against this set.
type EvidencePlan struct {
	Events []string `json:"events"`
}
