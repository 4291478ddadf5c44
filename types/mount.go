package types

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Mount is a single bind-mount request from host into guest.
//
// Input documents may spell Source/Target as hostPath/guestPath, and
// may omit readOnly entirely (defaulting to false, which the validator
// then rejects per POL-103 — mounts must be explicitly read-only).
type Mount struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"readOnly" json:"readOnly"`
}

// mountAlias is the permissive wire shape accepted on input; both the
// canonical and aliased field names are recognized.
type mountAlias struct {
	Source    string `yaml:"source" json:"source"`
	HostPath  string `yaml:"hostPath" json:"hostPath"`
	Target    string `yaml:"target" json:"target"`
	GuestPath string `yaml:"guestPath" json:"guestPath"`
	ReadOnly  *bool  `yaml:"readOnly" json:"readOnly"`
}

func (m *Mount) fromAlias(a mountAlias) {
	m.Source = firstNonEmpty(a.Source, a.HostPath)
	m.Target = firstNonEmpty(a.Target, a.GuestPath)
	if a.ReadOnly != nil {
		m.ReadOnly = *a.ReadOnly
	}
}

// UnmarshalYAML implements the yaml.v3 node-decoder interface, accepting
// hostPath/guestPath as aliases for source/target.
func (m *Mount) UnmarshalYAML(value *yaml.Node) error {
	var a mountAlias
	if err := value.Decode(&a); err != nil {
		return err
	}
	m.fromAlias(a)
	return nil
}

// UnmarshalJSON accepts the same aliases as UnmarshalYAML for JSON input.
func (m *Mount) UnmarshalJSON(data []byte) error {
	var a mountAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.fromAlias(a)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
