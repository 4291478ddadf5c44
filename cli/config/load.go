package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the safe-run config file at path, expands its ${VAR} /
// ${VAR:-default} references against the process environment, and
// decodes the result into a Config. Fields not recognized by Config (or
// any of its nested structs) are rejected rather than silently ignored,
// so a typo in archive.retension surfaces at load time instead of as a
// missing setting at run time.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("safe-run config: %s does not exist", path)
		}
		return nil, fmt.Errorf("safe-run config: reading %s: %w", path, err)
	}

	expanded := ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("safe-run config: %s is not valid: %w", path, err)
	}

	return &cfg, nil
}
