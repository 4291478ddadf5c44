package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/safe-run/policyvalidator"
	"github.com/justapithecus/safe-run/types"
)

// ValidateCommand returns the validate command: parses a policy and its
// mount allowlist and prints the resulting ValidationResult.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a policy against the mount allowlist and schema rules",
		Flags: []cli.Flag{policyFlag, mountAllowlistFlag},
		Action: func(c *cli.Context) error {
			result, err := runValidate(c.String("policy"), c.String("mount-allowlist"))
			if err != nil {
				return cli.Exit(err.Error(), exitFailure)
			}
			if !result.Valid {
				return jsonExit(result, exitFailure)
			}
			return jsonExit(result, exitSuccess)
		},
	}
}

func runValidate(policyPath, allowlistPath string) (*types.ValidationResult, error) {
	data, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("read policy %q: %w", policyPath, err)
	}
	policy, err := policyvalidator.ParsePolicyYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", policyPath, err)
	}
	allowlist, err := policyvalidator.ResolveAllowlist(allowlistPath)
	if err != nil {
		return nil, fmt.Errorf("resolve mount allowlist: %w", err)
	}
	return policyvalidator.Validate(policy, allowlist), nil
}
