package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
)

// Exit codes. Safe-run's error model is strictly binary: 0 success, 2
// any validation/compile/run/verify failure.
const (
	exitSuccess = 0
	exitFailure = 2
)

var policyFlag = &cli.StringFlag{
	Name:     "policy",
	Usage:    "Path to the policy YAML document",
	Required: true,
}

var mountAllowlistFlag = &cli.StringFlag{
	Name:  "mount-allowlist",
	Usage: "Path to a mount allowlist YAML document (overrides SAFE_RUN_MOUNT_ALLOWLIST and the built-in default)",
}

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to a safe-run.yaml config file (defaults for archive/notify/workdir)",
}

var reportFlag = &cli.StringFlag{
	Name:     "report",
	Usage:    "Path to a run_report.json document",
	Required: true,
}

// jsonExit prints v as indented JSON to stdout and returns a cli.Exit
// error carrying code, or nil for exitSuccess.
func jsonExit(v any, code int) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	fmt.Println(string(data))
	if code == exitSuccess {
		return nil
	}
	return cli.Exit("", code)
}
