package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/safe-run/types"
	"github.com/justapithecus/safe-run/verifier"
)

// VerifyCommand returns the verify command: re-checks an archived or
// freshly-produced RunReport's schema, event chain, and artifact
// hashes, independent of the run that produced it.
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Re-verify a run report's integrity",
		Flags: []cli.Flag{reportFlag},
		Action: func(c *cli.Context) error {
			report, err := loadReport(c.String("report"))
			if err != nil {
				return cli.Exit(err.Error(), exitFailure)
			}
			result := verifier.Verify(report)
			if !result.Passed {
				return jsonExit(result, exitFailure)
			}
			return jsonExit(result, exitSuccess)
		},
	}
}

func loadReport(path string) (*types.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report %q: %w", path, err)
	}
	var report types.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse report %q: %w", path, err)
	}
	return &report, nil
}
