package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/safe-run/compiler"
	"github.com/justapithecus/safe-run/types"
)

// CompileResult is the compile command's JSON output: the validation
// result that gated compilation, plus the compiled bundle if validation
// passed.
type CompileResult struct {
	Validation *types.ValidationResult `json:"validation"`
	Bundle     *types.CompileBundle    `json:"bundle,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// CompileCommand returns the compile command: validates, then compiles
// the normalized policy into a CompileBundle. --dry-run is always
// implied; compile never executes anything.
func CompileCommand() *cli.Command {
	return &cli.Command{
		Name:  "compile",
		Usage: "Validate and compile a policy into a CompileBundle (dry-run only)",
		Flags: []cli.Flag{
			policyFlag,
			mountAllowlistFlag,
			&cli.BoolFlag{Name: "dry-run", Usage: "No-op: compile never executes a run", Value: true},
		},
		Action: func(c *cli.Context) error {
			result, err := runValidate(c.String("policy"), c.String("mount-allowlist"))
			if err != nil {
				return cli.Exit(err.Error(), exitFailure)
			}
			if !result.Valid {
				return jsonExit(CompileResult{Validation: result}, exitFailure)
			}

			bundle, cerr := compiler.Compile(result.NormalizedPolicy)
			if cerr != nil {
				return jsonExit(CompileResult{Validation: result, Error: cerr.Error()}, exitFailure)
			}
			return jsonExit(CompileResult{Validation: result, Bundle: bundle}, exitSuccess)
		},
	}
}
