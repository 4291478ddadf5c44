package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/safe-run/cli/tui"
)

// InspectCommand returns the inspect command: a read-only viewer over a
// finished run's report, either as pretty-printed JSON or, with --tui,
// an interactive viewer.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a run report",
		Flags: []cli.Flag{
			reportFlag,
			&cli.BoolFlag{Name: "tui", Usage: "Launch an interactive viewer instead of printing JSON"},
		},
		Action: func(c *cli.Context) error {
			report, err := loadReport(c.String("report"))
			if err != nil {
				return cli.Exit(err.Error(), exitFailure)
			}
			if c.Bool("tui") {
				if err := tui.Run(report); err != nil {
					return cli.Exit(err.Error(), exitFailure)
				}
				return nil
			}
			return jsonExit(report, exitSuccess)
		},
	}
}
