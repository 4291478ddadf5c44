package netlifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// runCommand shells out via exec.CommandContext and returns combined
// stdout+stderr, the same pattern the runner's process launcher uses
// for the jailer/Firecracker child.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %v: %w: %s", name, args, err, out.String())
	}
	return out.String(), nil
}
