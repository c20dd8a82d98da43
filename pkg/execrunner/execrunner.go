// Package execrunner implements the os/exec-backed Runner the Storage
// Stack, Tenant Network Isolator, and exporter daemon each declare as a
// narrow seam, the way cuemby-warren shells out in pkg/network/hostports.go
// and pkg/volume/local.go.
package execrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runner shells out to name with args and returns combined stdout+stderr.
type Runner struct{}

// New constructs a Runner.
func New() *Runner {
	return &Runner{}
}

// Run executes name with args, returning combined output. A non-zero
// exit is reported as an error with the captured output attached.
func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %v: %w: %s", name, args, err, out.String())
	}
	return out.Bytes(), nil
}
