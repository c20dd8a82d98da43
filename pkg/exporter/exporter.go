// Package exporter supervises the per-SVM user-space NFS daemon: starts
// it inside the SVM's network namespace against its rendered
// configuration file, and reloads it on configuration changes without a
// restart, using the same Runner-driven os/exec seam as pkg/netns and
// pkg/storagestack (grounded on cuemby-warren's pkg/network/hostports.go
// external-command style).
package exporter

import (
	"context"
	"fmt"
	"strings"

	"github.com/akam1o/arca-storage/pkg/log"
)

// Runner executes a single external command and returns its combined
// output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Spec identifies one SVM's exporter daemon instance.
type Spec struct {
	SVM        string
	Netns      string
	ConfigPath string
	PIDPath    string
}

// Daemon is the per-SVM NFS exporter contract used by pkg/ha's
// Resources seam.
type Daemon interface {
	// EnsureRunning starts the daemon if it is not already running
	// inside spec.Netns against spec.ConfigPath. Idempotent.
	EnsureRunning(ctx context.Context, spec Spec) error

	// Reload asks a running daemon to re-read its configuration file
	// without dropping established NFS state. Reload is called after
	// every write of the rendered file, whether or not config_version
	// changed.
	Reload(ctx context.Context, spec Spec) error

	// Stop terminates the daemon. Absence is success.
	Stop(ctx context.Context, spec Spec) error
}

// GaneshaDaemon drives an NFS-Ganesha-compatible exporter process
// through Runner.
type GaneshaDaemon struct {
	runner Runner
}

// NewGaneshaDaemon constructs a Daemon backed by runner.
func NewGaneshaDaemon(runner Runner) *GaneshaDaemon {
	return &GaneshaDaemon{runner: runner}
}

// EnsureRunning starts ganesha.nfsd inside the SVM's namespace if no
// process is recorded live at spec.PIDPath.
func (d *GaneshaDaemon) EnsureRunning(ctx context.Context, spec Spec) error {
	if d.isRunning(ctx, spec) {
		return nil
	}

	_, err := d.runner.Run(ctx, "ip", "netns", "exec", spec.Netns,
		"ganesha.nfsd", "-f", spec.ConfigPath, "-p", spec.PIDPath, "-L", "/var/log/ganesha/"+spec.SVM+".log")
	if err != nil {
		return fmt.Errorf("starting exporter daemon for %s: %w", spec.SVM, err)
	}
	log.WithSVM(spec.SVM).Info().Str("config", spec.ConfigPath).Msg("exporter daemon started")
	return nil
}

// Reload sends SIGHUP to the daemon process recorded at spec.PIDPath, asking it to
// re-read spec.ConfigPath. Returns an error if the daemon is not
// running; callers should EnsureRunning first.
func (d *GaneshaDaemon) Reload(ctx context.Context, spec Spec) error {
	pid, err := d.readPID(ctx, spec)
	if err != nil {
		return fmt.Errorf("reloading exporter for %s: %w", spec.SVM, err)
	}
	if _, err := d.runner.Run(ctx, "kill", "-HUP", pid); err != nil {
		return fmt.Errorf("sending reload signal to exporter for %s: %w", spec.SVM, err)
	}
	log.WithSVM(spec.SVM).Info().Msg("exporter configuration reloaded")
	return nil
}

// Stop sends SIGTERM to the daemon. Absence is success.
func (d *GaneshaDaemon) Stop(ctx context.Context, spec Spec) error {
	pid, err := d.readPID(ctx, spec)
	if err != nil {
		return nil
	}
	if _, err := d.runner.Run(ctx, "kill", "-TERM", pid); err != nil {
		return fmt.Errorf("stopping exporter for %s: %w", spec.SVM, err)
	}
	return nil
}

func (d *GaneshaDaemon) isRunning(ctx context.Context, spec Spec) bool {
	pid, err := d.readPID(ctx, spec)
	if err != nil {
		return false
	}
	_, err = d.runner.Run(ctx, "kill", "-0", pid)
	return err == nil
}

func (d *GaneshaDaemon) readPID(ctx context.Context, spec Spec) (string, error) {
	out, err := d.runner.Run(ctx, "cat", spec.PIDPath)
	if err != nil {
		return "", fmt.Errorf("no pid file at %s", spec.PIDPath)
	}
	pid := strings.TrimSpace(string(out))
	if pid == "" {
		return "", fmt.Errorf("empty pid file at %s", spec.PIDPath)
	}
	return pid, nil
}
