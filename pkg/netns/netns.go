// Package netns implements the Tenant Network Isolator: idempotent
// start/stop/monitor/validate of one SVM's network namespace, VLAN
// sub-interface, VIP, and default route, driven through a Runner seam in
// cuemby-warren's os/exec command-dispatch style (pkg/network/hostports.go).
package netns

import (
	"context"
	"fmt"
	"strings"

	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/log"
)

// Spec describes one SVM's network isolation parameters.
type Spec struct {
	SVM      string
	VLANID   int
	ParentIf string
	IP       string
	Prefix   int
	Gateway  string
	MTU      int
}

func (s Spec) vlanIf() string {
	return fmt.Sprintf("%s.%d", s.ParentIf, s.VLANID)
}

// Isolator is the Tenant Network Isolator contract used by pkg/ha's
// Resources seam.
type Isolator interface {
	Start(ctx context.Context, spec Spec) error
	Stop(ctx context.Context, svm string) error
	Monitor(ctx context.Context, spec Spec) (bool, error)
	Validate(spec Spec) error
}

// Runner executes a single external command and returns its combined
// output, letting tests substitute a fake in place of os/exec.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// LinuxIsolator drives `ip netns`/`ip link`/`ip addr`/`ip route` through
// a Runner to realize Spec on the local node.
type LinuxIsolator struct {
	runner Runner
}

// NewLinuxIsolator constructs an Isolator backed by runner.
func NewLinuxIsolator(runner Runner) *LinuxIsolator {
	return &LinuxIsolator{runner: runner}
}

// Validate rejects an incomplete or internally inconsistent Spec before
// any commands are run.
func (l *LinuxIsolator) Validate(spec Spec) error {
	if spec.SVM == "" {
		return errs.Validationf("netns spec missing svm name")
	}
	if spec.VLANID <= 0 || spec.VLANID > 4094 {
		return errs.Validationf("netns spec for %s has invalid vlan_id %d", spec.SVM, spec.VLANID)
	}
	if spec.ParentIf == "" {
		return errs.Validationf("netns spec for %s missing parent interface", spec.SVM)
	}
	if spec.IP == "" || spec.Prefix <= 0 || spec.Prefix > 32 {
		return errs.Validationf("netns spec for %s has invalid ip/prefix", spec.SVM)
	}
	return nil
}

// Start brings the network namespace up: creates the namespace if
// absent, creates the VLAN sub-interface on the parent if absent, moves
// it into the namespace, assigns the VIP, sets MTU, brings the link up,
// and installs the default route. Every step no-ops if already done, so
// Start is safe to call repeatedly.
func (l *LinuxIsolator) Start(ctx context.Context, spec Spec) error {
	if err := l.Validate(spec); err != nil {
		return err
	}
	logger := log.WithSVM(spec.SVM)

	if !l.namespaceExists(ctx, spec.SVM) {
		if _, err := l.runner.Run(ctx, "ip", "netns", "add", spec.SVM); err != nil {
			return fmt.Errorf("creating netns %s: %w", spec.SVM, err)
		}
		logger.Info().Msg("created network namespace")
	}

	vlanIf := spec.vlanIf()
	if !l.interfaceInNamespace(ctx, spec.SVM, vlanIf) {
		if !l.vlanInterfaceExists(ctx, vlanIf) {
			_, err := l.runner.Run(ctx, "ip", "link", "add", "link", spec.ParentIf, "name", vlanIf, "type", "vlan", "id", fmt.Sprintf("%d", spec.VLANID))
			if err != nil {
				return fmt.Errorf("creating vlan interface %s: %w", vlanIf, err)
			}
		}
		if _, err := l.runner.Run(ctx, "ip", "link", "set", vlanIf, "netns", spec.SVM); err != nil {
			return fmt.Errorf("moving %s into netns %s: %w", vlanIf, spec.SVM, err)
		}
	}

	addr := fmt.Sprintf("%s/%d", spec.IP, spec.Prefix)
	if !l.addressAssigned(ctx, spec.SVM, vlanIf, addr) {
		_, err := l.nsExec(ctx, spec.SVM, "ip", "addr", "add", addr, "dev", vlanIf)
		if err != nil {
			return fmt.Errorf("assigning %s to %s in netns %s: %w", addr, vlanIf, spec.SVM, err)
		}
	}

	mtu := spec.MTU
	if mtu == 0 {
		mtu = 1500
	}
	if _, err := l.nsExec(ctx, spec.SVM, "ip", "link", "set", vlanIf, "mtu", fmt.Sprintf("%d", mtu), "up"); err != nil {
		return fmt.Errorf("bringing up %s in netns %s: %w", vlanIf, spec.SVM, err)
	}

	if spec.Gateway != "" {
		if _, err := l.nsExec(ctx, spec.SVM, "ip", "route", "replace", "default", "via", spec.Gateway); err != nil {
			return fmt.Errorf("installing default route in netns %s: %w", spec.SVM, err)
		}
	}

	logger.Info().Str("vip", spec.IP).Msg("tenant network isolation started")
	return nil
}

// Stop deletes the SVM's namespace; the kernel reclaims the namespace's
// interfaces and routes with it. Absence is success.
func (l *LinuxIsolator) Stop(ctx context.Context, svm string) error {
	if !l.namespaceExists(ctx, svm) {
		return nil
	}
	if _, err := l.runner.Run(ctx, "ip", "netns", "delete", svm); err != nil {
		return fmt.Errorf("deleting netns %s: %w", svm, err)
	}
	log.WithSVM(svm).Info().Msg("tenant network isolation stopped")
	return nil
}

// Monitor reports whether the namespace exists and its VIP is assigned.
func (l *LinuxIsolator) Monitor(ctx context.Context, spec Spec) (bool, error) {
	if !l.namespaceExists(ctx, spec.SVM) {
		return false, nil
	}
	addr := fmt.Sprintf("%s/%d", spec.IP, spec.Prefix)
	return l.addressAssigned(ctx, spec.SVM, spec.vlanIf(), addr), nil
}

func (l *LinuxIsolator) namespaceExists(ctx context.Context, svm string) bool {
	out, err := l.runner.Run(ctx, "ip", "netns", "list")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == svm {
			return true
		}
	}
	return false
}

func (l *LinuxIsolator) vlanInterfaceExists(ctx context.Context, ifName string) bool {
	out, err := l.runner.Run(ctx, "ip", "link", "show", ifName)
	return err == nil && len(out) > 0
}

func (l *LinuxIsolator) interfaceInNamespace(ctx context.Context, svm, ifName string) bool {
	out, err := l.nsExec(ctx, svm, "ip", "link", "show", ifName)
	return err == nil && len(out) > 0
}

func (l *LinuxIsolator) addressAssigned(ctx context.Context, svm, ifName, addr string) bool {
	out, err := l.nsExec(ctx, svm, "ip", "addr", "show", ifName)
	if err != nil {
		return false
	}
	return strings.Contains(string(out), addr)
}

func (l *LinuxIsolator) nsExec(ctx context.Context, svm string, name string, args ...string) ([]byte, error) {
	full := append([]string{"netns", "exec", svm, name}, args...)
	return l.runner.Run(ctx, "ip", full...)
}
