package exporter

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	pidFiles map[string]string
	alive    map[string]bool
	calls    []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{pidFiles: make(map[string]string), alive: make(map[string]bool)}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))

	switch name {
	case "ip":
		// ip netns exec <ns> ganesha.nfsd -f <cfg> -p <pidPath> -L <log>
		pidPath := args[7]
		f.pidFiles[pidPath] = "4242"
		f.alive["4242"] = true
		return nil, nil
	case "cat":
		pid, ok := f.pidFiles[args[0]]
		if !ok {
			return nil, fmt.Errorf("no such file %s", args[0])
		}
		return []byte(pid), nil
	case "kill":
		sig, pid := args[0], args[1]
		switch sig {
		case "-0":
			if f.alive[pid] {
				return nil, nil
			}
			return nil, fmt.Errorf("no such process")
		case "-HUP":
			if !f.alive[pid] {
				return nil, fmt.Errorf("no such process")
			}
			return nil, nil
		case "-TERM":
			delete(f.alive, pid)
			return nil, nil
		}
	}
	return nil, fmt.Errorf("fakeRunner: unhandled %s %v", name, args)
}

func testSpec() Spec {
	return Spec{SVM: "tenant_a", Netns: "tenant_a", ConfigPath: "/etc/ganesha/tenant_a.conf", PIDPath: "/var/run/ganesha/tenant_a.pid"}
}

func TestGaneshaDaemon_EnsureRunningIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	d := NewGaneshaDaemon(runner)
	ctx := context.Background()
	spec := testSpec()

	require.NoError(t, d.EnsureRunning(ctx, spec))
	startCalls := len(runner.calls)

	require.NoError(t, d.EnsureRunning(ctx, spec))
	require.Equal(t, startCalls, len(runner.calls), "second EnsureRunning should not spawn another process")
}

func TestGaneshaDaemon_ReloadRequiresRunningDaemon(t *testing.T) {
	d := NewGaneshaDaemon(newFakeRunner())
	err := d.Reload(context.Background(), testSpec())
	require.Error(t, err)
}

func TestGaneshaDaemon_ReloadSendsSIGHUP(t *testing.T) {
	runner := newFakeRunner()
	d := NewGaneshaDaemon(runner)
	ctx := context.Background()
	spec := testSpec()

	require.NoError(t, d.EnsureRunning(ctx, spec))
	require.NoError(t, d.Reload(ctx, spec))
}

func TestGaneshaDaemon_StopOnAbsentDaemonIsNoop(t *testing.T) {
	d := NewGaneshaDaemon(newFakeRunner())
	require.NoError(t, d.Stop(context.Background(), testSpec()))
}

func TestGaneshaDaemon_StopThenEnsureRunningRestarts(t *testing.T) {
	runner := newFakeRunner()
	d := NewGaneshaDaemon(runner)
	ctx := context.Background()
	spec := testSpec()

	require.NoError(t, d.EnsureRunning(ctx, spec))
	require.NoError(t, d.Stop(ctx, spec))
	require.Error(t, d.Reload(ctx, spec))

	require.NoError(t, d.EnsureRunning(ctx, spec))
	require.NoError(t, d.Reload(ctx, spec))
}
