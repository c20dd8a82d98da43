package netns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSpec() Spec {
	return Spec{
		SVM:      "tenant_a",
		VLANID:   100,
		ParentIf: "eth0",
		IP:       "192.168.10.5",
		Prefix:   24,
		Gateway:  "192.168.10.1",
		MTU:      1500,
	}
}

func TestLinuxIsolator_ValidateRejectsIncompleteSpec(t *testing.T) {
	iso := NewLinuxIsolator(newFakeRunner())

	require.Error(t, iso.Validate(Spec{}))
	require.Error(t, iso.Validate(Spec{SVM: "a", VLANID: 5000}))
	require.NoError(t, iso.Validate(testSpec()))
}

func TestLinuxIsolator_StartIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	iso := NewLinuxIsolator(runner)
	ctx := context.Background()
	spec := testSpec()

	require.NoError(t, iso.Start(ctx, spec))
	up, err := iso.Monitor(ctx, spec)
	require.NoError(t, err)
	require.True(t, up)

	// calling Start again must not error.
	require.NoError(t, iso.Start(ctx, spec))
	up, err = iso.Monitor(ctx, spec)
	require.NoError(t, err)
	require.True(t, up)
}

func TestLinuxIsolator_StopThenMonitorReportsDown(t *testing.T) {
	runner := newFakeRunner()
	iso := NewLinuxIsolator(runner)
	ctx := context.Background()
	spec := testSpec()

	require.NoError(t, iso.Start(ctx, spec))
	require.NoError(t, iso.Stop(ctx, spec.SVM))

	up, err := iso.Monitor(ctx, spec)
	require.NoError(t, err)
	require.False(t, up)
}

func TestLinuxIsolator_StopOnAbsentNamespaceIsNoop(t *testing.T) {
	iso := NewLinuxIsolator(newFakeRunner())
	require.NoError(t, iso.Stop(context.Background(), "never_existed"))
}

func TestLinuxIsolator_MonitorOnAbsentNamespaceIsDown(t *testing.T) {
	iso := NewLinuxIsolator(newFakeRunner())
	up, err := iso.Monitor(context.Background(), testSpec())
	require.NoError(t, err)
	require.False(t, up)
}
