package arca

import (
	"context"
	"testing"

	"github.com/akam1o/arca-storage/pkg/ha"
	"github.com/stretchr/testify/require"
)

func TestNodeResources_StartStopNetworkDelegatesToIsolator(t *testing.T) {
	stack := newFakeStack()
	daemon := newFakeDaemon()
	layout := Layout{ConfigDir: "/etc/ganesha"}
	resources := NewHAResources(stack, fakeIsolator{}, daemon, layout)

	spec := ha.GroupSpec{SVM: "tenant_a", Netns: "tenant_a", VLANID: 100, ParentIf: "eth0", IP: "192.168.10.5", Prefix: 24}
	require.NoError(t, resources.StartNetwork(context.Background(), spec))
	require.NoError(t, resources.StopNetwork(context.Background(), spec))
}

func TestNodeResources_StartExporterEnsuresThenReloads(t *testing.T) {
	stack := newFakeStack()
	daemon := newFakeDaemon()
	layout := Layout{ConfigDir: "/etc/ganesha"}
	resources := NewHAResources(stack, fakeIsolator{}, daemon, layout)

	spec := ha.GroupSpec{SVM: "tenant_a"}
	require.NoError(t, resources.StartExporter(context.Background(), spec))
	require.True(t, daemon.running["tenant_a"])
	require.Equal(t, 1, daemon.reloads)

	require.NoError(t, resources.StopExporter(context.Background(), spec))
	require.False(t, daemon.running["tenant_a"])
}

func TestNodeResources_MountFilesystemNoopWithoutMountPath(t *testing.T) {
	stack := newFakeStack()
	daemon := newFakeDaemon()
	layout := Layout{ConfigDir: "/etc/ganesha"}
	resources := NewHAResources(stack, fakeIsolator{}, daemon, layout)

	require.NoError(t, resources.MountFilesystem(context.Background(), ha.GroupSpec{SVM: "tenant_a"}))
	require.Empty(t, stack.volumes)
}
