package arca

import (
	"context"
	"fmt"

	"github.com/akam1o/arca-storage/pkg/exporter"
	"github.com/akam1o/arca-storage/pkg/ha"
	"github.com/akam1o/arca-storage/pkg/netns"
	"github.com/akam1o/arca-storage/pkg/storagestack"
)

// nodeResources implements ha.Resources by driving the Storage Stack,
// Tenant Network Isolator, and per-SVM exporter on the local node. It is
// the adapter that lets RaftResourceHost reach the three concrete
// packages it cannot import directly.
type nodeResources struct {
	stack    storagestack.Stack
	isolator netns.Isolator
	daemon   exporter.Daemon
	layout   Layout
}

// newNodeResources constructs the ha.Resources seam over stack,
// isolator, and daemon, using layout to compose mount and config paths
// the same way Orchestrator does.
func newNodeResources(stack storagestack.Stack, isolator netns.Isolator, daemon exporter.Daemon, layout Layout) *nodeResources {
	return &nodeResources{stack: stack, isolator: isolator, daemon: daemon, layout: layout}
}

// NewHAResources builds the ha.Resources implementation a RaftResourceHost
// needs to actually drive a node's storage, network, and exporter stack.
// Exported for cmd/arca-serverd to wire ha.NewRaftResourceHost without
// reaching into an unexported type.
func NewHAResources(stack storagestack.Stack, isolator netns.Isolator, daemon exporter.Daemon, layout Layout) ha.Resources {
	return newNodeResources(stack, isolator, daemon, layout)
}

func (r *nodeResources) volumeSpec(spec ha.GroupSpec) storagestack.VolumeSpec {
	return storagestack.VolumeSpec{
		SVM:         spec.SVM,
		Name:        spec.SVM,
		VolumeGroup: r.layout.VolumeGroup,
		ThinPool:    r.layout.ThinPool,
		MountPath:   spec.MountPath,
	}
}

func (r *nodeResources) netnsSpec(spec ha.GroupSpec) netns.Spec {
	svm := spec.Netns
	if svm == "" {
		svm = spec.SVM
	}
	return netns.Spec{
		SVM:      svm,
		VLANID:   spec.VLANID,
		ParentIf: spec.ParentIf,
		IP:       spec.IP,
		Prefix:   spec.Prefix,
		Gateway:  spec.Gateway,
		MTU:      spec.MTU,
	}
}

func (r *nodeResources) exporterSpec(spec ha.GroupSpec) exporter.Spec {
	svm := spec.SVM
	configPath := spec.ExporterConfigPath
	if configPath == "" {
		configPath = fmt.Sprintf("%s/exporter.%s.conf", r.layout.ConfigDir, svm)
	}
	return exporter.Spec{
		SVM:        svm,
		Netns:      svm,
		ConfigPath: configPath,
		PIDPath:    fmt.Sprintf("%s/exporter.%s.pid", r.layout.ConfigDir, svm),
	}
}

// MountFilesystem runs Stack.CreateVolume for the SVM's thin LV: it
// creates the LV if absent, formats it if unformatted and mounts it if
// unmounted; an existing LV is not resized. Orchestrator.CreateVolume is the normal
// provisioning path, so this is idempotent with it by construction.
func (r *nodeResources) MountFilesystem(ctx context.Context, spec ha.GroupSpec) error {
	if spec.MountPath == "" {
		return nil
	}
	return r.stack.CreateVolume(ctx, r.volumeSpec(spec))
}

func (r *nodeResources) UnmountFilesystem(ctx context.Context, spec ha.GroupSpec) error {
	if spec.MountPath == "" {
		return nil
	}
	return r.stack.DeleteVolume(ctx, r.volumeSpec(spec))
}

func (r *nodeResources) StartNetwork(ctx context.Context, spec ha.GroupSpec) error {
	return r.isolator.Start(ctx, r.netnsSpec(spec))
}

func (r *nodeResources) StopNetwork(ctx context.Context, spec ha.GroupSpec) error {
	svm := spec.Netns
	if svm == "" {
		svm = spec.SVM
	}
	return r.isolator.Stop(ctx, svm)
}

func (r *nodeResources) StartExporter(ctx context.Context, spec ha.GroupSpec) error {
	exporterSpec := r.exporterSpec(spec)
	if err := r.daemon.EnsureRunning(ctx, exporterSpec); err != nil {
		return err
	}
	return r.daemon.Reload(ctx, exporterSpec)
}

func (r *nodeResources) StopExporter(ctx context.Context, spec ha.GroupSpec) error {
	return r.daemon.Stop(ctx, r.exporterSpec(spec))
}
