// Package ha implements the HA Resource Host contract: a two-node,
// primary/secondary resource manager running composite SVM resource
// groups (filesystem mount -> netns/VLAN/VIP -> NFS daemon) with strict
// ordering, generalized from cuemby-warren's Raft-backed cluster consensus
// (pkg/manager, pkg/manager/fsm.go).
package ha

import "context"

// Status is the closed set of resource group states reported by the HA
// Resource Host.
type Status string

const (
	StatusStarted       Status = "Started"
	StatusStopped       Status = "Stopped"
	StatusFailed        Status = "Failed"
	StatusTransitioning Status = "Transitioning"
)

// GroupSpec describes the ordered resources a group composes for one
// SVM: a filesystem mount, a network namespace/VLAN/VIP, and an NFS
// daemon, in the order they must come up (and the reverse order they
// must come down).
type GroupSpec struct {
	SVM string

	// Filesystem mount
	DevicePath string
	MountPath  string

	// Tenant Network Isolator parameters
	Netns    string
	VLANID   int
	ParentIf string
	IP       string
	Prefix   int
	Gateway  string
	MTU      int

	// Per-SVM NFS exporter
	ExporterConfigPath string
}

// ResourceHost is the control plane's contract with the HA cluster
// engine: place/move/stop a group, query its status. The host owns
// monitoring and restart of the individual resources within a group; the
// control plane never restarts a single resource in isolation.
type ResourceHost interface {
	// EnsureGroup places (or confirms already placed) the named SVM's
	// resource group, bringing up its resources in order: mount its
	// filesystem, bring up the network namespace, start the NFS daemon.
	// No replicated block device is promoted.
	EnsureGroup(ctx context.Context, spec GroupSpec) error

	// RemoveGroup tears down the named SVM's resource group in strict
	// reverse order. Absence is success.
	RemoveGroup(ctx context.Context, svm string) error

	// MoveGroup assigns the named SVM's resource group to targetNode. No
	// replicated block device is promoted.
	MoveGroup(ctx context.Context, svm, targetNode string) error

	// Status reports the current state of the named SVM's resource
	// group.
	Status(ctx context.Context, svm string) (Status, error)

	// IsPrimary reports whether this process is currently the primary
	// (leader) for group placement decisions.
	IsPrimary() bool
}
