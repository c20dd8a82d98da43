// Package arcatypes defines the control plane's data model: SVM, Volume,
// Export, Directory, Snapshot, and the CSI-facing ArcaVolume, ArcaSnapshot,
// NodeState, and IPPool records.
package arcatypes

import "time"

// SVMState is the closed set of lifecycle states for an SVM.
type SVMState string

const (
	SVMStateCreating SVMState = "creating"
	SVMStateReady    SVMState = "ready"
	SVMStateDegraded SVMState = "degraded"
	SVMStateDeleting SVMState = "deleting"
)

// SVM is a tenant boundary: a netns, a VIP on a VLAN, a thin-provisioned
// XFS volume, and a dedicated NFS exporter daemon.
type SVM struct {
	Name      string   `json:"name"`
	VLANID    int      `json:"vlan_id"`
	IPCIDR    string   `json:"ip_cidr"`
	VIP       string   `json:"vip"`
	Gateway   string   `json:"gateway"`
	MTU       int      `json:"mtu"`
	State     SVMState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessMode is the closed set of NFS export access modes.
type AccessMode string

const (
	AccessRW AccessMode = "rw"
	AccessRO AccessMode = "ro"
)

// SquashMode is the closed set of NFS root-squash modes.
type SquashMode string

const (
	SquashRoot   SquashMode = "root_squash"
	SquashNoRoot SquashMode = "no_root_squash"
)

// Volume is a thin LVM logical volume formatted XFS, owned by one SVM.
type Volume struct {
	Name      string `json:"name"`
	SVM       string `json:"svm"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Export is an ACL record granting a client CIDR access to a Volume via
// the SVM's exporter, at a pseudo-path.
type Export struct {
	ExportID   int        `json:"export_id"`
	SVM        string     `json:"svm"`
	Volume     string     `json:"volume"`
	ClientCIDR string     `json:"client_cidr"`
	Access     AccessMode `json:"access"`
	Squash     SquashMode `json:"squash"`
	Sec        []string   `json:"sec"`
	Path       string     `json:"path"`
	Pseudo     string     `json:"pseudo"`
}

// Directory is a CSI-facing, quota-backed subtree under an SVM's volume.
type Directory struct {
	SVM        string `json:"svm"`
	Path       string `json:"path"`
	QuotaBytes int64  `json:"quota_bytes"`
	ProjectID  uint32 `json:"project_id"`
	UsedBytes  int64  `json:"used_bytes"`
}

// Snapshot is a point-in-time server-side reflink copy of a Directory.
type Snapshot struct {
	SVM          string `json:"svm"`
	SourcePath   string `json:"source_path"`
	SnapshotPath string `json:"snapshot_path"`
	SizeBytes    int64  `json:"size_bytes"`
	ReadyToUse   bool   `json:"ready_to_use"`
}

// ContentSourceKind is the closed tag for ArcaVolume.ContentSource.
type ContentSourceKind string

const (
	ContentSourceNone     ContentSourceKind = ""
	ContentSourceVolume   ContentSourceKind = "volume"
	ContentSourceSnapshot ContentSourceKind = "snapshot"
)

// ContentSource is a tagged union: exactly one of SourceVolumeID or
// SourceSnapshotID is set, matching Kind.
type ContentSource struct {
	Kind             ContentSourceKind `json:"kind,omitempty"`
	SourceVolumeID   string            `json:"source_volume_id,omitempty"`
	SourceSnapshotID string            `json:"source_snapshot_id,omitempty"`
}

// ArcaVolume is the CSI Controller's cluster-scoped volume metadata
// record.
type ArcaVolume struct {
	VolumeID      string         `json:"volume_id"`
	Name          string         `json:"name"`
	SVMName       string         `json:"svm_name"`
	VIP           string         `json:"vip"`
	Path          string         `json:"path"`
	CapacityBytes int64          `json:"capacity_bytes"`
	CreatedAt     time.Time      `json:"created_at"`
	ContentSource *ContentSource `json:"content_source,omitempty"`
	Finalizer     string         `json:"finalizer,omitempty"`
}

// ArcaSnapshot is the CSI Controller's cluster-scoped snapshot metadata
// record.
type ArcaSnapshot struct {
	SnapshotID     string    `json:"snapshot_id"`
	Name           string    `json:"name"`
	SourceVolumeID string    `json:"source_volume_id"`
	SVMName        string    `json:"svm_name"`
	Path           string    `json:"path"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	ReadyToUse     bool      `json:"ready_to_use"`
	Finalizer      string    `json:"finalizer,omitempty"`
}

// NodeVolumeEntry is one volume's bookkeeping inside NodeState.
type NodeVolumeEntry struct {
	VolumeID       string   `json:"volume_id"`
	SVMName        string   `json:"svm_name"`
	VIP            string   `json:"vip"`
	StagingPath    string   `json:"staging_path"`
	PublishedPaths []string `json:"published_paths,omitempty"`
}

// NodeState is the per-CSI-node persisted mapping of staged/published
// volumes, the single source of truth for per-SVM mount refcounts.
type NodeState struct {
	Volumes map[string]*NodeVolumeEntry `json:"volumes"`
}

// NewNodeState returns an empty, ready-to-use NodeState.
func NewNodeState() *NodeState {
	return &NodeState{Volumes: make(map[string]*NodeVolumeEntry)}
}

// IPPoolConfig is one configured IP pool.
type IPPoolConfig struct {
	CIDR    string `yaml:"cidr" json:"cidr"`
	First   string `yaml:"first_ip" json:"first_ip"`
	Last    string `yaml:"last_ip" json:"last_ip"`
	VLANID  int    `yaml:"vlan_id" json:"vlan_id"`
	Gateway string `yaml:"gateway" json:"gateway"`
}
