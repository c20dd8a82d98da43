package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/log"
	"github.com/akam1o/arca-storage/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Resources performs the actual ordered bring-up and tear-down of a
// group's resources on the local node: filesystem mount, tenant network
// isolation, and the per-SVM NFS exporter daemon. Implementations live in
// pkg/storagestack, pkg/netns, and pkg/exporter; ha depends only on this
// narrow seam to avoid a import cycle with those packages.
type Resources interface {
	MountFilesystem(ctx context.Context, spec GroupSpec) error
	UnmountFilesystem(ctx context.Context, spec GroupSpec) error
	StartNetwork(ctx context.Context, spec GroupSpec) error
	StopNetwork(ctx context.Context, spec GroupSpec) error
	StartExporter(ctx context.Context, spec GroupSpec) error
	StopExporter(ctx context.Context, spec GroupSpec) error
}

// Config configures a RaftResourceHost.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// RaftResourceHost is the two-node ResourceHost implementation: Raft
// consensus decides which node is primary for each group, and the
// primary node drives the ordered resource bring-up through Resources.
// Generalized from cuemby-warren's hashicorp/raft cluster manager.
type RaftResourceHost struct {
	nodeID    string
	raft      *raft.Raft
	fsm       *groupFSM
	resources Resources
}

// NewRaftResourceHost constructs a RaftResourceHost without starting
// Raft; call Bootstrap or Join before use.
func NewRaftResourceHost(resources Resources) *RaftResourceHost {
	return &RaftResourceHost{fsm: newGroupFSM(), resources: resources}
}

// Bootstrap initializes a new single-node Raft cluster rooted at this
// node, tuned for sub-10s failover between the two HA nodes.
func (h *RaftResourceHost) Bootstrap(cfg Config) error {
	h.nodeID = cfg.NodeID

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating ha data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolving ha bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("creating ha transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("creating ha snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("creating ha log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("creating ha stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, h.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("creating raft instance: %w", err)
	}
	h.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrapping ha cluster: %w", err)
	}
	return nil
}

// IsPrimary reports whether this node currently holds Raft leadership.
func (h *RaftResourceHost) IsPrimary() bool {
	if h.raft == nil {
		return false
	}
	isLeader := h.raft.State() == raft.Leader
	if isLeader {
		metrics.HAIsPrimary.Set(1)
	} else {
		metrics.HAIsPrimary.Set(0)
	}
	return isLeader
}

func (h *RaftResourceHost) apply(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal ha command: %w", err)
	}
	future := h.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return errs.Transientf("raft apply %s: %v", cmd.Op, err)
	}
	if resp := future.Response(); resp != nil {
		if rerr, ok := resp.(error); ok {
			return rerr
		}
	}
	return nil
}

// EnsureGroup brings a group's resources up in order (filesystem, then
// network, then exporter), replicating the placement decision via Raft
// before doing local bring-up. It does not promote a replicated block
// device; the first step is the filesystem mount.
func (h *RaftResourceHost) EnsureGroup(ctx context.Context, spec GroupSpec) error {
	if !h.IsPrimary() {
		return errs.StateMachinef("this node is not primary, cannot ensure group %s", spec.SVM)
	}

	payload, _ := json.Marshal(struct {
		Spec GroupSpec
		Node string
	}{Spec: spec, Node: h.nodeID})
	if err := h.apply(command{Op: opEnsureGroup, Data: payload}); err != nil {
		return err
	}

	log.WithSVM(spec.SVM).Info().Msg("ensuring resource group")
	if err := h.resources.MountFilesystem(ctx, spec); err != nil {
		metrics.HAGroupTransitionsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("mounting filesystem for %s: %w", spec.SVM, err)
	}
	if err := h.resources.StartNetwork(ctx, spec); err != nil {
		metrics.HAGroupTransitionsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("starting network for %s: %w", spec.SVM, err)
	}
	if err := h.resources.StartExporter(ctx, spec); err != nil {
		metrics.HAGroupTransitionsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("starting exporter for %s: %w", spec.SVM, err)
	}
	metrics.HAGroupTransitionsTotal.WithLabelValues("started").Inc()
	return nil
}

// RemoveGroup tears a group's resources down in strict reverse order.
// Absence of the group is treated as success.
func (h *RaftResourceHost) RemoveGroup(ctx context.Context, svm string) error {
	if !h.IsPrimary() {
		return errs.StateMachinef("this node is not primary, cannot remove group %s", svm)
	}

	status, exists := h.fsm.status(svm)
	if !exists {
		return nil
	}
	_ = status

	spec := GroupSpec{SVM: svm}
	if err := h.resources.StopExporter(ctx, spec); err != nil {
		return fmt.Errorf("stopping exporter for %s: %w", svm, err)
	}
	if err := h.resources.StopNetwork(ctx, spec); err != nil {
		return fmt.Errorf("stopping network for %s: %w", svm, err)
	}
	if err := h.resources.UnmountFilesystem(ctx, spec); err != nil {
		return fmt.Errorf("unmounting filesystem for %s: %w", svm, err)
	}

	payload, _ := json.Marshal(svm)
	if err := h.apply(command{Op: opRemoveGroup, Data: payload}); err != nil {
		return err
	}
	metrics.HAGroupTransitionsTotal.WithLabelValues("removed").Inc()
	return nil
}

// MoveGroup records targetNode as the group's placement in the
// replicated state. It stops and starts no resources on either node and
// promotes no replicated block device; nothing in this package acts on
// the recorded placement.
func (h *RaftResourceHost) MoveGroup(ctx context.Context, svm, targetNode string) error {
	if !h.IsPrimary() {
		return errs.StateMachinef("this node is not primary, cannot move group %s", svm)
	}
	payload, _ := json.Marshal(struct {
		SVM  string
		Node string
	}{SVM: svm, Node: targetNode})
	if err := h.apply(command{Op: opMoveGroup, Data: payload}); err != nil {
		return err
	}
	metrics.HAGroupTransitionsTotal.WithLabelValues("moved").Inc()
	return nil
}

// Status reports the replicated status of a group.
func (h *RaftResourceHost) Status(ctx context.Context, svm string) (Status, error) {
	status, ok := h.fsm.status(svm)
	if !ok {
		return StatusStopped, nil
	}
	return status, nil
}
