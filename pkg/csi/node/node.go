// Package node implements the CSI Node service: volume staging and
// publishing backed by the shared per-SVM mount manager in
// pkg/csi/node/mount.
package node

import (
	"context"
	"fmt"
	"net"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/akam1o/arca-storage/pkg/csi/node/mount"
	"github.com/akam1o/arca-storage/pkg/log"
)

// Server implements the CSI Node service.
type Server struct {
	csi.UnimplementedNodeServer

	nodeID string
	mounts *mount.Manager
}

// New constructs a Server. Callers should call Reconcile on the
// returned Server's mount manager during process startup.
func New(nodeID string, mounts *mount.Manager) *Server {
	return &Server{nodeID: nodeID, mounts: mounts}
}

// NodeStageVolume validates the volume context, ensures the SVM's
// shared mount exists, and bind-mounts the volume's subtree onto the
// staging target.
func (s *Server) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	if req.GetVolumeId() == "" || req.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id and staging_target_path are required")
	}

	vctx := req.GetVolumeContext()
	svm := vctx["svm"]
	vip := vctx["vip"]
	volumePath := vctx["volumePath"]
	if svm == "" || vip == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_context must set svm and vip")
	}
	if err := validateVIP(vip); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	logger := log.WithComponent("csi-node")
	if err := s.mounts.StageVolume(req.GetVolumeId(), svm, vip, volumePath, req.GetStagingTargetPath()); err != nil {
		logger.Error().Err(err).Str("volume_id", req.GetVolumeId()).Msg("staging volume failed")
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &csi.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume is symmetric with NodeStageVolume: unmount (if
// mounted), remove the staging directory, drop from NodeState, and
// tear down the SVM's shared mount if the derived refcount reaches
// zero.
func (s *Server) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	if req.GetVolumeId() == "" || req.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id and staging_target_path are required")
	}
	if err := s.mounts.UnstageVolume(req.GetVolumeId(), req.GetStagingTargetPath()); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume bind-mounts from the staging target to the
// publish target, remounting read-only in a second step when
// requested.
func (s *Server) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	if req.GetVolumeId() == "" || req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id and target_path are required")
	}
	readonly := req.GetReadonly() || req.GetVolumeCapability().GetAccessMode().GetMode() == csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY

	if err := s.mounts.PublishVolume(req.GetVolumeId(), req.GetTargetPath(), readonly); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume unmounts (if mounted), removes the publish
// target, and drops it from the volume's recorded published paths.
func (s *Server) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	if req.GetVolumeId() == "" || req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id and target_path are required")
	}
	if err := s.mounts.UnpublishVolume(req.GetVolumeId(), req.GetTargetPath()); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeExpandVolume is a no-op success: NFS with server-side quota
// enforcement requires no per-node filesystem action.
func (s *Server) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	return &csi.NodeExpandVolumeResponse{}, nil
}

// NodeGetVolumeStats reports usage slots; totals may be zero.
func (s *Server) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	if _, ok := s.mounts.Lookup(req.GetVolumeId()); !ok {
		return nil, status.Errorf(codes.NotFound, "volume %s is not staged on this node", req.GetVolumeId())
	}
	return &csi.NodeGetVolumeStatsResponse{
		Usage: []*csi.VolumeUsage{
			{Unit: csi.VolumeUsage_BYTES},
			{Unit: csi.VolumeUsage_INODES},
		},
	}, nil
}

// NodeGetCapabilities advertises STAGE_UNSTAGE_VOLUME, GET_VOLUME_STATS,
// and EXPAND_VOLUME.
func (s *Server) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	types := []csi.NodeServiceCapability_RPC_Type{
		csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
		csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
		csi.NodeServiceCapability_RPC_EXPAND_VOLUME,
	}
	caps := make([]*csi.NodeServiceCapability, 0, len(types))
	for _, t := range types {
		caps = append(caps, &csi.NodeServiceCapability{
			Type: &csi.NodeServiceCapability_Rpc{Rpc: &csi.NodeServiceCapability_RPC{Type: t}},
		})
	}
	return &csi.NodeGetCapabilitiesResponse{Capabilities: caps}, nil
}

// NodeGetInfo reports this node's id. No topology is advertised.
func (s *Server) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{NodeId: s.nodeID}, nil
}

func validateVIP(vip string) error {
	ip := net.ParseIP(vip)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("vip %q is not a valid IPv4 address", vip)
	}
	return nil
}
