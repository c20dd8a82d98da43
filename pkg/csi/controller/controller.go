// Package controller implements the CSI Controller service: deterministic
// volume/snapshot identity, SVM-ensure-for-namespace composition, and
// REST-backed provisioning, grounded on cuemby-warren's request-scoped
// logging and error-wrapping style (pkg/api/server.go) and on
// cert-manager-trust-manager-csi-driver's controllerserver shape
// (kubernetes-csi-driver-nfs's ControllerServer).
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/csi/controller/cache"
	"github.com/akam1o/arca-storage/pkg/csi/controller/ippool"
	"github.com/akam1o/arca-storage/pkg/csi/controller/lease"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/log"
	"github.com/akam1o/arca-storage/pkg/restclient"
	"github.com/akam1o/arca-storage/pkg/store"
)

const (
	leaseTTL        = 15 * time.Second
	svmEnsureRetries = 5
)

// Server implements the CSI Controller service.
type Server struct {
	csi.UnimplementedControllerServer

	store     store.Store
	rest      *restclient.Client
	ips       *ippool.Allocator
	leases    *lease.Manager
	volumes   *cache.Cache
	snapshots *cache.Cache
}

// New constructs a Server.
func New(st store.Store, rest *restclient.Client, ips *ippool.Allocator, leases *lease.Manager) *Server {
	return &Server{
		store:     st,
		rest:      rest,
		ips:       ips,
		leases:    leases,
		volumes:   cache.New(256, 30*time.Second),
		snapshots: cache.New(256, 30*time.Second),
	}
}

func copyArcaVolume(v interface{}) interface{} {
	src := v.(*arcatypes.ArcaVolume)
	cp := *src
	if src.ContentSource != nil {
		cs := *src.ContentSource
		cp.ContentSource = &cs
	}
	return &cp
}

func copyArcaSnapshot(v interface{}) interface{} {
	src := v.(*arcatypes.ArcaSnapshot)
	cp := *src
	return &cp
}

func (s *Server) getArcaVolume(volumeID string) (*arcatypes.ArcaVolume, error) {
	if v, ok := s.volumes.Get(volumeID, copyArcaVolume); ok {
		return v.(*arcatypes.ArcaVolume), nil
	}
	v, err := s.store.GetArcaVolume(volumeID)
	if err != nil {
		return nil, err
	}
	s.volumes.Put(volumeID, v, copyArcaVolume)
	return v, nil
}

func (s *Server) invalidateVolume(volumeID string) {
	s.volumes.Invalidate(volumeID)
}

func (s *Server) getArcaSnapshot(snapshotID string) (*arcatypes.ArcaSnapshot, error) {
	if v, ok := s.snapshots.Get(snapshotID, copyArcaSnapshot); ok {
		return v.(*arcatypes.ArcaSnapshot), nil
	}
	v, err := s.store.GetArcaSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	s.snapshots.Put(snapshotID, v, copyArcaSnapshot)
	return v, nil
}

func (s *Server) invalidateSnapshot(snapshotID string) {
	s.snapshots.Invalidate(snapshotID)
}

// CreateVolume resolves an idempotent volume id, selects the target
// SVM, populates content (empty directory, clone, or restore), sets
// the quota, and records the cluster-scoped volume metadata.
func (s *Server) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	capacityBytes := req.GetCapacityRange().GetRequiredBytes()
	if capacityBytes <= 0 {
		return nil, status.Error(codes.InvalidArgument, "required_bytes must be positive")
	}

	volumeID := deriveVolumeID(req.GetName())
	logger := log.WithRequestID(uuid.New().String())

	contentSource, err := contentSourceFromRequest(req.GetVolumeContentSource())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if existing, err := s.getArcaVolume(volumeID); err == nil {
		if existing.CapacityBytes == capacityBytes && contentSourceEqual(existing.ContentSource, contentSource) {
			return &csi.CreateVolumeResponse{Volume: toCSIVolume(existing)}, nil
		}
		return nil, status.Errorf(codes.AlreadyExists, "volume %s already exists with different parameters", req.GetName())
	} else if errs.KindOf(err) != errs.NotFound {
		return nil, status.Error(codes.Internal, err.Error())
	}

	namespace := req.GetParameters()["csi.storage.k8s.io/pvc/namespace"]

	svmName, vip, err := s.selectSVM(ctx, namespace, contentSource)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	relPath := volumeID
	if err := s.populateContent(ctx, svmName, relPath, contentSource); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	if _, err := s.rest.SetQuota(ctx, restclient.SetQuotaRequest{SVMName: svmName, Volume: req.GetName(), Path: relPath, QuotaBytes: capacityBytes}); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	vol := &arcatypes.ArcaVolume{
		VolumeID:      volumeID,
		Name:          req.GetName(),
		SVMName:       svmName,
		VIP:           vip,
		Path:          relPath,
		CapacityBytes: capacityBytes,
		CreatedAt:     time.Now(),
		ContentSource: contentSource,
	}
	if err := s.store.CreateArcaVolume(vol); err != nil {
		if errs.Is(err, errs.AlreadyExists) {
			s.invalidateVolume(volumeID)
			existing, rerr := s.getArcaVolume(volumeID)
			if rerr != nil {
				return nil, status.Error(codes.Internal, rerr.Error())
			}
			if existing.CapacityBytes == capacityBytes && contentSourceEqual(existing.ContentSource, contentSource) {
				return &csi.CreateVolumeResponse{Volume: toCSIVolume(existing)}, nil
			}
			return nil, status.Errorf(codes.AlreadyExists, "volume %s already exists with different parameters", req.GetName())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.invalidateVolume(volumeID)

	logger.Info().Str("volume_id", volumeID).Str("svm", svmName).Msg("volume created")
	return &csi.CreateVolumeResponse{Volume: toCSIVolume(vol)}, nil
}

func (s *Server) populateContent(ctx context.Context, svmName, relPath string, src *arcatypes.ContentSource) error {
	switch {
	case src == nil:
		_, err := s.rest.CreateDirectory(ctx, restclient.CreateDirectoryRequest{SVMName: svmName, Path: relPath})
		if err != nil && !errs.Is(err, errs.AlreadyExists) {
			return err
		}
		return nil
	case src.Kind == arcatypes.ContentSourceVolume:
		source, err := s.getArcaVolume(src.SourceVolumeID)
		if err != nil {
			return err
		}
		_, err = s.rest.CreateSnapshot(ctx, restclient.CreateSnapshotRequest{SVMName: svmName, SourcePath: source.Path, SnapshotPath: relPath})
		if err != nil && !errs.Is(err, errs.AlreadyExists) {
			return err
		}
		return nil
	case src.Kind == arcatypes.ContentSourceSnapshot:
		snap, err := s.getArcaSnapshot(src.SourceSnapshotID)
		if err != nil {
			return err
		}
		_, err = s.rest.CreateSnapshot(ctx, restclient.CreateSnapshotRequest{SVMName: svmName, SourcePath: snap.Path, SnapshotPath: relPath})
		if err != nil && !errs.Is(err, errs.AlreadyExists) {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown content source kind %q", src.Kind)
}

// selectSVM resolves the SVM (and its VIP) a new volume should land on:
// the namespace's SVM with no content source, or the source volume's/
// snapshot's SVM when cloning or restoring.
func (s *Server) selectSVM(ctx context.Context, namespace string, src *arcatypes.ContentSource) (svmName, vip string, err error) {
	switch {
	case src == nil:
		return s.ensureSVMForNamespace(ctx, namespace)
	case src.Kind == arcatypes.ContentSourceVolume:
		source, err := s.getArcaVolume(src.SourceVolumeID)
		if err != nil {
			return "", "", err
		}
		return source.SVMName, source.VIP, nil
	case src.Kind == arcatypes.ContentSourceSnapshot:
		snap, err := s.getArcaSnapshot(src.SourceSnapshotID)
		if err != nil {
			return "", "", err
		}
		svm, err := s.rest.GetSVM(ctx, snap.SVMName)
		if err != nil {
			return "", "", err
		}
		return snap.SVMName, svm.VIP, nil
	}
	return "", "", fmt.Errorf("unknown content source kind %q", src.Kind)
}

// ensureSVMForNamespace resolves or lazily creates the one SVM backing
// a given Kubernetes namespace, serializing concurrent creators with a
// distributed lock and retrying IP allocation on VIP collision.
func (s *Server) ensureSVMForNamespace(ctx context.Context, namespace string) (svmName, vip string, err error) {
	svmName = "k8s-" + namespace

	if svm, err := s.rest.GetSVM(ctx, svmName); err == nil {
		return svmName, svm.VIP, nil
	} else if errs.KindOf(err) != errs.NotFound {
		return "", "", err
	}

	lock, err := s.leases.Acquire(ctx, "svm:"+namespace, leaseTTL)
	if err != nil {
		return "", "", fmt.Errorf("acquiring svm lock for namespace %s: %w", namespace, err)
	}
	defer lock.Release(context.Background())

	if svm, err := s.rest.GetSVM(ctx, svmName); err == nil {
		return svmName, svm.VIP, nil
	} else if errs.KindOf(err) != errs.NotFound {
		return "", "", err
	}

	retry := false
	for attempt := 0; attempt < svmEnsureRetries; attempt++ {
		alloc, err := s.ips.Allocate(retry)
		if err != nil {
			return "", "", fmt.Errorf("allocating ip for svm %s: %w", svmName, err)
		}

		svm, err := s.rest.CreateSVM(ctx, restclient.CreateSVMRequest{Name: svmName, VLANID: alloc.VLANID, IPCIDR: alloc.IPCIDR, Gateway: alloc.Gateway})
		if err == nil {
			return svmName, svm.VIP, nil
		}
		if errs.Is(err, errs.AlreadyExists) {
			existing, gerr := s.rest.GetSVM(ctx, svmName)
			if gerr != nil {
				return "", "", gerr
			}
			return svmName, existing.VIP, nil
		}
		if errs.Is(err, errs.NetworkConflict) {
			retry = true
			time.Sleep(backoff(attempt))
			continue
		}
		return "", "", err
	}
	return "", "", fmt.Errorf("exhausted retries ensuring svm %s", svmName)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// DeleteVolume is idempotent: absence is success.
func (s *Server) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	vol, err := s.getArcaVolume(volumeID)
	if errs.Is(err, errs.NotFound) {
		return &csi.DeleteVolumeResponse{}, nil
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	if err := s.rest.DeleteDirectory(ctx, vol.SVMName, vol.Name, vol.Path); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if err := s.store.DeleteArcaVolume(volumeID); err != nil && errs.KindOf(err) != errs.NotFound {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.invalidateVolume(volumeID)
	return &csi.DeleteVolumeResponse{}, nil
}

// CreateSnapshot reflinks the source volume's subtree and records the
// snapshot as not-ready until the reflink and status write both
// succeed, rolling back the metadata record if either fails.
func (s *Server) CreateSnapshot(ctx context.Context, req *csi.CreateSnapshotRequest) (*csi.CreateSnapshotResponse, error) {
	if req.GetName() == "" || req.GetSourceVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "name and source_volume_id are required")
	}

	snapshotID := deriveSnapshotID(req.GetSourceVolumeId(), req.GetName())
	if existing, err := s.getArcaSnapshot(snapshotID); err == nil {
		return &csi.CreateSnapshotResponse{Snapshot: toCSISnapshot(existing)}, nil
	} else if errs.KindOf(err) != errs.NotFound {
		return nil, status.Error(codes.Internal, err.Error())
	}

	source, err := s.getArcaVolume(req.GetSourceVolumeId())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	relPath := ".snapshots/" + snapshotID
	snap := &arcatypes.ArcaSnapshot{
		SnapshotID:     snapshotID,
		Name:           req.GetName(),
		SourceVolumeID: req.GetSourceVolumeId(),
		SVMName:        source.SVMName,
		Path:           relPath,
		SizeBytes:      source.CapacityBytes,
		CreatedAt:      time.Now(),
		ReadyToUse:     false,
	}
	if err := s.store.CreateArcaSnapshot(snap); err != nil && !errs.Is(err, errs.AlreadyExists) {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.invalidateSnapshot(snapshotID)

	if _, err := s.rest.CreateSnapshot(ctx, restclient.CreateSnapshotRequest{SVMName: source.SVMName, Volume: source.Name, SourcePath: source.Path, SnapshotPath: relPath}); err != nil {
		if rerr := s.store.DeleteArcaSnapshot(snapshotID); rerr != nil {
			log.WithComponent("csi-controller").Error().Err(rerr).Str("snapshot_id", snapshotID).Msg("rolling back snapshot record after reflink failure also failed")
		}
		s.invalidateSnapshot(snapshotID)
		return nil, status.Error(codes.Internal, err.Error())
	}

	snap.ReadyToUse = true
	if err := s.store.UpdateArcaSnapshot(snap); err != nil {
		if rerr := s.store.DeleteArcaSnapshot(snapshotID); rerr != nil {
			log.WithComponent("csi-controller").Error().Err(rerr).Str("snapshot_id", snapshotID).Msg("rolling back snapshot record after status write failure also failed")
		}
		s.invalidateSnapshot(snapshotID)
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.invalidateSnapshot(snapshotID)

	return &csi.CreateSnapshotResponse{Snapshot: toCSISnapshot(snap)}, nil
}

// DeleteSnapshot is idempotent: absence is success.
func (s *Server) DeleteSnapshot(ctx context.Context, req *csi.DeleteSnapshotRequest) (*csi.DeleteSnapshotResponse, error) {
	snapshotID := req.GetSnapshotId()
	snap, err := s.getArcaSnapshot(snapshotID)
	if errs.Is(err, errs.NotFound) {
		return &csi.DeleteSnapshotResponse{}, nil
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	if err := s.rest.DeleteSnapshot(ctx, snap.SVMName, "", snap.Path); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if err := s.store.DeleteArcaSnapshot(snapshotID); err != nil && errs.KindOf(err) != errs.NotFound {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.invalidateSnapshot(snapshotID)
	return &csi.DeleteSnapshotResponse{}, nil
}

// ControllerExpandVolume only grows; smaller-or-equal requests
// short-circuit without calling REST.
func (s *Server) ControllerExpandVolume(ctx context.Context, req *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	volumeID := req.GetVolumeId()
	vol, err := s.getArcaVolume(volumeID)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	requested := req.GetCapacityRange().GetRequiredBytes()
	if requested <= vol.CapacityBytes {
		return &csi.ControllerExpandVolumeResponse{CapacityBytes: vol.CapacityBytes, NodeExpansionRequired: false}, nil
	}

	if _, err := s.rest.SetQuota(ctx, restclient.SetQuotaRequest{SVMName: vol.SVMName, Volume: vol.Name, Path: vol.Path, QuotaBytes: requested}); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	vol.CapacityBytes = requested
	if err := s.store.UpdateArcaVolume(vol); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.invalidateVolume(volumeID)

	return &csi.ControllerExpandVolumeResponse{CapacityBytes: requested, NodeExpansionRequired: false}, nil
}

// ControllerGetCapabilities advertises the capabilities this service
// implements.
func (s *Server) ControllerGetCapabilities(ctx context.Context, req *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	types := []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_SNAPSHOT,
		csi.ControllerServiceCapability_RPC_CLONE_VOLUME,
		csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
		csi.ControllerServiceCapability_RPC_LIST_VOLUMES,
		csi.ControllerServiceCapability_RPC_LIST_SNAPSHOTS,
	}
	caps := make([]*csi.ControllerServiceCapability, 0, len(types))
	for _, t := range types {
		caps = append(caps, &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{Rpc: &csi.ControllerServiceCapability_RPC{Type: t}},
		})
	}
	return &csi.ControllerGetCapabilitiesResponse{Capabilities: caps}, nil
}

// ValidateVolumeCapabilities accepts any mount-flag-based access mode;
// block access is unsupported.
func (s *Server) ValidateVolumeCapabilities(ctx context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	if _, err := s.getArcaVolume(req.GetVolumeId()); err != nil {
		return nil, status.Errorf(codes.NotFound, "volume %s not found", req.GetVolumeId())
	}
	for _, cap := range req.GetVolumeCapabilities() {
		if cap.GetBlock() != nil {
			return &csi.ValidateVolumeCapabilitiesResponse{
				Message: "block access type is unsupported",
			}, nil
		}
	}
	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeCapabilities: req.GetVolumeCapabilities(),
		},
	}, nil
}

func (s *Server) ListVolumes(ctx context.Context, req *csi.ListVolumesRequest) (*csi.ListVolumesResponse, error) {
	vols, err := s.store.ListArcaVolumes()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	entries := make([]*csi.ListVolumesResponse_Entry, 0, len(vols))
	for _, v := range vols {
		entries = append(entries, &csi.ListVolumesResponse_Entry{Volume: toCSIVolume(v)})
	}
	return &csi.ListVolumesResponse{Entries: entries}, nil
}

func (s *Server) ListSnapshots(ctx context.Context, req *csi.ListSnapshotsRequest) (*csi.ListSnapshotsResponse, error) {
	snaps, err := s.store.ListArcaSnapshots()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	entries := make([]*csi.ListSnapshotsResponse_Entry, 0, len(snaps))
	for _, sn := range snaps {
		entries = append(entries, &csi.ListSnapshotsResponse_Entry{Snapshot: toCSISnapshot(sn)})
	}
	return &csi.ListSnapshotsResponse{Entries: entries}, nil
}

func toCSIVolume(v *arcatypes.ArcaVolume) *csi.Volume {
	return &csi.Volume{
		VolumeId:      v.VolumeID,
		CapacityBytes: v.CapacityBytes,
		VolumeContext: map[string]string{
			"svm":        v.SVMName,
			"vip":        v.VIP,
			"volumePath": v.Path,
		},
	}
}

func toCSISnapshot(s *arcatypes.ArcaSnapshot) *csi.Snapshot {
	return &csi.Snapshot{
		SnapshotId:     s.SnapshotID,
		SourceVolumeId: s.SourceVolumeID,
		SizeBytes:      s.SizeBytes,
		CreationTime:   timestamppb.New(s.CreatedAt),
		ReadyToUse:     s.ReadyToUse,
	}
}

func contentSourceFromRequest(src *csi.VolumeContentSource) (*arcatypes.ContentSource, error) {
	if src == nil {
		return nil, nil
	}
	if v := src.GetVolume(); v != nil {
		return &arcatypes.ContentSource{Kind: arcatypes.ContentSourceVolume, SourceVolumeID: v.GetVolumeId()}, nil
	}
	if sn := src.GetSnapshot(); sn != nil {
		return &arcatypes.ContentSource{Kind: arcatypes.ContentSourceSnapshot, SourceSnapshotID: sn.GetSnapshotId()}, nil
	}
	return nil, fmt.Errorf("volume content source must set either volume or snapshot")
}

func contentSourceEqual(a, b *arcatypes.ContentSource) bool {
	if a == nil || a.Kind == arcatypes.ContentSourceNone {
		return b == nil || b.Kind == arcatypes.ContentSourceNone
	}
	if b == nil {
		return false
	}
	return a.Kind == b.Kind && a.SourceVolumeID == b.SourceVolumeID && a.SourceSnapshotID == b.SourceSnapshotID
}
