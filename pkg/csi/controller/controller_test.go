package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/require"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/csi/controller/ippool"
	"github.com/akam1o/arca-storage/pkg/csi/controller/lease"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/restclient"
	"github.com/akam1o/arca-storage/pkg/store"
)

// fakeArca is a minimal in-memory stand-in for the ARCA REST Server,
// enough to exercise the CSI Controller's HTTP call sites.
type fakeArca struct {
	mu          sync.Mutex
	svms        map[string]*arcatypes.SVM
	directories map[string]*arcatypes.Directory
	snapshots   map[string]*arcatypes.Snapshot
}

func newFakeArca() *fakeArca {
	return &fakeArca{
		svms:        map[string]*arcatypes.SVM{},
		directories: map[string]*arcatypes.Directory{},
		snapshots:   map[string]*arcatypes.Snapshot{},
	}
}

type fakeEnvelope struct {
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(fakeEnvelope{Data: data})
}

func writeErr(w http.ResponseWriter, status int, kind errs.Kind, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(fakeEnvelope{Error: string(kind), Message: msg})
}

func (f *fakeArca) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/svms/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/v1/svms/"):]
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			svm, ok := f.svms[name]
			if !ok {
				writeErr(w, 404, errs.NotFound, "svm not found")
				return
			}
			writeData(w, 200, svm)
		case http.MethodDelete:
			delete(f.svms, name)
			writeData(w, 200, nil)
		}
	})

	mux.HandleFunc("/v1/svms", func(w http.ResponseWriter, r *http.Request) {
		var req restclient.CreateSVMRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if existing, ok := f.svms[req.Name]; ok {
			writeErr(w, 409, errs.AlreadyExists, fmt.Sprintf("svm %s exists", req.Name))
			_ = existing
			return
		}
		svm := &arcatypes.SVM{
			Name:    req.Name,
			VLANID:  req.VLANID,
			IPCIDR:  req.IPCIDR,
			VIP:     vipOf(req.IPCIDR),
			Gateway: req.Gateway,
		}
		f.svms[req.Name] = svm
		writeData(w, 201, svm)
	})

	mux.HandleFunc("/v1/directories", func(w http.ResponseWriter, r *http.Request) {
		var req restclient.CreateDirectoryRequest
		json.NewDecoder(r.Body).Decode(&req)
		key := req.SVMName + ":" + req.Path
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.directories[key]; ok {
			writeErr(w, 409, errs.AlreadyExists, "directory exists")
			return
		}
		dir := &arcatypes.Directory{SVM: req.SVMName, Path: req.Path, QuotaBytes: req.QuotaBytes}
		f.directories[key] = dir
		writeData(w, 201, dir)
	})

	mux.HandleFunc("/v1/directories/", func(w http.ResponseWriter, r *http.Request) {
		svm := r.URL.Path[len("/v1/directories/"):]
		path := r.URL.Query().Get("path")
		key := svm + ":" + path
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.directories[key]; !ok {
			writeErr(w, 404, errs.NotFound, "directory not found")
			return
		}
		delete(f.directories, key)
		writeData(w, 200, nil)
	})

	mux.HandleFunc("/v1/snapshots", func(w http.ResponseWriter, r *http.Request) {
		var req restclient.CreateSnapshotRequest
		json.NewDecoder(r.Body).Decode(&req)
		key := req.SVMName + ":" + req.SnapshotPath
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.snapshots[key]; ok {
			writeErr(w, 409, errs.AlreadyExists, "snapshot exists")
			return
		}
		snap := &arcatypes.Snapshot{SVM: req.SVMName, SourcePath: req.SourcePath, SnapshotPath: req.SnapshotPath, ReadyToUse: true}
		f.snapshots[key] = snap
		writeData(w, 201, snap)
	})

	mux.HandleFunc("/v1/snapshots/", func(w http.ResponseWriter, r *http.Request) {
		svm := r.URL.Path[len("/v1/snapshots/"):]
		path := r.URL.Query().Get("path")
		key := svm + ":" + path
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.snapshots[key]; !ok {
			writeErr(w, 404, errs.NotFound, "snapshot not found")
			return
		}
		delete(f.snapshots, key)
		writeData(w, 200, nil)
	})

	mux.HandleFunc("/v1/quotas", func(w http.ResponseWriter, r *http.Request) {
		var req restclient.SetQuotaRequest
		json.NewDecoder(r.Body).Decode(&req)
		key := req.SVMName + ":" + req.Path
		f.mu.Lock()
		defer f.mu.Unlock()
		dir, ok := f.directories[key]
		if !ok {
			dir = &arcatypes.Directory{SVM: req.SVMName, Path: req.Path}
			f.directories[key] = dir
		}
		dir.QuotaBytes = req.QuotaBytes
		writeData(w, 200, dir)
	})

	return mux
}

func vipOf(cidr string) string {
	for i := 0; i < len(cidr); i++ {
		if cidr[i] == '/' {
			return cidr[:i]
		}
	}
	return cidr
}

func newTestServer(t *testing.T) (*Server, *fakeArca) {
	t.Helper()
	fa := newFakeArca()
	ts := httptest.NewServer(fa.handler())
	t.Cleanup(ts.Close)

	rc := restclient.New(restclient.Config{BaseURL: ts.URL})

	pools := []arcatypes.IPPoolConfig{
		{CIDR: "10.0.0.0/29", First: "10.0.0.1", Last: "10.0.0.6", VLANID: 100, Gateway: "10.0.0.1"},
	}
	alloc, err := ippool.New(pools, noopLister{}, func() uint32 { return 0 })
	require.NoError(t, err)

	client := k8sfake.NewSimpleClientset()
	leases := lease.New(client, "default", "controller-test")

	return New(store.NewMemStore(), rc, alloc, leases), fa
}

type noopLister struct{}

func (noopLister) VIPsInUse(vlanID int) (map[string]bool, error) { return map[string]bool{}, nil }

func TestServer_CreateVolume_NewNamespaceCreatesSVMAndVolume(t *testing.T) {
	s, fa := newTestServer(t)

	resp, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-1",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-a"},
	})
	require.NoError(t, err)
	require.Equal(t, deriveVolumeID("pvc-1"), resp.Volume.VolumeId)
	require.Equal(t, int64(1<<30), resp.Volume.CapacityBytes)
	require.Equal(t, "k8s-team-a", resp.Volume.VolumeContext["svm"])

	fa.mu.Lock()
	_, svmExists := fa.svms["k8s-team-a"]
	fa.mu.Unlock()
	require.True(t, svmExists)
}

func TestServer_CreateVolume_IsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	req := &csi.CreateVolumeRequest{
		Name:          "pvc-2",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 2 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-b"},
	}

	first, err := s.CreateVolume(context.Background(), req)
	require.NoError(t, err)

	second, err := s.CreateVolume(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Volume.VolumeId, second.Volume.VolumeId)
}

func TestServer_CreateVolume_ConflictingParametersReturnsAlreadyExists(t *testing.T) {
	s, _ := newTestServer(t)
	req := &csi.CreateVolumeRequest{
		Name:          "pvc-3",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-c"},
	}
	_, err := s.CreateVolume(context.Background(), req)
	require.NoError(t, err)

	req.CapacityRange.RequiredBytes = 2 << 30
	_, err = s.CreateVolume(context.Background(), req)
	require.Error(t, err)
}

func TestServer_DeleteVolume_AbsentVolumeIsSuccess(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.DeleteVolume(context.Background(), &csi.DeleteVolumeRequest{VolumeId: "pvc-doesnotexist"})
	require.NoError(t, err)
}

func TestServer_DeleteVolume_RemovesRecord(t *testing.T) {
	s, _ := newTestServer(t)
	created, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-4",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-d"},
	})
	require.NoError(t, err)

	_, err = s.DeleteVolume(context.Background(), &csi.DeleteVolumeRequest{VolumeId: created.Volume.VolumeId})
	require.NoError(t, err)

	_, err = s.store.GetArcaVolume(created.Volume.VolumeId)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestServer_CreateSnapshot_IsReadyAfterSuccess(t *testing.T) {
	s, _ := newTestServer(t)
	vol, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-5",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-e"},
	})
	require.NoError(t, err)

	snap, err := s.CreateSnapshot(context.Background(), &csi.CreateSnapshotRequest{
		Name:           "snap-1",
		SourceVolumeId: vol.Volume.VolumeId,
	})
	require.NoError(t, err)
	require.True(t, snap.Snapshot.ReadyToUse)
	require.Equal(t, vol.Volume.VolumeId, snap.Snapshot.SourceVolumeId)
}

func TestServer_CreateVolume_FromSnapshotResolvesSourceSVMVIP(t *testing.T) {
	s, fa := newTestServer(t)
	vol, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-6",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-f"},
	})
	require.NoError(t, err)

	snap, err := s.CreateSnapshot(context.Background(), &csi.CreateSnapshotRequest{
		Name:           "snap-2",
		SourceVolumeId: vol.Volume.VolumeId,
	})
	require.NoError(t, err)

	fa.mu.Lock()
	sourceSVM := fa.svms["k8s-team-f"]
	fa.mu.Unlock()
	require.NotEmpty(t, sourceSVM.VIP)

	restored, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-7",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-g"},
		VolumeContentSource: &csi.VolumeContentSource{
			Type: &csi.VolumeContentSource_Snapshot{
				Snapshot: &csi.VolumeContentSource_SnapshotSource{SnapshotId: snap.Snapshot.SnapshotId},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "k8s-team-f", restored.Volume.VolumeContext["svm"])
	require.Equal(t, sourceSVM.VIP, restored.Volume.VolumeContext["vip"])
}

func TestServer_CreateSnapshot_IsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	vol, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-6",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-f"},
	})
	require.NoError(t, err)

	req := &csi.CreateSnapshotRequest{Name: "snap-2", SourceVolumeId: vol.Volume.VolumeId}
	first, err := s.CreateSnapshot(context.Background(), req)
	require.NoError(t, err)
	second, err := s.CreateSnapshot(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Snapshot.SnapshotId, second.Snapshot.SnapshotId)
}

func TestServer_DeleteSnapshot_AbsentIsSuccess(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.DeleteSnapshot(context.Background(), &csi.DeleteSnapshotRequest{SnapshotId: "doesnotexist"})
	require.NoError(t, err)
}

func TestServer_ControllerExpandVolume_ShrinkIsNoop(t *testing.T) {
	s, fa := newTestServer(t)
	vol, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-7",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 4 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-g"},
	})
	require.NoError(t, err)

	fa.mu.Lock()
	quotaCallsBefore := len(fa.directories)
	fa.mu.Unlock()

	resp, err := s.ControllerExpandVolume(context.Background(), &csi.ControllerExpandVolumeRequest{
		VolumeId:      vol.Volume.VolumeId,
		CapacityRange: &csi.CapacityRange{RequiredBytes: 2 << 30},
	})
	require.NoError(t, err)
	require.Equal(t, int64(4<<30), resp.CapacityBytes)

	fa.mu.Lock()
	quotaCallsAfter := len(fa.directories)
	fa.mu.Unlock()
	require.Equal(t, quotaCallsBefore, quotaCallsAfter)
}

func TestServer_ControllerExpandVolume_GrowsQuota(t *testing.T) {
	s, _ := newTestServer(t)
	vol, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-8",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-h"},
	})
	require.NoError(t, err)

	resp, err := s.ControllerExpandVolume(context.Background(), &csi.ControllerExpandVolumeRequest{
		VolumeId:      vol.Volume.VolumeId,
		CapacityRange: &csi.CapacityRange{RequiredBytes: 8 << 30},
	})
	require.NoError(t, err)
	require.Equal(t, int64(8<<30), resp.CapacityBytes)
	require.False(t, resp.NodeExpansionRequired)
}

func TestServer_ControllerGetCapabilities_AdvertisesExpectedSet(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := s.ControllerGetCapabilities(context.Background(), &csi.ControllerGetCapabilitiesRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Capabilities, 6)
}

func TestServer_ValidateVolumeCapabilities_RejectsBlockAccess(t *testing.T) {
	s, _ := newTestServer(t)
	vol, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-9",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-i"},
	})
	require.NoError(t, err)

	resp, err := s.ValidateVolumeCapabilities(context.Background(), &csi.ValidateVolumeCapabilitiesRequest{
		VolumeId: vol.Volume.VolumeId,
		VolumeCapabilities: []*csi.VolumeCapability{
			{AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_BlockVolume{}}},
		},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Confirmed)
}

func TestServer_ValidateVolumeCapabilities_AcceptsMountAccess(t *testing.T) {
	s, _ := newTestServer(t)
	vol, err := s.CreateVolume(context.Background(), &csi.CreateVolumeRequest{
		Name:          "pvc-10",
		CapacityRange: &csi.CapacityRange{RequiredBytes: 1 << 30},
		Parameters:    map[string]string{"csi.storage.k8s.io/pvc/namespace": "team-j"},
	})
	require.NoError(t, err)

	caps := []*csi.VolumeCapability{
		{AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}}},
	}
	resp, err := s.ValidateVolumeCapabilities(context.Background(), &csi.ValidateVolumeCapabilitiesRequest{
		VolumeId:           vol.Volume.VolumeId,
		VolumeCapabilities: caps,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Confirmed)
}
