package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akam1o/arca-storage/pkg/arca"
	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/exporter"
	haFake "github.com/akam1o/arca-storage/pkg/ha/fake"
	"github.com/akam1o/arca-storage/pkg/netns"
	"github.com/akam1o/arca-storage/pkg/storagestack"
	"github.com/akam1o/arca-storage/pkg/store"
	"github.com/stretchr/testify/require"
)

type noopStack struct{}

func (noopStack) CreateVolume(ctx context.Context, spec storagestack.VolumeSpec) error { return nil }
func (noopStack) ResizeVolume(ctx context.Context, spec storagestack.VolumeSpec, newSizeBytes int64) error {
	return nil
}
func (noopStack) DeleteVolume(ctx context.Context, spec storagestack.VolumeSpec) error { return nil }
func (noopStack) CreateDirectory(ctx context.Context, mountPath, relPath string) error  { return nil }
func (noopStack) DeleteDirectory(ctx context.Context, mountPath, relPath string) error  { return nil }
func (noopStack) SetQuota(ctx context.Context, spec storagestack.QuotaSpec) (uint32, error) {
	if spec.ProjectID != 0 {
		return spec.ProjectID, nil
	}
	return 42, nil
}
func (noopStack) ExpandQuota(ctx context.Context, spec storagestack.QuotaSpec) (uint32, error) {
	return 42, nil
}
func (noopStack) GetQuota(ctx context.Context, mountPath string, projectID uint32) (storagestack.Quota, error) {
	return storagestack.Quota{ProjectID: projectID, QuotaBytes: 100, UsedBytes: 10}, nil
}
func (noopStack) CreateSnapshot(ctx context.Context, mountPath, sourceRelPath, snapshotRelPath string) error {
	return nil
}
func (noopStack) Restore(ctx context.Context, mountPath, snapshotRelPath, targetRelPath string) error {
	return nil
}
func (noopStack) PoolCapacity(ctx context.Context, volumeGroup, thinPool string) (int64, int64, error) {
	return 100, 50, nil
}
func (noopStack) VolumeUsedBytes(ctx context.Context, mountPath string) (int64, error) { return 1, nil }

type noopIsolator struct{}

func (noopIsolator) Start(ctx context.Context, spec netns.Spec) error           { return nil }
func (noopIsolator) Stop(ctx context.Context, svm string) error                { return nil }
func (noopIsolator) Monitor(ctx context.Context, spec netns.Spec) (bool, error) { return true, nil }
func (noopIsolator) Validate(spec netns.Spec) error                            { return nil }

type noopDaemon struct{}

func (noopDaemon) EnsureRunning(ctx context.Context, spec exporter.Spec) error { return nil }
func (noopDaemon) Reload(ctx context.Context, spec exporter.Spec) error       { return nil }
func (noopDaemon) Stop(ctx context.Context, spec exporter.Spec) error         { return nil }

func newTestServer(t *testing.T, authToken string) *Server {
	t.Helper()
	st := store.NewMemStore()
	host := haFake.New()
	layout := arca.Layout{ExportRoot: "/exports", ConfigDir: "/etc/ganesha", VolumeGroup: "vg0", ThinPool: "thinpool0", ParentIf: "eth0", TemplateVersion: "v1"}
	o := arca.New(st, host, noopStack{}, noopIsolator{}, noopDaemon{}, layout)
	return NewServer(o, authToken)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, authToken string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CreateSVMThenListContainsIt(t *testing.T) {
	s := newTestServer(t, "")

	rec := doJSON(t, s, http.MethodPost, "/v1/svms", createSVMRequest{Name: "tenant_a", VLANID: 100, IPCIDR: "192.168.10.5/24"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var created envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	svm, ok := created.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "192.168.10.1", svm["gateway"])

	rec = doJSON(t, s, http.MethodGet, "/v1/svms", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listed envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	svms, ok := listed.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, svms, 1)
}

func TestServer_CreateSVMConflictReturns409(t *testing.T) {
	s := newTestServer(t, "")

	rec := doJSON(t, s, http.MethodPost, "/v1/svms", createSVMRequest{Name: "tenant_a", VLANID: 100, IPCIDR: "192.168.10.5/24"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/svms", createSVMRequest{Name: "tenant_a", VLANID: 200, IPCIDR: "192.168.10.6/24"}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_GetMissingSVMReturns404(t *testing.T) {
	s := newTestServer(t, "")
	rec := doJSON(t, s, http.MethodGet, "/v1/svms/does-not-exist", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, "secret-token")

	rec := doJSON(t, s, http.MethodGet, "/v1/svms", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/svms", nil, "secret-token")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_VolumeAndExportLifecycle(t *testing.T) {
	s := newTestServer(t, "")

	rec := doJSON(t, s, http.MethodPost, "/v1/svms", createSVMRequest{Name: "tenant_a", VLANID: 100, IPCIDR: "192.168.10.5/24"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/volumes", createVolumeRequest{SVM: "tenant_a", Name: "vol1", SizeBytes: 10 << 30}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/exports", arcatypes.Export{SVM: "tenant_a", Volume: "vol1", ClientCIDR: "10.0.0.0/24", Access: arcatypes.AccessRW}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/exports?svm=tenant_a", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusForKind_CoversAllKinds(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, statusForKind(errs.Validation))
	require.Equal(t, http.StatusNotFound, statusForKind(errs.NotFound))
	require.Equal(t, http.StatusConflict, statusForKind(errs.AlreadyExists))
	require.Equal(t, http.StatusConflict, statusForKind(errs.NetworkConflict))
	require.Equal(t, http.StatusInsufficientStorage, statusForKind(errs.Capacity))
	require.Equal(t, http.StatusServiceUnavailable, statusForKind(errs.Transient))
	require.Equal(t, http.StatusServiceUnavailable, statusForKind(errs.StateMachine))
	require.Equal(t, http.StatusInternalServerError, statusForKind(errs.Corruption))
}
