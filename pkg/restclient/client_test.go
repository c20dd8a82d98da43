package restclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, AuthToken: "tok"})
}

func TestClient_CreateSVMDecodesData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "/v1/svms", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": arcatypes.SVM{Name: "tenant_a", VLANID: 100, VIP: "10.0.0.5"},
		})
	})

	svm, err := c.CreateSVM(context.Background(), CreateSVMRequest{Name: "tenant_a", VLANID: 100, IPCIDR: "10.0.0.5/24"})
	require.NoError(t, err)
	require.Equal(t, "tenant_a", svm.Name)
	require.Equal(t, "10.0.0.5", svm.VIP)
}

func TestClient_ErrorEnvelopeMapsToKind(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "not_found",
			"message": "svm tenant_z not found",
		})
	})

	_, err := c.GetSVM(context.Background(), "tenant_z")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestClient_DeleteDirectoryToleratesNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "not_found",
			"message": "directory not found",
		})
	})

	err := c.DeleteDirectory(context.Background(), "tenant_a", "vol1", "/some/path")
	require.NoError(t, err)
}
