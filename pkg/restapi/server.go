// Package restapi implements the ARCA REST Server's HTTP surface:
// JSON-over-HTTP handlers for SVM/Volume/Export/Directory/Snapshot/
// Quota CRUD backed by pkg/arca.Orchestrator, following the response
// envelope and status-code semantics the CSI client and REST clients
// depend on. Routing uses
// gorilla/mux in place of a bare http.ServeMux, since the
// REST surface needs path variables (`/v1/volumes/{name}`) cuemby-warren's
// own HTTP server (pkg/api/health.go) never required.
package restapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/akam1o/arca-storage/pkg/arca"
	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/metrics"
	"github.com/gorilla/mux"
)

// Server is the ARCA REST Server's HTTP handler set.
type Server struct {
	orchestrator *arca.Orchestrator
	authToken    string
	router       *mux.Router
}

// NewServer constructs a Server over orchestrator. authToken, when
// non-empty, is required as a Bearer token on every request (the CSI
// Controller/Node's `arca.auth_token` configuration option).
func NewServer(orchestrator *arca.Orchestrator, authToken string) *Server {
	s := &Server{orchestrator: orchestrator, authToken: authToken, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.authMiddleware)
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/v1/svms", s.handleCreateSVM).Methods(http.MethodPost)
	r.HandleFunc("/v1/svms", s.handleListSVMs).Methods(http.MethodGet)
	r.HandleFunc("/v1/svms/{name}", s.handleGetSVM).Methods(http.MethodGet)
	r.HandleFunc("/v1/svms/{name}/capacity", s.handleSVMCapacity).Methods(http.MethodGet)
	r.HandleFunc("/v1/svms/{name}", s.handleDeleteSVM).Methods(http.MethodDelete)

	r.HandleFunc("/v1/volumes", s.handleCreateVolume).Methods(http.MethodPost)
	r.HandleFunc("/v1/volumes/{name}", s.handleResizeVolume).Methods(http.MethodPatch)
	r.HandleFunc("/v1/volumes/{name}", s.handleDeleteVolume).Methods(http.MethodDelete)

	r.HandleFunc("/v1/exports", s.handleCreateExport).Methods(http.MethodPost)
	r.HandleFunc("/v1/exports", s.handleListExports).Methods(http.MethodGet)
	r.HandleFunc("/v1/exports", s.handleDeleteExport).Methods(http.MethodDelete)

	r.HandleFunc("/v1/directories", s.handleCreateDirectory).Methods(http.MethodPost)
	r.HandleFunc("/v1/directories/{svm}", s.handleDeleteDirectory).Methods(http.MethodDelete)

	r.HandleFunc("/v1/snapshots", s.handleCreateSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/v1/snapshots/{svm}", s.handleDeleteSnapshot).Methods(http.MethodDelete)
	r.HandleFunc("/v1/snapshots/restore", s.handleRestoreSnapshot).Methods(http.MethodPost)

	r.HandleFunc("/v1/quotas", s.handleSetQuota).Methods(http.MethodPost)
	r.HandleFunc("/v1/quotas/{svm}", s.handleGetQuota).Methods(http.MethodGet)
	r.HandleFunc("/v1/quotas", s.handleExpandQuota).Methods(http.MethodPatch)

	r.Handle("/metrics", metrics.Handler())
}

// envelope is the response shape every handler writes:
// `{ "data": ..., "error": "...", "message": "..." }`.
type envelope struct {
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(envelope{Error: string(kind), Message: err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	defer r.Body.Close()
	if err := dec.Decode(v); err != nil {
		return errs.Validationf("decoding request body: %v", err)
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + s.authToken
		if r.Header.Get("Authorization") != want {
			writeError(w, errs.Validationf("missing or invalid authorization"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := mux.CurrentRoute(r)
		path := r.URL.Path
		if route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		status := strconv.Itoa(rec.status)
		metrics.RESTRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		metrics.RESTRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- SVM handlers ---

type createSVMRequest struct {
	Name    string `json:"name"`
	VLANID  int    `json:"vlan_id"`
	IPCIDR  string `json:"ip_cidr"`
	Gateway string `json:"gateway,omitempty"`
	MTU     int    `json:"mtu,omitempty"`
}

func (s *Server) handleCreateSVM(w http.ResponseWriter, r *http.Request) {
	var req createSVMRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	vip, err := vipFromCIDR(req.IPCIDR)
	if err != nil {
		writeError(w, errs.Validationf("ip_cidr: %v", err))
		return
	}

	svm := arcatypes.SVM{Name: req.Name, VLANID: req.VLANID, IPCIDR: req.IPCIDR, VIP: vip, Gateway: req.Gateway, MTU: req.MTU}
	got, err := s.orchestrator.CreateSVM(r.Context(), svm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleListSVMs(w http.ResponseWriter, r *http.Request) {
	svms, err := s.orchestrator.ListSVMs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svms)
}

func (s *Server) handleGetSVM(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	svm, err := s.orchestrator.GetSVM(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svm)
}

func (s *Server) handleSVMCapacity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	capacity, err := s.orchestrator.Capacity(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capacity)
}

func (s *Server) handleDeleteSVM(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.orchestrator.DeleteSVM(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- Volume handlers ---

type createVolumeRequest struct {
	SVM       string `json:"svm"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	vol, err := s.orchestrator.CreateVolume(r.Context(), req.SVM, req.Name, req.SizeBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vol)
}

type resizeVolumeRequest struct {
	SVM       string `json:"svm"`
	SizeBytes int64  `json:"size_bytes"`
}

func (s *Server) handleResizeVolume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req resizeVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	vol, err := s.orchestrator.ResizeVolume(r.Context(), req.SVM, name, req.SizeBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	svm := r.URL.Query().Get("svm")
	if err := s.orchestrator.DeleteVolume(r.Context(), svm, name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- Export handlers ---

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var e arcatypes.Export
	if err := decodeJSON(r, &e); err != nil {
		writeError(w, err)
		return
	}
	got, err := s.orchestrator.CreateExport(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	svm := r.URL.Query().Get("svm")
	exports, err := s.orchestrator.ListExports(r.Context(), svm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exports)
}

type deleteExportRequest struct {
	SVM      string `json:"svm"`
	ExportID int    `json:"export_id"`
}

func (s *Server) handleDeleteExport(w http.ResponseWriter, r *http.Request) {
	var req deleteExportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.orchestrator.DeleteExport(r.Context(), req.SVM, req.ExportID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- Directory handlers ---

type createDirectoryRequest struct {
	SVMName    string `json:"svm_name"`
	Volume     string `json:"volume"`
	Path       string `json:"path"`
	QuotaBytes int64  `json:"quota_bytes,omitempty"`
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req createDirectoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dir, err := s.orchestrator.CreateDirectory(r.Context(), req.SVMName, req.Volume, req.Path, req.QuotaBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dir)
}

func (s *Server) handleDeleteDirectory(w http.ResponseWriter, r *http.Request) {
	svm := mux.Vars(r)["svm"]
	volume := r.URL.Query().Get("volume")
	path := r.URL.Query().Get("path")
	if err := s.orchestrator.DeleteDirectory(r.Context(), svm, volume, path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- Snapshot handlers ---

type createSnapshotRequest struct {
	SVMName      string `json:"svm_name"`
	Volume       string `json:"volume"`
	SourcePath   string `json:"source_path"`
	SnapshotPath string `json:"snapshot_path"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.orchestrator.CreateSnapshot(r.Context(), req.SVMName, req.Volume, req.SourcePath, req.SnapshotPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	svm := mux.Vars(r)["svm"]
	volume := r.URL.Query().Get("volume")
	path := r.URL.Query().Get("path")
	if err := s.orchestrator.DeleteSnapshot(r.Context(), svm, volume, path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type restoreSnapshotRequest struct {
	SVMName      string `json:"svm_name"`
	Volume       string `json:"volume"`
	SnapshotPath string `json:"snapshot_path"`
	TargetPath   string `json:"target_path"`
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var req restoreSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.orchestrator.Restore(r.Context(), req.SVMName, req.Volume, req.SnapshotPath, req.TargetPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- Quota handlers ---

type setQuotaRequest struct {
	SVMName    string `json:"svm_name"`
	Volume     string `json:"volume"`
	Path       string `json:"path"`
	QuotaBytes int64  `json:"quota_bytes"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dir, err := s.orchestrator.SetQuota(r.Context(), req.SVMName, req.Volume, req.Path, req.QuotaBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dir)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	svm := mux.Vars(r)["svm"]
	volume := r.URL.Query().Get("volume")
	path := r.URL.Query().Get("path")
	dir, err := s.orchestrator.GetQuota(r.Context(), svm, volume, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dir)
}

func (s *Server) handleExpandQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dir, err := s.orchestrator.ExpandQuota(r.Context(), req.SVMName, req.Volume, req.Path, req.QuotaBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dir)
}
