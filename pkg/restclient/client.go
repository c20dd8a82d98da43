// Package restclient is the CSI Controller's HTTP client
// for the ARCA REST Server, decoding the {data, error, message} envelope
// back into the control plane's error taxonomy, wrapping per-call context
// deadlines and error propagation the way cuemby-warren's pkg/client wraps
// its gRPC client.
package restclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
)

// Config configures a Client.
type Config struct {
	BaseURL               string
	Timeout               time.Duration
	AuthToken             string
	TLSInsecureSkipVerify bool
	// TLSClientCert, when non-nil, is presented as the client certificate
	// for mTLS against the REST Server; TLSRootCAs pins the cluster CA
	// that signed the server's leaf certificate.
	TLSClientCert *tls.Certificate
	TLSRootCAs    *x509.CertPool
}

// Client is a thin HTTP client over the ARCA REST Server's surface.
type Client struct {
	baseURL    string
	authToken  string
	timeout    time.Duration
	httpClient *http.Client
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	transport := &http.Transport{}
	if cfg.TLSInsecureSkipVerify || cfg.TLSClientCert != nil || cfg.TLSRootCAs != nil {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkipVerify}
		if cfg.TLSClientCert != nil {
			tlsConfig.Certificates = []tls.Certificate{*cfg.TLSClientCert}
		}
		if cfg.TLSRootCAs != nil {
			tlsConfig.RootCAs = cfg.TLSRootCAs
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		timeout:   cfg.Timeout,
		httpClient: &http.Client{
			Transport: transport,
		},
	}
}

type envelope struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errs.Validationf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errs.Validationf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Transientf("calling %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 500 {
			return errs.Transientf("%s %s returned status %d with unparseable body", method, path, resp.StatusCode)
		}
		return errs.Validationf("%s %s returned status %d with unparseable body", method, path, resp.StatusCode)
	}

	if env.Error != "" {
		return &errs.Error{Kind: errs.Kind(env.Error), Message: env.Message}
	}
	if resp.StatusCode >= 400 {
		return errs.Transientf("%s %s returned status %d", method, path, resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data from %s %s: %w", method, path, err)
		}
	}
	return nil
}

// CreateSVMRequest is the CreateSVM request body.
type CreateSVMRequest struct {
	Name    string `json:"name"`
	VLANID  int    `json:"vlan_id"`
	IPCIDR  string `json:"ip_cidr"`
	Gateway string `json:"gateway,omitempty"`
	MTU     int    `json:"mtu,omitempty"`
}

func (c *Client) CreateSVM(ctx context.Context, req CreateSVMRequest) (*arcatypes.SVM, error) {
	var svm arcatypes.SVM
	if err := c.do(ctx, http.MethodPost, "/v1/svms", nil, req, &svm); err != nil {
		return nil, err
	}
	return &svm, nil
}

func (c *Client) GetSVM(ctx context.Context, name string) (*arcatypes.SVM, error) {
	var svm arcatypes.SVM
	if err := c.do(ctx, http.MethodGet, "/v1/svms/"+url.PathEscape(name), nil, nil, &svm); err != nil {
		return nil, err
	}
	return &svm, nil
}

func (c *Client) ListSVMs(ctx context.Context) ([]*arcatypes.SVM, error) {
	var svms []*arcatypes.SVM
	if err := c.do(ctx, http.MethodGet, "/v1/svms", nil, nil, &svms); err != nil {
		return nil, err
	}
	return svms, nil
}

func (c *Client) SVMCapacity(ctx context.Context, name string) (*CapacityResponse, error) {
	var capacity CapacityResponse
	if err := c.do(ctx, http.MethodGet, "/v1/svms/"+url.PathEscape(name)+"/capacity", nil, nil, &capacity); err != nil {
		return nil, err
	}
	return &capacity, nil
}

// CapacityResponse mirrors pkg/arca.Capacity's JSON shape.
type CapacityResponse struct {
	TotalBytes     int64
	AvailableBytes int64
	UsedBytes      int64
}

func (c *Client) DeleteSVM(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/svms/"+url.PathEscape(name), nil, nil, nil)
}

// CreateDirectoryRequest is the CreateDirectory request body.
type CreateDirectoryRequest struct {
	SVMName    string `json:"svm_name"`
	Volume     string `json:"volume,omitempty"`
	Path       string `json:"path"`
	QuotaBytes int64  `json:"quota_bytes,omitempty"`
}

func (c *Client) CreateDirectory(ctx context.Context, req CreateDirectoryRequest) (*arcatypes.Directory, error) {
	var dir arcatypes.Directory
	if err := c.do(ctx, http.MethodPost, "/v1/directories", nil, req, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (c *Client) DeleteDirectory(ctx context.Context, svm, volume, path string) error {
	q := url.Values{"path": []string{path}}
	if volume != "" {
		q.Set("volume", volume)
	}
	err := c.do(ctx, http.MethodDelete, "/v1/directories/"+url.PathEscape(svm), q, nil, nil)
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	return err
}

// CreateSnapshotRequest is the CreateSnapshot request body.
type CreateSnapshotRequest struct {
	SVMName      string `json:"svm_name"`
	Volume       string `json:"volume,omitempty"`
	SourcePath   string `json:"source_path"`
	SnapshotPath string `json:"snapshot_path"`
}

func (c *Client) CreateSnapshot(ctx context.Context, req CreateSnapshotRequest) (*arcatypes.Snapshot, error) {
	var snap arcatypes.Snapshot
	if err := c.do(ctx, http.MethodPost, "/v1/snapshots", nil, req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, svm, volume, path string) error {
	q := url.Values{"path": []string{path}}
	if volume != "" {
		q.Set("volume", volume)
	}
	err := c.do(ctx, http.MethodDelete, "/v1/snapshots/"+url.PathEscape(svm), q, nil, nil)
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	return err
}

// SetQuotaRequest is the SetQuota/ExpandQuota request body.
type SetQuotaRequest struct {
	SVMName    string `json:"svm_name"`
	Volume     string `json:"volume,omitempty"`
	Path       string `json:"path"`
	QuotaBytes int64  `json:"quota_bytes"`
}

func (c *Client) SetQuota(ctx context.Context, req SetQuotaRequest) (*arcatypes.Directory, error) {
	var dir arcatypes.Directory
	if err := c.do(ctx, http.MethodPost, "/v1/quotas", nil, req, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (c *Client) ExpandQuota(ctx context.Context, req SetQuotaRequest) (*arcatypes.Directory, error) {
	var dir arcatypes.Directory
	if err := c.do(ctx, http.MethodPatch, "/v1/quotas", nil, req, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (c *Client) GetQuota(ctx context.Context, svm, volume, path string) (*arcatypes.Directory, error) {
	q := url.Values{"path": []string{path}}
	if volume != "" {
		q.Set("volume", volume)
	}
	var dir arcatypes.Directory
	if err := c.do(ctx, http.MethodGet, "/v1/quotas/"+url.PathEscape(svm), q, nil, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}
