// Package config loads the control plane's runtime configuration from
// YAML, with environment-variable overrides for secrets, following
// cuemby-warren's convention of env-overridable bootstrap values.
package config

import (
	"fmt"
	"os"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"gopkg.in/yaml.v3"
)

// ExporterProtocols is the closed set of NFS protocol configurations.
type ExporterProtocols string

const (
	ProtocolsV4   ExporterProtocols = "4"
	ProtocolsV3V4 ExporterProtocols = "3,4"
)

// ExporterConfig controls the per-SVM NFS exporter daemon and the
// exporter configuration file layout.
type ExporterConfig struct {
	Protocols    ExporterProtocols `yaml:"protocols"`
	MountdPort   int               `yaml:"mountd_port,omitempty"`
	NLMPort      int               `yaml:"nlm_port,omitempty"`
	ExportRoot   string            `yaml:"export_root"`
	ConfigDir    string            `yaml:"config_dir"`
	TemplateVersion string         `yaml:"template_version"`
}

// RESTConfig configures the ARCA REST server.
type RESTConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	RequestTimeout string `yaml:"request_timeout"`
}

// ArcaClientConfig configures a CSI process's REST client to the ARCA
// REST server.
type ArcaClientConfig struct {
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
	AuthToken string `yaml:"auth_token"`
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
	TLS       TLSConfig `yaml:"tls"`
}

// NetworkConfig configures the CSI Controller's IP allocator.
type NetworkConfig struct {
	Pools []arcatypes.IPPoolConfig `yaml:"pools"`
	MTU   int                      `yaml:"mtu"`
}

// CSIControllerConfig configures the CSI Controller process.
type CSIControllerConfig struct {
	Endpoint       string           `yaml:"endpoint"`
	Arca           ArcaClientConfig `yaml:"arca"`
	Network        NetworkConfig    `yaml:"network"`
	LeaseNamespace string           `yaml:"lease_namespace"`
	DataDir        string           `yaml:"data_dir"`
}

// CSINodeConfig configures the CSI Node process.
type CSINodeConfig struct {
	Endpoint      string `yaml:"endpoint"`
	NodeID        string `yaml:"node_id"`
	StateFilePath string `yaml:"state_file_path"`
	BaseMountPath string `yaml:"base_mount_path"`
	Arca          ArcaClientConfig `yaml:"arca"`
}

// StorageConfig names the LVM thin pool the Storage Stack provisions
// SVM volumes from, and the host interface the Tenant Network Isolator
// VLAN-subinterfaces off of.
type StorageConfig struct {
	VolumeGroup string `yaml:"volume_group"`
	ThinPool    string `yaml:"thin_pool"`
	ParentIf    string `yaml:"parent_interface"`
}

// RaftConfig configures the HA Resource Host's Raft transport.
type RaftConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// TLSConfig controls whether a component issues/loads mTLS certificates
// from the cluster CertAuthority and where they're cached on disk.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	CertDir string `yaml:"cert_dir"`
	ClusterID string `yaml:"cluster_id"`
}

// ServerConfig configures the arca-serverd process.
type ServerConfig struct {
	REST     RESTConfig     `yaml:"rest"`
	Exporter ExporterConfig `yaml:"exporter"`
	Storage  StorageConfig  `yaml:"storage"`
	Raft     RaftConfig     `yaml:"raft"`
	TLS      TLSConfig      `yaml:"tls"`
	DataDir  string         `yaml:"data_dir"`
	RaftDir  string         `yaml:"raft_dir"`
	NodeID   string         `yaml:"node_id"`
	AuthToken string        `yaml:"auth_token"`
}

const authTokenEnvVar = "ARCA_AUTH_TOKEN"

// LoadServerConfig reads a ServerConfig from path, applying defaults for
// any zero-valued fields.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := defaultServerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv(authTokenEnvVar); v != "" {
		cfg.AuthToken = v
	}
	return cfg, nil
}

// LoadCSIControllerConfig reads a CSIControllerConfig from path, applying
// the ARCA_AUTH_TOKEN environment override.
func LoadCSIControllerConfig(path string) (*CSIControllerConfig, error) {
	cfg := defaultCSIControllerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	applyAuthTokenOverride(&cfg.Arca)
	return cfg, nil
}

// LoadCSINodeConfig reads a CSINodeConfig from path, applying the
// ARCA_AUTH_TOKEN environment override.
func LoadCSINodeConfig(path string) (*CSINodeConfig, error) {
	cfg := defaultCSINodeConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	applyAuthTokenOverride(&cfg.Arca)
	return cfg, nil
}

func applyAuthTokenOverride(a *ArcaClientConfig) {
	if v := os.Getenv(authTokenEnvVar); v != "" {
		a.AuthToken = v
	}
}

func loadYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		REST: RESTConfig{
			ListenAddr:     ":8443",
			MetricsAddr:    ":9100",
			RequestTimeout: "30s",
		},
		Exporter: ExporterConfig{
			Protocols:       ProtocolsV4,
			ExportRoot:      "/exports",
			ConfigDir:       "/etc/ganesha",
			TemplateVersion: "v1",
		},
		Storage: StorageConfig{
			VolumeGroup: "arca",
			ThinPool:    "arca-thin",
			ParentIf:    "eth0",
		},
		Raft: RaftConfig{
			BindAddr: "127.0.0.1:7373",
		},
		TLS: TLSConfig{
			Enabled:   false,
			CertDir:   "/etc/arca-storage/certs",
			ClusterID: "arca-cluster",
		},
		DataDir: "/var/lib/arca-storage",
		RaftDir: "/var/lib/arca-storage/raft",
	}
}

func defaultCSIControllerConfig() *CSIControllerConfig {
	return &CSIControllerConfig{
		Endpoint: "unix:///var/lib/kubelet/plugins/csi-arca-storage/csi.sock",
		Arca: ArcaClientConfig{
			Timeout: "30s",
			TLS: TLSConfig{
				CertDir:   "/etc/arca-storage/certs",
				ClusterID: "arca-cluster",
			},
		},
		LeaseNamespace: "kube-system",
		DataDir:        "/var/lib/csi-arca-storage-controller",
	}
}

func defaultCSINodeConfig() *CSINodeConfig {
	return &CSINodeConfig{
		Endpoint:      "unix:///var/lib/kubelet/plugins/csi-arca-storage/csi.sock",
		StateFilePath: "/var/lib/csi-arca-storage/node-volumes.json",
		BaseMountPath: "/var/lib/csi-arca-storage/mounts",
		Arca: ArcaClientConfig{
			Timeout: "30s",
			TLS: TLSConfig{
				CertDir:   "/etc/arca-storage/certs",
				ClusterID: "arca-cluster",
			},
		},
	}
}
