// Package csi hosts the CSI Identity service shared by the Controller
// and Node processes, plus the driver name/version constants both
// register under.
package csi

import (
	"context"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// DriverName is the CSI driver name advertised to Kubernetes.
	DriverName = "storage.arca.io"
	// DriverVersion is the CSI driver version advertised to Kubernetes.
	DriverVersion = "1.0.0"
)

// IdentityServer implements the CSI Identity service, shared verbatim
// by the Controller and Node processes.
type IdentityServer struct {
	csi.UnimplementedIdentityServer
}

// NewIdentityServer constructs an IdentityServer.
func NewIdentityServer() *IdentityServer {
	return &IdentityServer{}
}

func (s *IdentityServer) GetPluginInfo(ctx context.Context, req *csi.GetPluginInfoRequest) (*csi.GetPluginInfoResponse, error) {
	return &csi.GetPluginInfoResponse{
		Name:          DriverName,
		VendorVersion: DriverVersion,
	}, nil
}

// GetPluginCapabilities advertises only the controller service capability.
// No topology is advertised: this system has no topology model.
func (s *IdentityServer) GetPluginCapabilities(ctx context.Context, req *csi.GetPluginCapabilitiesRequest) (*csi.GetPluginCapabilitiesResponse, error) {
	return &csi.GetPluginCapabilitiesResponse{
		Capabilities: []*csi.PluginCapability{
			{
				Type: &csi.PluginCapability_Service_{
					Service: &csi.PluginCapability_Service{
						Type: csi.PluginCapability_Service_CONTROLLER_SERVICE,
					},
				},
			},
		},
	}, nil
}

func (s *IdentityServer) Probe(ctx context.Context, req *csi.ProbeRequest) (*csi.ProbeResponse, error) {
	return &csi.ProbeResponse{Ready: wrapperspb.Bool(true)}, nil
}
