package csi

import (
	"context"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/require"
)

func TestIdentityServer_GetPluginInfo(t *testing.T) {
	s := NewIdentityServer()
	resp, err := s.GetPluginInfo(context.Background(), &csi.GetPluginInfoRequest{})
	require.NoError(t, err)
	require.Equal(t, DriverName, resp.Name)
	require.Equal(t, DriverVersion, resp.VendorVersion)
}

func TestIdentityServer_ProbeReportsReady(t *testing.T) {
	s := NewIdentityServer()
	resp, err := s.Probe(context.Background(), &csi.ProbeRequest{})
	require.NoError(t, err)
	require.True(t, resp.Ready.Value)
}

func TestIdentityServer_GetPluginCapabilitiesAdvertisesControllerServiceOnly(t *testing.T) {
	s := NewIdentityServer()
	resp, err := s.GetPluginCapabilities(context.Background(), &csi.GetPluginCapabilitiesRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Capabilities, 1)
	require.Equal(t, csi.PluginCapability_Service_CONTROLLER_SERVICE, resp.Capabilities[0].GetService().Type)
}
