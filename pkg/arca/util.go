package arca

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// atomicWriteFile writes data to path via the write-temp/fsync/rename/
// fsync-directory sequence used for exporter configuration and
// NodeState persistence: a partial write or crash mid-write can
// never leave path looking like a valid-but-truncated file.
func atomicWriteFile(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory %s: %w", dir, err)
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return fmt.Errorf("fsyncing directory %s: %w", dir, err)
	}
	return nil
}

// ipPrefixFromCIDR extracts the prefix length from a CIDR string such
// as "192.168.10.0/24", defaulting to 24 when absent or unparseable.
func ipPrefixFromCIDR(cidr string) int {
	if cidr == "" {
		return 24
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return 24
	}
	ones, _ := network.Mask.Size()
	return ones
}

// deriveGatewayFromCIDR returns the first host address in cidr's subnet
// (network address + 1), or "" if cidr is absent, unparseable, or its
// prefix is longer than /30 (too small to have a distinct gateway host).
func deriveGatewayFromCIDR(cidr string) string {
	if cidr == "" {
		return ""
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return ""
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return ""
	}
	gw := make(net.IP, len(network.IP))
	copy(gw, network.IP)
	gw[len(gw)-1]++
	return gw.String()
}
