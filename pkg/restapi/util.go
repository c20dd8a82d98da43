package restapi

import (
	"net"
	"strings"

	"github.com/akam1o/arca-storage/pkg/errs"
)

// vipFromCIDR extracts the host address from a "vip/prefix" request
// field such as "192.168.10.5/24", validating that it parses as a
// CIDR and that the address is IPv4.
func vipFromCIDR(cidr string) (string, error) {
	host, _, found := strings.Cut(cidr, "/")
	if !found {
		return "", errs.Validationf("expected address/prefix, got %q", cidr)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", errs.Validationf("invalid IPv4 address %q", host)
	}
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return "", errs.Validationf("invalid CIDR %q: %v", cidr, err)
	}
	return ip.String(), nil
}
