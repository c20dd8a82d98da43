// Package ippool implements the CSI Controller's IP allocator: pool
// round-robin selection, lowest-free-host scanning within a pool on the
// first attempt, and a random-offset scan on conflict retry, the way
// VLAN's in-use VIP set keeps allocation collision-free. IPv4 only.
package ippool

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
)

// Allocation is one candidate (vlan_id, ip_cidr, gateway) drawn from a
// pool.
type Allocation struct {
	VLANID  int
	IPCIDR  string
	Gateway string
}

// InUseLister reports VIPs already assigned within a VLAN, queried from
// the ARCA REST Server so the allocator never picks a VIP the cluster
// already has in use.
type InUseLister interface {
	VIPsInUse(vlanID int) (map[string]bool, error)
}

// Allocator draws IP allocations from a set of configured pools.
type Allocator struct {
	pools   []pool
	next    uint32 // atomically incremented pool round-robin cursor
	lister  InUseLister
	randSrc func() uint32
}

type pool struct {
	cfg     arcatypes.IPPoolConfig
	first   uint32
	last    uint32
	ones    int
	network *net.IPNet
}

// New constructs an Allocator over cfgs, querying lister for VIPs
// already in use within a VLAN. randSrc supplies the random offset used
// on conflict-retry scans; callers should pass a seeded source (tests
// pass a deterministic one for reproducibility).
func New(cfgs []arcatypes.IPPoolConfig, lister InUseLister, randSrc func() uint32) (*Allocator, error) {
	pools := make([]pool, 0, len(cfgs))
	for _, cfg := range cfgs {
		_, network, err := net.ParseCIDR(cfg.CIDR)
		if err != nil {
			return nil, errs.Validationf("pool cidr %q: %v", cfg.CIDR, err)
		}
		ones, bits := network.Mask.Size()
		if bits != 32 {
			return nil, errs.Validationf("pool cidr %q: only IPv4 pools are supported", cfg.CIDR)
		}
		first := ip4ToUint32(net.ParseIP(cfg.First))
		last := ip4ToUint32(net.ParseIP(cfg.Last))
		if first == 0 || last == 0 || first > last {
			return nil, errs.Validationf("pool %q: invalid first_ip/last_ip range", cfg.CIDR)
		}
		netAddr := ip4ToUint32(network.IP)
		broadcast := netAddr | ^ip4ToUint32(net.IP(network.Mask).To4())
		if first == netAddr {
			first++
		}
		if last == broadcast {
			last--
		}
		pools = append(pools, pool{cfg: cfg, first: first, last: last, ones: ones, network: network})
	}
	if randSrc == nil {
		randSrc = func() uint32 { return 0 }
	}
	return &Allocator{pools: pools, lister: lister, randSrc: randSrc}, nil
}

// ErrAllPoolsExhausted is returned when every configured pool enumerates
// as full.
var ErrAllPoolsExhausted = errs.Capacityf("all ip pools exhausted")

// Allocate returns a fresh (vlan_id, ip_cidr, gateway) triple, starting
// the scan at a round-robin-selected pool. retry, when true, starts the
// in-pool scan at a random offset instead of the lowest free host (used
// after a reported NetworkConflict on a previous allocation).
func (a *Allocator) Allocate(retry bool) (Allocation, error) {
	if len(a.pools) == 0 {
		return Allocation{}, errs.Validationf("no ip pools configured")
	}

	start := int(atomic.AddUint32(&a.next, 1)-1) % len(a.pools)
	for i := 0; i < len(a.pools); i++ {
		p := a.pools[(start+i)%len(a.pools)]
		alloc, ok, err := a.allocateFromPool(p, retry)
		if err != nil {
			return Allocation{}, err
		}
		if ok {
			return alloc, nil
		}
	}
	return Allocation{}, ErrAllPoolsExhausted
}

func (a *Allocator) allocateFromPool(p pool, retry bool) (Allocation, bool, error) {
	inUse, err := a.lister.VIPsInUse(p.cfg.VLANID)
	if err != nil {
		return Allocation{}, false, err
	}

	span := p.last - p.first + 1
	offset := uint32(0)
	if retry && span > 0 {
		offset = a.randSrc() % span
	}

	for i := uint32(0); i < span; i++ {
		candidate := p.first + (offset+i)%span
		ip := uint32ToIP4(candidate)
		if !inUse[ip.String()] {
			return Allocation{
				VLANID:  p.cfg.VLANID,
				IPCIDR:  ipCIDR(ip, p.ones),
				Gateway: p.cfg.Gateway,
			}, true, nil
		}
	}
	return Allocation{}, false, nil
}

func ip4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP4(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func ipCIDR(ip net.IP, ones int) string {
	return ip.String() + "/" + strconv.Itoa(ones)
}
