package ippool

import (
	"testing"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	inUse map[int]map[string]bool
}

func (f *fakeLister) VIPsInUse(vlanID int) (map[string]bool, error) {
	if f.inUse[vlanID] == nil {
		return map[string]bool{}, nil
	}
	return f.inUse[vlanID], nil
}

func TestAllocator_PicksLowestFreeHost(t *testing.T) {
	cfgs := []arcatypes.IPPoolConfig{
		{CIDR: "10.0.0.0/29", First: "10.0.0.1", Last: "10.0.0.6", VLANID: 100, Gateway: "10.0.0.1"},
	}
	a, err := New(cfgs, &fakeLister{inUse: map[int]map[string]bool{100: {"10.0.0.1": true, "10.0.0.2": true}}}, nil)
	require.NoError(t, err)

	alloc, err := a.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3/29", alloc.IPCIDR)
	require.Equal(t, 100, alloc.VLANID)
}

func TestAllocator_ExcludesNetworkAndBroadcast(t *testing.T) {
	cfgs := []arcatypes.IPPoolConfig{
		{CIDR: "10.0.0.0/29", First: "10.0.0.0", Last: "10.0.0.7", VLANID: 100, Gateway: "10.0.0.1"},
	}
	inUse := map[string]bool{}
	// exhaust every usable host except the last one before broadcast
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"} {
		inUse[ip] = true
	}
	a, err := New(cfgs, &fakeLister{inUse: map[int]map[string]bool{100: inUse}}, nil)
	require.NoError(t, err)

	alloc, err := a.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.6/29", alloc.IPCIDR)
}

func TestAllocator_AllPoolsExhaustedReturnsCapacityError(t *testing.T) {
	cfgs := []arcatypes.IPPoolConfig{
		{CIDR: "10.0.0.0/30", First: "10.0.0.1", Last: "10.0.0.2", VLANID: 100, Gateway: "10.0.0.1"},
	}
	inUse := map[string]bool{"10.0.0.1": true, "10.0.0.2": true}
	a, err := New(cfgs, &fakeLister{inUse: map[int]map[string]bool{100: inUse}}, nil)
	require.NoError(t, err)

	_, err = a.Allocate(false)
	require.ErrorIs(t, err, ErrAllPoolsExhausted)
}

func TestAllocator_RoundRobinsAcrossPools(t *testing.T) {
	cfgs := []arcatypes.IPPoolConfig{
		{CIDR: "10.0.0.0/29", First: "10.0.0.1", Last: "10.0.0.6", VLANID: 100, Gateway: "10.0.0.1"},
		{CIDR: "10.0.1.0/29", First: "10.0.1.1", Last: "10.0.1.6", VLANID: 200, Gateway: "10.0.1.1"},
	}
	a, err := New(cfgs, &fakeLister{inUse: map[int]map[string]bool{}}, nil)
	require.NoError(t, err)

	first, err := a.Allocate(false)
	require.NoError(t, err)
	second, err := a.Allocate(false)
	require.NoError(t, err)
	require.NotEqual(t, first.VLANID, second.VLANID)
}

func TestAllocator_RetryUsesRandomOffset(t *testing.T) {
	cfgs := []arcatypes.IPPoolConfig{
		{CIDR: "10.0.0.0/29", First: "10.0.0.1", Last: "10.0.0.6", VLANID: 100, Gateway: "10.0.0.1"},
	}
	a, err := New(cfgs, &fakeLister{inUse: map[int]map[string]bool{}}, func() uint32 { return 3 })
	require.NoError(t, err)

	alloc, err := a.Allocate(true)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.4/29", alloc.IPCIDR)
}
