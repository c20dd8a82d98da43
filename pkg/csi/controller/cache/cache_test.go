package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	Name string
	Tags []string
}

func copyRecord(v interface{}) interface{} {
	r := v.(*record)
	cp := &record{Name: r.Name, Tags: append([]string(nil), r.Tags...)}
	return cp
}

func TestCache_GetReturnsDeepCopy(t *testing.T) {
	c := New(8, time.Minute)
	orig := &record{Name: "vol1", Tags: []string{"a"}}
	c.Put("vol1", orig, copyRecord)

	got, ok := c.Get("vol1", copyRecord)
	require.True(t, ok)
	gotRecord := got.(*record)
	gotRecord.Tags[0] = "mutated"

	got2, ok := c.Get("vol1", copyRecord)
	require.True(t, ok)
	require.Equal(t, "a", got2.(*record).Tags[0])
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c := New(8, time.Millisecond)
	now := time.Now()
	c.clock = func() time.Time { return now }
	c.Put("vol1", &record{Name: "vol1"}, copyRecord)

	c.clock = func() time.Time { return now.Add(2 * time.Millisecond) }
	_, ok := c.Get("vol1", copyRecord)
	require.False(t, ok)
}

func TestCache_InvalidateRemovesEntry(t *testing.T) {
	c := New(8, time.Minute)
	c.Put("vol1", &record{Name: "vol1"}, copyRecord)
	c.Invalidate("vol1")

	_, ok := c.Get("vol1", copyRecord)
	require.False(t, ok)
}
