package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/akam1o/arca-storage/pkg/ha"
	"github.com/stretchr/testify/require"
)

func TestResourceHost_EnsureThenStatus(t *testing.T) {
	f := New()
	ctx := context.Background()

	status, err := f.Status(ctx, "tenant_a")
	require.NoError(t, err)
	require.Equal(t, ha.StatusStopped, status)

	require.NoError(t, f.EnsureGroup(ctx, ha.GroupSpec{SVM: "tenant_a"}))

	status, err = f.Status(ctx, "tenant_a")
	require.NoError(t, err)
	require.Equal(t, ha.StatusStarted, status)
}

func TestResourceHost_RemoveGroupIsIdempotent(t *testing.T) {
	f := New()
	ctx := context.Background()

	require.NoError(t, f.RemoveGroup(ctx, "never_existed"))

	require.NoError(t, f.EnsureGroup(ctx, ha.GroupSpec{SVM: "tenant_a"}))
	require.NoError(t, f.RemoveGroup(ctx, "tenant_a"))
	require.NoError(t, f.RemoveGroup(ctx, "tenant_a"))

	status, err := f.Status(ctx, "tenant_a")
	require.NoError(t, err)
	require.Equal(t, ha.StatusStopped, status)
}

func TestResourceHost_EnsureGroupCanBeMadeToFail(t *testing.T) {
	f := New()
	f.FailEnsure = map[string]error{"tenant_a": errors.New("mount failed")}

	err := f.EnsureGroup(context.Background(), ha.GroupSpec{SVM: "tenant_a"})
	require.Error(t, err)

	require.Empty(t, f.Groups())
}

func TestResourceHost_IsPrimaryAlwaysTrue(t *testing.T) {
	f := New()
	require.True(t, f.IsPrimary())
}
