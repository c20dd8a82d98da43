package store

import (
	"testing"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/stretchr/testify/require"
)

func TestMemStore_SVMCreateGetDelete(t *testing.T) {
	s := NewMemStore()

	err := s.CreateSVM(&arcatypes.SVM{Name: "tenant_a", VLANID: 100, VIP: "192.168.10.5"})
	require.NoError(t, err)

	got, err := s.GetSVM("tenant_a")
	require.NoError(t, err)
	require.Equal(t, "192.168.10.5", got.VIP)

	// mutating the returned copy must not affect the store.
	got.VIP = "mutated"
	got2, err := s.GetSVM("tenant_a")
	require.NoError(t, err)
	require.Equal(t, "192.168.10.5", got2.VIP)

	require.NoError(t, s.DeleteSVM("tenant_a"))
	_, err = s.GetSVM("tenant_a")
	require.True(t, errs.Is(err, errs.NotFound))

	// deleting again is a no-op, not an error.
	require.NoError(t, s.DeleteSVM("tenant_a"))
}

func TestMemStore_ExportSequenceIsPerSVM(t *testing.T) {
	s := NewMemStore()

	id1, err := s.NextExportID("tenant_a")
	require.NoError(t, err)
	id2, err := s.NextExportID("tenant_a")
	require.NoError(t, err)
	idOther, err := s.NextExportID("tenant_b")
	require.NoError(t, err)

	require.Equal(t, 1, id1)
	require.Equal(t, 2, id2)
	require.Equal(t, 1, idOther)
}

func TestMemStore_ListVolumesScopedToSVM(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.CreateVolume(&arcatypes.Volume{SVM: "a", Name: "v1"}))
	require.NoError(t, s.CreateVolume(&arcatypes.Volume{SVM: "b", Name: "v1"}))

	vols, err := s.ListVolumes("a")
	require.NoError(t, err)
	require.Len(t, vols, 1)
	require.Equal(t, "a", vols[0].SVM)
}
