// Package store defines the cluster metadata store interface: typed CRUD
// over the control plane's entities, generalized from cuemby-warren's
// bucket-per-entity BoltDB store.
package store

import "github.com/akam1o/arca-storage/pkg/arcatypes"

// Store is the full metadata store surface used by the ARCA REST server
// and the CSI Controller.
type Store interface {
	// SVM
	CreateSVM(svm *arcatypes.SVM) error
	GetSVM(name string) (*arcatypes.SVM, error)
	ListSVMs() ([]*arcatypes.SVM, error)
	UpdateSVM(svm *arcatypes.SVM) error
	DeleteSVM(name string) error

	// Volume
	CreateVolume(v *arcatypes.Volume) error
	GetVolume(svm, name string) (*arcatypes.Volume, error)
	ListVolumes(svm string) ([]*arcatypes.Volume, error)
	UpdateVolume(v *arcatypes.Volume) error
	DeleteVolume(svm, name string) error

	// Export
	CreateExport(e *arcatypes.Export) error
	ListExports(svm string) ([]*arcatypes.Export, error)
	DeleteExport(svm string, exportID int) error
	NextExportID(svm string) (int, error)

	// Directory
	CreateDirectory(d *arcatypes.Directory) error
	GetDirectory(svm, path string) (*arcatypes.Directory, error)
	ListDirectories(svm string) ([]*arcatypes.Directory, error)
	UpdateDirectory(d *arcatypes.Directory) error
	DeleteDirectory(svm, path string) error

	// Snapshot
	CreateSnapshot(s *arcatypes.Snapshot) error
	GetSnapshot(svm, snapshotPath string) (*arcatypes.Snapshot, error)
	UpdateSnapshot(s *arcatypes.Snapshot) error
	DeleteSnapshot(svm, snapshotPath string) error

	// ArcaVolume (CSI metadata)
	CreateArcaVolume(v *arcatypes.ArcaVolume) error
	GetArcaVolume(volumeID string) (*arcatypes.ArcaVolume, error)
	ListArcaVolumes() ([]*arcatypes.ArcaVolume, error)
	UpdateArcaVolume(v *arcatypes.ArcaVolume) error
	DeleteArcaVolume(volumeID string) error

	// ArcaSnapshot (CSI metadata)
	CreateArcaSnapshot(s *arcatypes.ArcaSnapshot) error
	GetArcaSnapshot(snapshotID string) (*arcatypes.ArcaSnapshot, error)
	ListArcaSnapshots() ([]*arcatypes.ArcaSnapshot, error)
	UpdateArcaSnapshot(s *arcatypes.ArcaSnapshot) error
	DeleteArcaSnapshot(snapshotID string) error

	Close() error
}
