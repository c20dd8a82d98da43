package store

import (
	"strconv"
	"sync"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
)

// MemStore is an in-memory Store used by unit tests in place of the
// bbolt-backed BoltStore, which requires a real file and real syscalls.
type MemStore struct {
	mu          sync.Mutex
	svms        map[string]*arcatypes.SVM
	volumes     map[string]*arcatypes.Volume
	exports     map[string]*arcatypes.Export
	directories map[string]*arcatypes.Directory
	snapshots   map[string]*arcatypes.Snapshot
	arcaVolumes map[string]*arcatypes.ArcaVolume
	arcaSnaps   map[string]*arcatypes.ArcaSnapshot
	exportSeqs  map[string]int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		svms:        make(map[string]*arcatypes.SVM),
		volumes:     make(map[string]*arcatypes.Volume),
		exports:     make(map[string]*arcatypes.Export),
		directories: make(map[string]*arcatypes.Directory),
		snapshots:   make(map[string]*arcatypes.Snapshot),
		arcaVolumes: make(map[string]*arcatypes.ArcaVolume),
		arcaSnaps:   make(map[string]*arcatypes.ArcaSnapshot),
		exportSeqs:  make(map[string]int),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) CreateSVM(svm *arcatypes.SVM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *svm
	m.svms[svm.Name] = &cp
	return nil
}

func (m *MemStore) GetSVM(name string) (*arcatypes.SVM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svm, ok := m.svms[name]
	if !ok {
		return nil, errs.NotFoundf("svm %q not found", name)
	}
	cp := *svm
	return &cp, nil
}

func (m *MemStore) ListSVMs() ([]*arcatypes.SVM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*arcatypes.SVM, 0, len(m.svms))
	for _, svm := range m.svms {
		cp := *svm
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) UpdateSVM(svm *arcatypes.SVM) error { return m.CreateSVM(svm) }

func (m *MemStore) DeleteSVM(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.svms, name)
	return nil
}

func volKey(svm, name string) string { return svm + "/" + name }

func (m *MemStore) CreateVolume(v *arcatypes.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.volumes[volKey(v.SVM, v.Name)] = &cp
	return nil
}

func (m *MemStore) GetVolume(svm, name string) (*arcatypes.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volKey(svm, name)]
	if !ok {
		return nil, errs.NotFoundf("volume %q on svm %q not found", name, svm)
	}
	cp := *v
	return &cp, nil
}

func (m *MemStore) ListVolumes(svm string) ([]*arcatypes.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*arcatypes.Volume
	for _, v := range m.volumes {
		if svm == "" || v.SVM == svm {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateVolume(v *arcatypes.Volume) error { return m.CreateVolume(v) }

func (m *MemStore) DeleteVolume(svm, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.volumes, volKey(svm, name))
	return nil
}

func exportMemKey(svm string, id int) string {
	return volKey(svm, strconv.Itoa(id))
}

func (m *MemStore) CreateExport(e *arcatypes.Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.exports[exportMemKey(e.SVM, e.ExportID)] = &cp
	return nil
}

func (m *MemStore) ListExports(svm string) ([]*arcatypes.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*arcatypes.Export
	for _, e := range m.exports {
		if e.SVM == svm {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) DeleteExport(svm string, exportID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exports, exportMemKey(svm, exportID))
	return nil
}

func (m *MemStore) NextExportID(svm string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportSeqs[svm]++
	return m.exportSeqs[svm], nil
}

func (m *MemStore) CreateDirectory(d *arcatypes.Directory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.directories[volKey(d.SVM, d.Path)] = &cp
	return nil
}

func (m *MemStore) GetDirectory(svm, path string) (*arcatypes.Directory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directories[volKey(svm, path)]
	if !ok {
		return nil, errs.NotFoundf("directory %q on svm %q not found", path, svm)
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) ListDirectories(svm string) ([]*arcatypes.Directory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*arcatypes.Directory
	for _, d := range m.directories {
		if d.SVM == svm {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateDirectory(d *arcatypes.Directory) error { return m.CreateDirectory(d) }

func (m *MemStore) DeleteDirectory(svm, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.directories, volKey(svm, path))
	return nil
}

func (m *MemStore) CreateSnapshot(s *arcatypes.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.snapshots[volKey(s.SVM, s.SnapshotPath)] = &cp
	return nil
}

func (m *MemStore) GetSnapshot(svm, snapshotPath string) (*arcatypes.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[volKey(svm, snapshotPath)]
	if !ok {
		return nil, errs.NotFoundf("snapshot %q on svm %q not found", snapshotPath, svm)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) UpdateSnapshot(s *arcatypes.Snapshot) error { return m.CreateSnapshot(s) }

func (m *MemStore) DeleteSnapshot(svm, snapshotPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, volKey(svm, snapshotPath))
	return nil
}

func (m *MemStore) CreateArcaVolume(v *arcatypes.ArcaVolume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.arcaVolumes[v.VolumeID] = &cp
	return nil
}

func (m *MemStore) GetArcaVolume(volumeID string) (*arcatypes.ArcaVolume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.arcaVolumes[volumeID]
	if !ok {
		return nil, errs.NotFoundf("arca volume %q not found", volumeID)
	}
	cp := *v
	return &cp, nil
}

func (m *MemStore) ListArcaVolumes() ([]*arcatypes.ArcaVolume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*arcatypes.ArcaVolume, 0, len(m.arcaVolumes))
	for _, v := range m.arcaVolumes {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) UpdateArcaVolume(v *arcatypes.ArcaVolume) error { return m.CreateArcaVolume(v) }

func (m *MemStore) DeleteArcaVolume(volumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.arcaVolumes, volumeID)
	return nil
}

func (m *MemStore) CreateArcaSnapshot(s *arcatypes.ArcaSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.arcaSnaps[s.SnapshotID] = &cp
	return nil
}

func (m *MemStore) GetArcaSnapshot(snapshotID string) (*arcatypes.ArcaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.arcaSnaps[snapshotID]
	if !ok {
		return nil, errs.NotFoundf("arca snapshot %q not found", snapshotID)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) ListArcaSnapshots() ([]*arcatypes.ArcaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*arcatypes.ArcaSnapshot, 0, len(m.arcaSnaps))
	for _, s := range m.arcaSnaps {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) UpdateArcaSnapshot(s *arcatypes.ArcaSnapshot) error { return m.CreateArcaSnapshot(s) }

func (m *MemStore) DeleteArcaSnapshot(snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.arcaSnaps, snapshotID)
	return nil
}
