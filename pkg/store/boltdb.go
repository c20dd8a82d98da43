package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSVMs         = []byte("svms")
	bucketVolumes      = []byte("volumes")
	bucketExports      = []byte("exports")
	bucketDirectories  = []byte("directories")
	bucketSnapshots    = []byte("snapshots")
	bucketArcaVolumes  = []byte("arca_volumes")
	bucketArcaSnaps    = []byte("arca_snapshots")
	bucketExportSeqs   = []byte("export_seqs")
)

// BoltStore implements Store using BoltDB, one bucket per entity.
// Composite keys ("<svm>/<name>") are used for entities scoped to an SVM.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "arca.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSVMs, bucketVolumes, bucketExports, bucketDirectories,
			bucketSnapshots, bucketArcaVolumes, bucketArcaSnaps, bucketExportSeqs,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func scopedKey(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

// --- SVM ---

func (s *BoltStore) CreateSVM(svm *arcatypes.SVM) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSVMs)
		data, err := json.Marshal(svm)
		if err != nil {
			return err
		}
		return b.Put([]byte(svm.Name), data)
	})
}

func (s *BoltStore) GetSVM(name string) (*arcatypes.SVM, error) {
	var svm arcatypes.SVM
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSVMs)
		data := b.Get([]byte(name))
		if data == nil {
			return errs.NotFoundf("svm %q not found", name)
		}
		return json.Unmarshal(data, &svm)
	})
	if err != nil {
		return nil, err
	}
	return &svm, nil
}

func (s *BoltStore) ListSVMs() ([]*arcatypes.SVM, error) {
	var svms []*arcatypes.SVM
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSVMs)
		return b.ForEach(func(k, v []byte) error {
			var svm arcatypes.SVM
			if err := json.Unmarshal(v, &svm); err != nil {
				return err
			}
			svms = append(svms, &svm)
			return nil
		})
	})
	return svms, err
}

func (s *BoltStore) UpdateSVM(svm *arcatypes.SVM) error {
	return s.CreateSVM(svm)
}

func (s *BoltStore) DeleteSVM(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSVMs).Delete([]byte(name))
	})
}

// --- Volume ---

func (s *BoltStore) CreateVolume(v *arcatypes.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(scopedKey(v.SVM, v.Name), data)
	})
}

func (s *BoltStore) GetVolume(svm, name string) (*arcatypes.Volume, error) {
	var v arcatypes.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get(scopedKey(svm, name))
		if data == nil {
			return errs.NotFoundf("volume %q on svm %q not found", name, svm)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) ListVolumes(svm string) ([]*arcatypes.Volume, error) {
	var vols []*arcatypes.Volume
	prefix := []byte(svm + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			if svm != "" && !strings.HasPrefix(string(k), string(prefix)) {
				return nil
			}
			var vol arcatypes.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, &vol)
			return nil
		})
	})
	return vols, err
}

func (s *BoltStore) UpdateVolume(v *arcatypes.Volume) error {
	return s.CreateVolume(v)
}

func (s *BoltStore) DeleteVolume(svm, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete(scopedKey(svm, name))
	})
}

// --- Export ---

func exportKey(svm string, exportID int) []byte {
	return scopedKey(svm, strconv.Itoa(exportID))
}

func (s *BoltStore) CreateExport(e *arcatypes.Export) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExports)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(exportKey(e.SVM, e.ExportID), data)
	})
}

func (s *BoltStore) ListExports(svm string) ([]*arcatypes.Export, error) {
	var exports []*arcatypes.Export
	prefix := svm + "/"
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExports).ForEach(func(k, v []byte) error {
			if !strings.HasPrefix(string(k), prefix) {
				return nil
			}
			var e arcatypes.Export
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			exports = append(exports, &e)
			return nil
		})
	})
	return exports, err
}

func (s *BoltStore) DeleteExport(svm string, exportID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExports).Delete(exportKey(svm, exportID))
	})
}

// NextExportID returns the next export_id to assign within svm: a
// monotonically increasing, per-SVM sequence stored in bucketExportSeqs.
func (s *BoltStore) NextExportID(svm string) (int, error) {
	var next int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExportSeqs)
		key := []byte(svm)
		cur := 0
		if data := b.Get(key); data != nil {
			cur, _ = strconv.Atoi(string(data))
		}
		next = cur + 1
		return b.Put(key, []byte(strconv.Itoa(next)))
	})
	return next, err
}

// --- Directory ---

func (s *BoltStore) CreateDirectory(d *arcatypes.Directory) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectories)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put(scopedKey(d.SVM, d.Path), data)
	})
}

func (s *BoltStore) GetDirectory(svm, path string) (*arcatypes.Directory, error) {
	var d arcatypes.Directory
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDirectories).Get(scopedKey(svm, path))
		if data == nil {
			return errs.NotFoundf("directory %q on svm %q not found", path, svm)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDirectories(svm string) ([]*arcatypes.Directory, error) {
	var dirs []*arcatypes.Directory
	prefix := svm + "/"
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectories).ForEach(func(k, v []byte) error {
			if !strings.HasPrefix(string(k), prefix) {
				return nil
			}
			var d arcatypes.Directory
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			dirs = append(dirs, &d)
			return nil
		})
	})
	return dirs, err
}

func (s *BoltStore) UpdateDirectory(d *arcatypes.Directory) error {
	return s.CreateDirectory(d)
}

func (s *BoltStore) DeleteDirectory(svm, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectories).Delete(scopedKey(svm, path))
	})
}

// --- Snapshot ---

func (s *BoltStore) CreateSnapshot(sn *arcatypes.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(sn)
		if err != nil {
			return err
		}
		return b.Put(scopedKey(sn.SVM, sn.SnapshotPath), data)
	})
}

func (s *BoltStore) GetSnapshot(svm, snapshotPath string) (*arcatypes.Snapshot, error) {
	var sn arcatypes.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get(scopedKey(svm, snapshotPath))
		if data == nil {
			return errs.NotFoundf("snapshot %q on svm %q not found", snapshotPath, svm)
		}
		return json.Unmarshal(data, &sn)
	})
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *BoltStore) UpdateSnapshot(sn *arcatypes.Snapshot) error {
	return s.CreateSnapshot(sn)
}

func (s *BoltStore) DeleteSnapshot(svm, snapshotPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete(scopedKey(svm, snapshotPath))
	})
}

// --- ArcaVolume ---

func (s *BoltStore) CreateArcaVolume(v *arcatypes.ArcaVolume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArcaVolumes)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(v.VolumeID), data)
	})
}

func (s *BoltStore) GetArcaVolume(volumeID string) (*arcatypes.ArcaVolume, error) {
	var v arcatypes.ArcaVolume
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArcaVolumes).Get([]byte(volumeID))
		if data == nil {
			return errs.NotFoundf("arca volume %q not found", volumeID)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) ListArcaVolumes() ([]*arcatypes.ArcaVolume, error) {
	var vols []*arcatypes.ArcaVolume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArcaVolumes).ForEach(func(k, v []byte) error {
			var vol arcatypes.ArcaVolume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, &vol)
			return nil
		})
	})
	return vols, err
}

func (s *BoltStore) UpdateArcaVolume(v *arcatypes.ArcaVolume) error {
	return s.CreateArcaVolume(v)
}

func (s *BoltStore) DeleteArcaVolume(volumeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArcaVolumes).Delete([]byte(volumeID))
	})
}

// --- ArcaSnapshot ---

func (s *BoltStore) CreateArcaSnapshot(sn *arcatypes.ArcaSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArcaSnaps)
		data, err := json.Marshal(sn)
		if err != nil {
			return err
		}
		return b.Put([]byte(sn.SnapshotID), data)
	})
}

func (s *BoltStore) GetArcaSnapshot(snapshotID string) (*arcatypes.ArcaSnapshot, error) {
	var sn arcatypes.ArcaSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArcaSnaps).Get([]byte(snapshotID))
		if data == nil {
			return errs.NotFoundf("arca snapshot %q not found", snapshotID)
		}
		return json.Unmarshal(data, &sn)
	})
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *BoltStore) ListArcaSnapshots() ([]*arcatypes.ArcaSnapshot, error) {
	var snaps []*arcatypes.ArcaSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArcaSnaps).ForEach(func(k, v []byte) error {
			var sn arcatypes.ArcaSnapshot
			if err := json.Unmarshal(v, &sn); err != nil {
				return err
			}
			snaps = append(snaps, &sn)
			return nil
		})
	})
	return snaps, err
}

func (s *BoltStore) UpdateArcaSnapshot(sn *arcatypes.ArcaSnapshot) error {
	return s.CreateArcaSnapshot(sn)
}

func (s *BoltStore) DeleteArcaSnapshot(snapshotID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArcaSnaps).Delete([]byte(snapshotID))
	})
}
