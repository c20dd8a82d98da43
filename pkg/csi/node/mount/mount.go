// Package mount implements the CSI Node's shared per-SVM NFS mount and
// its NodeState persistence. One shared mount backs every staged volume
// on a given SVM; the "refcount" that decides when to tear it down is
// never stored, only derived live from NodeState.
package mount

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mountutils "k8s.io/mount-utils"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/log"
)

// nfsMountOptions is the fixed option set every shared SVM mount uses.
var nfsMountOptions = []string{
	"nfsvers=4.2",
	"rsize=1048576",
	"wsize=1048576",
	"hard",
	"timeo=600",
	"noresvport",
}

// Mounter is the subset of k8s.io/mount-utils's Interface this package
// needs; mountutils.Interface satisfies it. Exported so callers can
// substitute a fake in tests.
type Mounter interface {
	Mount(source, target, fstype string, options []string) error
	Unmount(target string) error
	IsMountPoint(file string) (bool, error)
}

// Manager owns the node's mount state: the shared per-SVM mounts and
// the persisted NodeState tracking staged/published volumes.
type Manager struct {
	mu            sync.Mutex
	mounter       Mounter
	basePath      string
	stateFilePath string
	state         *arcatypes.NodeState
}

// New constructs a Manager and loads (or initializes) NodeState from
// stateFilePath.
func New(basePath, stateFilePath string) (*Manager, error) {
	return NewWithMounter(mountutils.New(""), basePath, stateFilePath)
}

// NewWithMounter constructs a Manager with an explicit Mounter, for
// tests that substitute a fake in place of real mount syscalls.
func NewWithMounter(mnt Mounter, basePath, stateFilePath string) (*Manager, error) {
	m := &Manager{
		mounter:       mnt,
		basePath:      basePath,
		stateFilePath: stateFilePath,
	}
	state, err := loadState(stateFilePath)
	if err != nil {
		return nil, err
	}
	m.state = state
	return m, nil
}

func loadState(path string) (*arcatypes.NodeState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return arcatypes.NewNodeState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading node state: %w", err)
	}
	var state arcatypes.NodeState
	if err := json.Unmarshal(data, &state); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", path, os.Getpid())
		if rerr := os.Rename(path, quarantine); rerr != nil {
			log.WithComponent("csi-node").Error().Err(rerr).Str("path", path).Msg("quarantining corrupt node state failed")
		} else {
			log.WithComponent("csi-node").Warn().Str("quarantined_to", quarantine).Msg("node state failed to parse, starting fresh")
		}
		return arcatypes.NewNodeState(), nil
	}
	if state.Volumes == nil {
		state.Volumes = make(map[string]*arcatypes.NodeVolumeEntry)
	}
	return &state, nil
}

// persistLocked writes m.state to m.stateFilePath via the write-temp/
// fsync/rename/fsync-dir sequence. Callers must hold m.mu.
func (m *Manager) persistLocked() error {
	data, err := json.Marshal(m.state)
	if err != nil {
		return fmt.Errorf("encoding node state: %w", err)
	}

	dir := filepath.Dir(m.stateFilePath)
	tmp := m.stateFilePath + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening node state tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing node state tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing node state tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing node state tmp file: %w", err)
	}
	if err := os.Rename(tmp, m.stateFilePath); err != nil {
		return fmt.Errorf("renaming node state file: %w", err)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening node state directory: %w", err)
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return fmt.Errorf("fsyncing node state directory: %w", err)
	}
	return nil
}

// svmMountPath returns the shared mount path for an SVM.
func (m *Manager) svmMountPath(svm string) string {
	return filepath.Join(m.basePath, svm)
}

// ValidateVolumePath rejects a volume_path that is empty, absolute, or
// traverses outside the SVM's mount root.
func ValidateVolumePath(volumePath string) error {
	if volumePath == "" {
		return errs.Validationf("volume_path must not be empty")
	}
	if filepath.IsAbs(volumePath) {
		return errs.Validationf("volume_path must be relative: %s", volumePath)
	}
	clean := filepath.Clean(volumePath)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errs.Validationf("volume_path must not traverse outside the volume: %s", volumePath)
	}
	return nil
}

// refcountLocked returns the number of NodeState entries referencing
// svm. Callers must hold m.mu.
func (m *Manager) refcountLocked(svm string) int {
	n := 0
	for _, v := range m.state.Volumes {
		if v.SVMName == svm {
			n++
		}
	}
	return n
}

// EnsureSVMMount creates the shared mount for svm at vip if it isn't
// already mounted.
func (m *Manager) EnsureSVMMount(svm, vip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureSVMMountLocked(svm, vip)
}

func (m *Manager) ensureSVMMountLocked(svm, vip string) error {
	target := m.svmMountPath(svm)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating svm mount directory: %w", err)
	}
	isMnt, err := m.mounter.IsMountPoint(target)
	if err != nil {
		return fmt.Errorf("checking svm mount point: %w", err)
	}
	if isMnt {
		return nil
	}
	source := fmt.Sprintf("%s:/exports/%s", vip, svm)
	if err := m.mounter.Mount(source, target, "nfs", nfsMountOptions); err != nil {
		return fmt.Errorf("mounting svm %s: %w", svm, err)
	}
	return nil
}

// StageVolume bind-mounts <svmMount>/<volumePath> onto stagingTarget
// and records the staging in NodeState.
func (m *Manager) StageVolume(volumeID, svm, vip, volumePath, stagingTarget string) error {
	if err := ValidateVolumePath(volumePath); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureSVMMountLocked(svm, vip); err != nil {
		return err
	}

	if err := os.MkdirAll(stagingTarget, 0o755); err != nil {
		return fmt.Errorf("creating staging target: %w", err)
	}
	isMnt, err := m.mounter.IsMountPoint(stagingTarget)
	if err != nil {
		return fmt.Errorf("checking staging target: %w", err)
	}
	if isMnt {
		return nil
	}

	source := filepath.Join(m.svmMountPath(svm), volumePath)
	if err := m.mounter.Mount(source, stagingTarget, "", []string{"bind"}); err != nil {
		return fmt.Errorf("bind-mounting volume: %w", err)
	}

	m.state.Volumes[volumeID] = &arcatypes.NodeVolumeEntry{
		VolumeID:    volumeID,
		SVMName:     svm,
		VIP:         vip,
		StagingPath: stagingTarget,
	}
	if err := m.persistLocked(); err != nil {
		_ = m.mounter.Unmount(stagingTarget)
		_ = os.RemoveAll(stagingTarget)
		delete(m.state.Volumes, volumeID)
		return fmt.Errorf("persisting node state after stage: %w", err)
	}
	return nil
}

// PublishVolume bind-mounts from the volume's staging target onto
// targetPath, optionally remounting read-only, and records the publish.
func (m *Manager) PublishVolume(volumeID, targetPath string, readonly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.state.Volumes[volumeID]
	if !ok {
		return errs.NotFoundf("volume %s is not staged", volumeID)
	}

	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return fmt.Errorf("creating publish target: %w", err)
	}
	isMnt, err := m.mounter.IsMountPoint(targetPath)
	if err != nil {
		return fmt.Errorf("checking publish target: %w", err)
	}
	if isMnt {
		return nil
	}

	if err := m.mounter.Mount(entry.StagingPath, targetPath, "", []string{"bind"}); err != nil {
		return fmt.Errorf("bind-mounting to publish target: %w", err)
	}

	if readonly {
		if err := m.mounter.Mount(entry.StagingPath, targetPath, "", []string{"bind", "remount", "ro"}); err != nil {
			_ = m.mounter.Unmount(targetPath)
			_ = os.RemoveAll(targetPath)
			return fmt.Errorf("remounting publish target read-only: %w", err)
		}
	}

	entry.PublishedPaths = append(entry.PublishedPaths, targetPath)
	if err := m.persistLocked(); err != nil {
		_ = m.mounter.Unmount(targetPath)
		_ = os.RemoveAll(targetPath)
		entry.PublishedPaths = entry.PublishedPaths[:len(entry.PublishedPaths)-1]
		return fmt.Errorf("persisting node state after publish: %w", err)
	}
	return nil
}

// UnpublishVolume unmounts targetPath (tolerating absence), removes
// the directory, and drops it from the volume's published paths.
func (m *Manager) UnpublishVolume(volumeID, targetPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.unmountIfMountedLocked(targetPath); err != nil {
		return err
	}
	if err := os.RemoveAll(targetPath); err != nil {
		return fmt.Errorf("removing publish target: %w", err)
	}

	if entry, ok := m.state.Volumes[volumeID]; ok {
		entry.PublishedPaths = removeString(entry.PublishedPaths, targetPath)
		if err := m.persistLocked(); err != nil {
			return fmt.Errorf("persisting node state after unpublish: %w", err)
		}
	}
	return nil
}

// UnstageVolume unmounts the staging target (tolerating absence),
// removes the directory, drops the volume from NodeState, and tears
// down the SVM's shared mount if this was the last volume referencing
// it.
func (m *Manager) UnstageVolume(volumeID, stagingTarget string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.unmountIfMountedLocked(stagingTarget); err != nil {
		return err
	}
	if err := os.RemoveAll(stagingTarget); err != nil {
		return fmt.Errorf("removing staging target: %w", err)
	}

	entry, ok := m.state.Volumes[volumeID]
	if !ok {
		return nil
	}
	svm := entry.SVMName
	delete(m.state.Volumes, volumeID)
	if err := m.persistLocked(); err != nil {
		return fmt.Errorf("persisting node state after unstage: %w", err)
	}

	// Final safety re-check of the derived refcount under lock,
	// immediately before tearing down the shared mount.
	if m.refcountLocked(svm) == 0 {
		svmTarget := m.svmMountPath(svm)
		if err := m.unmountIfMountedLocked(svmTarget); err != nil {
			log.WithComponent("csi-node").Error().Err(err).Str("svm", svm).Msg("tearing down shared svm mount failed")
			return nil
		}
		if err := os.RemoveAll(svmTarget); err != nil {
			log.WithComponent("csi-node").Error().Err(err).Str("svm", svm).Msg("removing shared svm mount directory failed")
		}
	}
	return nil
}

func (m *Manager) unmountIfMountedLocked(path string) error {
	isMnt, err := m.mounter.IsMountPoint(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking mount point %s: %w", path, err)
	}
	if !isMnt {
		return nil
	}
	if err := m.mounter.Unmount(path); err != nil {
		return fmt.Errorf("unmounting %s: %w", path, err)
	}
	return nil
}

// Reconcile confirms or recreates the shared mount for every distinct
// SVM referenced in NodeState. Individual staged volumes are not
// remounted: their bind mounts are expected to survive a plain process
// restart.
func (m *Manager) Reconcile() error {
	m.mu.Lock()
	svms := map[string]string{}
	for _, v := range m.state.Volumes {
		svms[v.SVMName] = v.VIP
	}
	m.mu.Unlock()

	for svm, vip := range svms {
		if err := m.EnsureSVMMount(svm, vip); err != nil {
			return fmt.Errorf("reconciling svm %s mount: %w", svm, err)
		}
	}
	return nil
}

// Lookup returns the NodeState entry for a volume, if staged.
func (m *Manager) Lookup(volumeID string) (*arcatypes.NodeVolumeEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state.Volumes[volumeID]
	return v, ok
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
