// Package storagestack implements the Storage Stack: LVM thin pool
// volume creation, XFS formatting tuned for NVMe, grow-only resize,
// XFS project quotas with deterministic project-id derivation, and
// reflink snapshot/restore, driven through a Runner seam the way
// cuemby-warren drives external processes (pkg/network/hostports.go,
// pkg/volume/local.go).
package storagestack

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"

	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/log"
)

// Runner executes a single external command and returns its combined
// output. Production code uses an os/exec-backed runner; tests use a
// fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// VolumeSpec describes a thin LV to create for one SVM.
type VolumeSpec struct {
	SVM         string
	Name        string
	SizeBytes   int64
	ThinPool    string
	VolumeGroup string
	MountPath   string
}

// QuotaSpec describes a directory's XFS project quota. ProjectID is 0
// on first assignment (SetQuota derives and returns one); callers pass
// the previously-assigned, persisted ProjectID on every subsequent call
// so re-derivation can never drift from what was actually recorded.
type QuotaSpec struct {
	MountPath  string
	RelPath    string
	QuotaBytes int64
	ProjectID  uint32
}

// Quota reports a directory's observed and configured XFS project quota
// usage.
type Quota struct {
	ProjectID  uint32
	QuotaBytes int64
	UsedBytes  int64
}

// Stack is the Storage Stack contract.
type Stack interface {
	CreateVolume(ctx context.Context, spec VolumeSpec) error
	ResizeVolume(ctx context.Context, spec VolumeSpec, newSizeBytes int64) error
	DeleteVolume(ctx context.Context, spec VolumeSpec) error

	CreateDirectory(ctx context.Context, mountPath, relPath string) error
	DeleteDirectory(ctx context.Context, mountPath, relPath string) error

	// SetQuota assigns (on first call) or reuses (on subsequent calls,
	// via spec.ProjectID) a project id and sets its hard quota,
	// returning the project id actually in effect.
	SetQuota(ctx context.Context, spec QuotaSpec) (uint32, error)
	ExpandQuota(ctx context.Context, spec QuotaSpec) (uint32, error)
	GetQuota(ctx context.Context, mountPath string, projectID uint32) (Quota, error)

	CreateSnapshot(ctx context.Context, mountPath, sourceRelPath, snapshotRelPath string) error
	Restore(ctx context.Context, mountPath, snapshotRelPath, targetRelPath string) error

	// PoolCapacity reports the backing thin pool's total and available
	// bytes.
	PoolCapacity(ctx context.Context, volumeGroup, thinPool string) (totalBytes, availableBytes int64, err error)

	// VolumeUsedBytes reports a mounted volume's observed XFS usage.
	VolumeUsedBytes(ctx context.Context, mountPath string) (int64, error)
}

// LVMXFSStack implements Stack against LVM thin pools and XFS, via
// Runner.
type LVMXFSStack struct {
	runner Runner
}

// NewLVMXFSStack constructs a Stack backed by runner.
func NewLVMXFSStack(runner Runner) *LVMXFSStack {
	return &LVMXFSStack{runner: runner}
}

func (s *LVMXFSStack) lvPath(spec VolumeSpec) string {
	return fmt.Sprintf("/dev/%s/%s", spec.VolumeGroup, spec.Name)
}

// CreateVolume carves a thin LV of the requested virtual size, formats
// it XFS with NVMe-tuned options, and mounts it. Idempotent: an already
// formatted, already mounted volume is a no-op success.
func (s *LVMXFSStack) CreateVolume(ctx context.Context, spec VolumeSpec) error {
	logger := log.WithSVM(spec.SVM)
	lv := s.lvPath(spec)

	if !s.lvExists(ctx, spec) {
		_, err := s.runner.Run(ctx, "lvcreate",
			"--thin", "-V", fmt.Sprintf("%db", spec.SizeBytes),
			"-n", spec.Name, fmt.Sprintf("%s/%s", spec.VolumeGroup, spec.ThinPool))
		if err != nil {
			return fmt.Errorf("creating thin lv %s: %w", spec.Name, err)
		}
		logger.Info().Str("lv", lv).Msg("created thin logical volume")
	}

	if !s.isFormatted(ctx, lv) {
		_, err := s.runner.Run(ctx, "mkfs.xfs",
			"-m", "crc=1,finobt=1",
			"-i", "size=512",
			"-b", "size=4096",
			"-d", "agcount=32",
			lv)
		if err != nil {
			return fmt.Errorf("formatting %s xfs: %w", lv, err)
		}
	}

	if !s.isMounted(ctx, spec.MountPath) {
		if _, err := s.runner.Run(ctx, "mkdir", "-p", spec.MountPath); err != nil {
			return fmt.Errorf("creating mount point %s: %w", spec.MountPath, err)
		}
		_, err := s.runner.Run(ctx, "mount",
			"-o", "rw,noatime,nodiratime,logbsize=256k,inode64",
			lv, spec.MountPath)
		if err != nil {
			return fmt.Errorf("mounting %s at %s: %w", lv, spec.MountPath, err)
		}
	}

	return nil
}

// ResizeVolume grows the LV and runs an online filesystem grow. Shrinks
// are refused unconditionally; on grow failure the LV is left at its
// pre-op size: the LV extend is only issued after validating the
// request, and a failed filesystem grow reduces the LV back.
func (s *LVMXFSStack) ResizeVolume(ctx context.Context, spec VolumeSpec, newSizeBytes int64) error {
	if newSizeBytes <= spec.SizeBytes {
		return errs.Validationf("volume %s: shrink not supported (current %d, requested %d)", spec.Name, spec.SizeBytes, newSizeBytes)
	}

	lv := s.lvPath(spec)
	_, err := s.runner.Run(ctx, "lvextend", "-L", fmt.Sprintf("%db", newSizeBytes), lv)
	if err != nil {
		return fmt.Errorf("extending lv %s: %w", spec.Name, err)
	}

	if _, err := s.runner.Run(ctx, "xfs_growfs", spec.MountPath); err != nil {
		if _, rerr := s.runner.Run(ctx, "lvreduce", "-f", "-L", fmt.Sprintf("%db", spec.SizeBytes), lv); rerr != nil {
			return fmt.Errorf("growing xfs on %s: %w (restoring lv size: %v)", spec.MountPath, err, rerr)
		}
		return fmt.Errorf("growing xfs on %s: %w", spec.MountPath, err)
	}
	return nil
}

// DeleteVolume unmounts and removes the thin LV. Absence is success.
func (s *LVMXFSStack) DeleteVolume(ctx context.Context, spec VolumeSpec) error {
	if s.isMounted(ctx, spec.MountPath) {
		if _, err := s.runner.Run(ctx, "umount", spec.MountPath); err != nil {
			return fmt.Errorf("unmounting %s: %w", spec.MountPath, err)
		}
	}
	if !s.lvExists(ctx, spec) {
		return nil
	}
	lv := s.lvPath(spec)
	if _, err := s.runner.Run(ctx, "lvremove", "-f", lv); err != nil {
		return fmt.Errorf("removing lv %s: %w", spec.Name, err)
	}
	return nil
}

// CreateDirectory creates a subtree under mountPath. Idempotent.
func (s *LVMXFSStack) CreateDirectory(ctx context.Context, mountPath, relPath string) error {
	full := filepath.Join(mountPath, relPath)
	_, err := s.runner.Run(ctx, "mkdir", "-p", full)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", full, err)
	}
	return nil
}

// DeleteDirectory removes a subtree, freeing its project id for reuse.
// Absence is success.
func (s *LVMXFSStack) DeleteDirectory(ctx context.Context, mountPath, relPath string) error {
	full := filepath.Join(mountPath, relPath)
	if _, err := s.runner.Run(ctx, "rm", "-rf", full); err != nil {
		return fmt.Errorf("deleting directory %s: %w", full, err)
	}
	return nil
}

// SetQuota assigns a deterministic project id to relPath (retrying on
// collision with an already-assigned, different directory), tags the
// subtree, and sets its hard quota. It returns the project id in
// effect: spec.ProjectID when the caller already has one on record,
// otherwise a freshly derived id the caller must persist.
func (s *LVMXFSStack) SetQuota(ctx context.Context, spec QuotaSpec) (uint32, error) {
	projectID := spec.ProjectID
	if projectID == 0 {
		var err error
		projectID, err = s.resolveProjectID(ctx, spec.MountPath, spec.RelPath)
		if err != nil {
			return 0, err
		}
	}

	full := filepath.Join(spec.MountPath, spec.RelPath)
	_, err := s.runner.Run(ctx, "xfs_quota", "-x", "-c",
		fmt.Sprintf("project -s -p %s %d", full, projectID), spec.MountPath)
	if err != nil {
		return 0, fmt.Errorf("tagging project %d on %s: %w", projectID, full, err)
	}

	_, err = s.runner.Run(ctx, "xfs_quota", "-x", "-c",
		fmt.Sprintf("limit -p bhard=%d %d", spec.QuotaBytes, projectID), spec.MountPath)
	if err != nil {
		return 0, fmt.Errorf("setting quota on project %d: %w", projectID, err)
	}
	return projectID, nil
}

// ExpandQuota increases a directory's quota; it never shrinks below the
// current usage. spec.ProjectID must be the id previously returned by
// SetQuota.
func (s *LVMXFSStack) ExpandQuota(ctx context.Context, spec QuotaSpec) (uint32, error) {
	current, err := s.GetQuota(ctx, spec.MountPath, spec.ProjectID)
	if err != nil {
		return 0, err
	}
	if spec.QuotaBytes < current.UsedBytes {
		return 0, errs.Validationf("requested quota %d below current usage %d", spec.QuotaBytes, current.UsedBytes)
	}
	if spec.QuotaBytes <= current.QuotaBytes {
		return spec.ProjectID, nil
	}
	return s.SetQuota(ctx, spec)
}

// GetQuota reads observed usage and the configured hard limit for an
// already-assigned XFS project from `xfs_quota -x -c report`.
func (s *LVMXFSStack) GetQuota(ctx context.Context, mountPath string, projectID uint32) (Quota, error) {
	out, err := s.runner.Run(ctx, "xfs_quota", "-x", "-c", fmt.Sprintf("report -p -N %d", projectID), mountPath)
	if err != nil {
		return Quota{}, fmt.Errorf("reporting quota for project %d: %w", projectID, err)
	}
	used, limit := parseQuotaReport(out)
	return Quota{ProjectID: projectID, UsedBytes: used, QuotaBytes: limit}, nil
}

// CreateSnapshot reflink-copies sourceRelPath to snapshotRelPath. An
// existing identical destination is a no-op success. sourceRelPath must
// already exist; a missing source is NotFound rather than whatever raw
// error the copy would produce.
func (s *LVMXFSStack) CreateSnapshot(ctx context.Context, mountPath, sourceRelPath, snapshotRelPath string) error {
	src := filepath.Join(mountPath, sourceRelPath)
	dst := filepath.Join(mountPath, snapshotRelPath)

	if s.pathExists(ctx, dst) {
		return nil
	}
	if !s.pathExists(ctx, src) {
		return errs.NotFoundf("snapshot source %s not found", sourceRelPath)
	}
	if _, err := s.runner.Run(ctx, "cp", "--reflink=always", "-r", src, dst); err != nil {
		return fmt.Errorf("reflink copying %s to %s: %w", src, dst, err)
	}
	return nil
}

// Restore reflink-copies snapshotRelPath into targetRelPath, identical
// to CreateSnapshot but named for the restore direction. snapshotRelPath
// must already exist; a missing snapshot is NotFound.
func (s *LVMXFSStack) Restore(ctx context.Context, mountPath, snapshotRelPath, targetRelPath string) error {
	return s.CreateSnapshot(ctx, mountPath, snapshotRelPath, targetRelPath)
}

func (s *LVMXFSStack) lvExists(ctx context.Context, spec VolumeSpec) bool {
	_, err := s.runner.Run(ctx, "lvs", s.lvPath(spec))
	return err == nil
}

func (s *LVMXFSStack) isFormatted(ctx context.Context, lv string) bool {
	out, err := s.runner.Run(ctx, "blkid", "-o", "value", "-s", "TYPE", lv)
	return err == nil && strings.TrimSpace(string(out)) == "xfs"
}

func (s *LVMXFSStack) isMounted(ctx context.Context, mountPath string) bool {
	out, err := s.runner.Run(ctx, "findmnt", mountPath)
	return err == nil && len(out) > 0
}

func (s *LVMXFSStack) pathExists(ctx context.Context, path string) bool {
	_, err := s.runner.Run(ctx, "test", "-e", path)
	return err == nil
}

// PoolCapacity reads the backing volume group's total and free bytes as
// a proxy for the thin pool's committable capacity.
func (s *LVMXFSStack) PoolCapacity(ctx context.Context, volumeGroup, thinPool string) (int64, int64, error) {
	out, err := s.runner.Run(ctx, "vgs", "--units", "b", "--noheadings", "--nosuffix", "-o", "vg_size,vg_free", volumeGroup)
	if err != nil {
		return 0, 0, fmt.Errorf("reading pool capacity for %s: %w", volumeGroup, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return 0, 0, errs.Transientf("unexpected vgs output for %s: %q", volumeGroup, out)
	}
	var total, free int64
	fmt.Sscanf(fields[0], "%d", &total)
	fmt.Sscanf(fields[1], "%d", &free)
	return total, free, nil
}

// VolumeUsedBytes reports observed XFS usage for a mounted volume.
func (s *LVMXFSStack) VolumeUsedBytes(ctx context.Context, mountPath string) (int64, error) {
	out, err := s.runner.Run(ctx, "df", "--output=used", "-B1", mountPath)
	if err != nil {
		return 0, fmt.Errorf("reading usage for %s: %w", mountPath, err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, errs.Transientf("unexpected df output for %s: %q", mountPath, out)
	}
	var used int64
	fmt.Sscanf(strings.TrimSpace(lines[1]), "%d", &used)
	return used, nil
}

// resolveProjectID derives a project id for (mountPath, relPath) and,
// on a reported collision with a differently-owned project, retries
// with a salted hash until a free id is found.
func (s *LVMXFSStack) resolveProjectID(ctx context.Context, mountPath, relPath string) (uint32, error) {
	for attempt := uint32(0); attempt < 16; attempt++ {
		id := deriveProjectID(mountPath, relPath, attempt)
		out, err := s.runner.Run(ctx, "xfs_quota", "-x", "-c", fmt.Sprintf("project -p %d", id), mountPath)
		if err != nil {
			// unassigned project ids error on lookup; treat as free.
			return id, nil
		}
		if strings.Contains(string(out), relPath) || len(out) == 0 {
			return id, nil
		}
	}
	return 0, errs.Capacityf("exhausted project id retries for %s", relPath)
}

// deriveProjectID returns a stable 32-bit FNV-1a hash of (mountPath,
// relPath, salt), used as the XFS project id. Project id 0 is reserved
// by XFS for "no project", so a hash of 0 is replaced by 1.
func deriveProjectID(mountPath, relPath string, salt uint32) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s\x00%s\x00%d", mountPath, relPath, salt)
	v := h.Sum32()
	if v == 0 {
		v = 1
	}
	return v
}

// parseQuotaReport extracts used and hard-limit byte counts from
// `xfs_quota -x -c report` output formatted as "used hard".
func parseQuotaReport(out []byte) (used, limit int64) {
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return 0, 0
	}
	fmt.Sscanf(fields[0], "%d", &used)
	fmt.Sscanf(fields[1], "%d", &limit)
	return used, limit
}
