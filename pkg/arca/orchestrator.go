// Package arca implements the ARCA REST Server's storage-side
// orchestrator: the reconcile-on-write control loop that validates a
// request, acquires a resource-scoped advisory lock, drives the Storage
// Stack, Tenant Network Isolator, Exporter, Config Renderer, and HA
// Resource Host in a fixed, safely-retryable order, and only then
// persists the resulting state. Generalized from cuemby-warren's
// pkg/reconciler convergence loop (here a per-request reconcile rather
// than a ticking background loop).
package arca

import (
	"context"
	"fmt"
	"time"

	"github.com/akam1o/arca-storage/pkg/arca/lock"
	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/events"
	"github.com/akam1o/arca-storage/pkg/exporter"
	"github.com/akam1o/arca-storage/pkg/exporter/render"
	"github.com/akam1o/arca-storage/pkg/ha"
	"github.com/akam1o/arca-storage/pkg/log"
	"github.com/akam1o/arca-storage/pkg/metrics"
	"github.com/akam1o/arca-storage/pkg/netns"
	"github.com/akam1o/arca-storage/pkg/storagestack"
	"github.com/akam1o/arca-storage/pkg/store"
)

// Layout resolves the on-disk locations the orchestrator composes paths
// from; it is the one place that knows the export_root/config_dir
// convention.
type Layout struct {
	ExportRoot      string
	ConfigDir       string
	VolumeGroup     string
	ThinPool        string
	ParentIf        string
	TemplateVersion string
	Protocols       string
	MountdPort      int
	NLMPort         int
}

// Orchestrator is the ARCA REST Server's storage-side control loop.
type Orchestrator struct {
	store     store.Store
	host      ha.ResourceHost
	stack     storagestack.Stack
	isolator  netns.Isolator
	daemon    exporter.Daemon
	locks     *lock.Manager
	layout    Layout
	events    *events.Broker
}

// New constructs an Orchestrator over its collaborators. The returned
// Orchestrator has no event broker; use WithEvents to attach one.
func New(st store.Store, host ha.ResourceHost, stack storagestack.Stack, isolator netns.Isolator, daemon exporter.Daemon, layout Layout) *Orchestrator {
	return &Orchestrator{store: st, host: host, stack: stack, isolator: isolator, daemon: daemon, locks: lock.NewManager(), layout: layout}
}

// WithEvents attaches an event broker; every subsequent lifecycle
// operation publishes to it. Returns o for chaining.
func (o *Orchestrator) WithEvents(broker *events.Broker) *Orchestrator {
	o.events = broker
	return o
}

func (o *Orchestrator) publish(typ events.EventType, message string, metadata map[string]string) {
	if o.events == nil {
		return
	}
	o.events.Publish(&events.Event{Type: typ, Message: message, Metadata: metadata})
}

func (o *Orchestrator) volumeMountPath(svm, volume string) string {
	return fmt.Sprintf("%s/%s/%s", o.layout.ExportRoot, svm, volume)
}

func (o *Orchestrator) exporterConfigPath(svm string) string {
	return fmt.Sprintf("%s/exporter.%s.conf", o.layout.ConfigDir, svm)
}

// CreateSVM allocates the SVM's resource group (network isolation
// mounted under the HA Resource Host) and records it `ready` on
// success, or `degraded` on partial failure. An existing SVM with the
// same name and identical parameters is returned as-is; a name
// collision with different parameters is AlreadyExists.
func (o *Orchestrator) CreateSVM(ctx context.Context, svm arcatypes.SVM) (*arcatypes.SVM, error) {
	if svm.Name == "" || svm.VLANID <= 0 || svm.VIP == "" {
		return nil, errs.Validationf("svm requires name, vlan_id, and vip")
	}

	release := o.locks.Acquire(lock.SVMKey(svm.Name))
	defer release()

	if existing, err := o.store.GetSVM(svm.Name); err == nil {
		if existing.VLANID == svm.VLANID && existing.VIP == svm.VIP && existing.IPCIDR == svm.IPCIDR {
			return existing, nil
		}
		return nil, errs.AlreadyExistsf("svm %s already exists with different parameters", svm.Name)
	} else if errs.KindOf(err) != errs.NotFound {
		return nil, err
	}

	others, err := o.store.ListSVMs()
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		if other.Name == svm.Name {
			continue
		}
		if other.VLANID == svm.VLANID {
			return nil, errs.NetworkConflictf("vlan_id %d already in use by svm %s", svm.VLANID, other.Name)
		}
		if other.VIP == svm.VIP {
			return nil, errs.NetworkConflictf("vip %s already in use by svm %s", svm.VIP, other.Name)
		}
	}

	if svm.Gateway == "" {
		svm.Gateway = deriveGatewayFromCIDR(svm.IPCIDR)
	}

	svm.State = arcatypes.SVMStateCreating
	logger := log.WithSVM(svm.Name)

	spec := ha.GroupSpec{
		SVM:      svm.Name,
		Netns:    svm.Name,
		VLANID:   svm.VLANID,
		ParentIf: o.layout.ParentIf,
		IP:       svm.VIP,
		Prefix:   ipPrefixFromCIDR(svm.IPCIDR),
		Gateway:  svm.Gateway,
		MTU:      svm.MTU,
	}

	if err := o.host.EnsureGroup(ctx, spec); err != nil {
		svm.State = arcatypes.SVMStateDegraded
		if cerr := o.store.CreateSVM(&svm); cerr != nil {
			logger.Error().Err(cerr).Msg("failed recording degraded svm")
		}
		o.publish(events.EventSVMDegraded, fmt.Sprintf("svm %s degraded", svm.Name), map[string]string{"svm": svm.Name})
		return nil, fmt.Errorf("ensuring resource group for svm %s: %w", svm.Name, err)
	}

	svm.State = arcatypes.SVMStateReady
	svm.CreatedAt = time.Now()
	if err := o.store.CreateSVM(&svm); err != nil {
		return nil, fmt.Errorf("recording svm %s: %w", svm.Name, err)
	}
	metrics.SVMsTotal.WithLabelValues(string(arcatypes.SVMStateReady)).Inc()
	o.publish(events.EventSVMCreated, fmt.Sprintf("svm %s created", svm.Name), map[string]string{"svm": svm.Name, "vlan_id": fmt.Sprint(svm.VLANID)})
	logger.Info().Msg("svm created")
	return &svm, nil
}

// GetSVM reads a single SVM record.
func (o *Orchestrator) GetSVM(ctx context.Context, name string) (*arcatypes.SVM, error) {
	return o.store.GetSVM(name)
}

// ListSVMs lists all SVM records.
func (o *Orchestrator) ListSVMs(ctx context.Context) ([]*arcatypes.SVM, error) {
	return o.store.ListSVMs()
}

// DeleteSVM tears down an SVM's resource group and removes its record.
// Absence is success.
func (o *Orchestrator) DeleteSVM(ctx context.Context, name string) error {
	release := o.locks.Acquire(lock.SVMKey(name))
	defer release()

	if _, err := o.store.GetSVM(name); errs.Is(err, errs.NotFound) {
		return nil
	}

	if err := o.host.RemoveGroup(ctx, name); err != nil {
		return fmt.Errorf("removing resource group for svm %s: %w", name, err)
	}
	if err := o.store.DeleteSVM(name); err != nil {
		return err
	}
	o.publish(events.EventSVMDeleted, fmt.Sprintf("svm %s deleted", name), map[string]string{"svm": name})
	return nil
}

// CreateVolume carves a thin LV, formats and mounts it, in that order,
// then records the Volume. Idempotent on (svm, name).
func (o *Orchestrator) CreateVolume(ctx context.Context, svm, name string, sizeBytes int64) (*arcatypes.Volume, error) {
	if sizeBytes <= 0 {
		return nil, errs.Validationf("volume size must be positive")
	}

	release := o.locks.Acquire(lock.VolumeKey(svm, name))
	defer release()

	if existing, err := o.store.GetVolume(svm, name); err == nil {
		if existing.SizeBytes == sizeBytes {
			return existing, nil
		}
		return nil, errs.AlreadyExistsf("volume %s/%s already exists with a different size", svm, name)
	} else if errs.KindOf(err) != errs.NotFound {
		return nil, err
	}

	mountPath := o.volumeMountPath(svm, name)
	spec := storagestack.VolumeSpec{SVM: svm, Name: name, SizeBytes: sizeBytes, VolumeGroup: o.layout.VolumeGroup, ThinPool: o.layout.ThinPool, MountPath: mountPath}
	if err := o.stack.CreateVolume(ctx, spec); err != nil {
		return nil, fmt.Errorf("creating volume %s/%s: %w", svm, name, err)
	}

	vol := &arcatypes.Volume{Name: name, SVM: svm, SizeBytes: sizeBytes, Path: mountPath, CreatedAt: time.Now()}
	if err := o.store.CreateVolume(vol); err != nil {
		return nil, fmt.Errorf("recording volume %s/%s: %w", svm, name, err)
	}
	metrics.VolumesTotal.Inc()
	o.publish(events.EventVolumeCreated, fmt.Sprintf("volume %s/%s created", svm, name), map[string]string{"svm": svm, "volume": name})
	return vol, nil
}

// ResizeVolume grows a volume; shrink requests are rejected.
func (o *Orchestrator) ResizeVolume(ctx context.Context, svm, name string, newSizeBytes int64) (*arcatypes.Volume, error) {
	release := o.locks.Acquire(lock.VolumeKey(svm, name))
	defer release()

	vol, err := o.store.GetVolume(svm, name)
	if err != nil {
		return nil, err
	}
	if newSizeBytes <= vol.SizeBytes {
		return nil, errs.Validationf("volume %s/%s: shrink not supported", svm, name)
	}

	spec := storagestack.VolumeSpec{SVM: svm, Name: name, SizeBytes: vol.SizeBytes, VolumeGroup: o.layout.VolumeGroup, ThinPool: o.layout.ThinPool, MountPath: vol.Path}
	if err := o.stack.ResizeVolume(ctx, spec, newSizeBytes); err != nil {
		return nil, fmt.Errorf("resizing volume %s/%s: %w", svm, name, err)
	}

	vol.SizeBytes = newSizeBytes
	if err := o.store.UpdateVolume(vol); err != nil {
		return nil, err
	}
	o.publish(events.EventVolumeResized, fmt.Sprintf("volume %s/%s resized to %d bytes", svm, name, newSizeBytes), map[string]string{"svm": svm, "volume": name})
	return vol, nil
}

// DeleteVolume unmounts and removes a volume's thin LV and its record.
// Absence is success.
func (o *Orchestrator) DeleteVolume(ctx context.Context, svm, name string) error {
	release := o.locks.Acquire(lock.VolumeKey(svm, name))
	defer release()

	vol, err := o.store.GetVolume(svm, name)
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	spec := storagestack.VolumeSpec{SVM: svm, Name: name, SizeBytes: vol.SizeBytes, VolumeGroup: o.layout.VolumeGroup, ThinPool: o.layout.ThinPool, MountPath: vol.Path}
	if err := o.stack.DeleteVolume(ctx, spec); err != nil {
		return fmt.Errorf("deleting volume %s/%s: %w", svm, name, err)
	}
	if err := o.store.DeleteVolume(svm, name); err != nil {
		return err
	}
	o.publish(events.EventVolumeDeleted, fmt.Sprintf("volume %s/%s deleted", svm, name), map[string]string{"svm": svm, "volume": name})
	return nil
}

// CreateExport adds an ACL record and re-renders and reloads the SVM's
// full exporter configuration, per spec: export mutations always end
// with a full-config reload, never an incremental diff.
func (o *Orchestrator) CreateExport(ctx context.Context, e arcatypes.Export) (*arcatypes.Export, error) {
	if e.SVM == "" || e.ClientCIDR == "" {
		return nil, errs.Validationf("export requires svm and client_cidr")
	}

	release := o.locks.Acquire(lock.ExportsKey(e.SVM))
	defer release()

	if e.ExportID == 0 {
		id, err := o.store.NextExportID(e.SVM)
		if err != nil {
			return nil, err
		}
		e.ExportID = id
	}
	if e.Sec == nil {
		e.Sec = []string{"sys"}
	}

	if err := o.store.CreateExport(&e); err != nil {
		return nil, err
	}
	if err := o.reloadExporterConfig(ctx, e.SVM); err != nil {
		return nil, err
	}
	metrics.ExportsTotal.Inc()
	o.publish(events.EventExportCreated, fmt.Sprintf("export %d created on svm %s", e.ExportID, e.SVM), map[string]string{"svm": e.SVM, "export_id": fmt.Sprint(e.ExportID)})
	return &e, nil
}

// DeleteExport removes an ACL record and reloads the SVM's exporter
// configuration. Absence is success.
func (o *Orchestrator) DeleteExport(ctx context.Context, svm string, exportID int) error {
	release := o.locks.Acquire(lock.ExportsKey(svm))
	defer release()

	if err := o.store.DeleteExport(svm, exportID); err != nil {
		return err
	}
	if err := o.reloadExporterConfig(ctx, svm); err != nil {
		return err
	}
	o.publish(events.EventExportDeleted, fmt.Sprintf("export %d deleted on svm %s", exportID, svm), map[string]string{"svm": svm, "export_id": fmt.Sprint(exportID)})
	return nil
}

// ListExports lists an SVM's export ACL records.
func (o *Orchestrator) ListExports(ctx context.Context, svm string) ([]*arcatypes.Export, error) {
	return o.store.ListExports(svm)
}

func (o *Orchestrator) reloadExporterConfig(ctx context.Context, svm string) error {
	exports, err := o.store.ListExports(svm)
	if err != nil {
		return fmt.Errorf("listing exports for %s: %w", svm, err)
	}

	proto := render.ProtocolConfig{Protocols: o.layout.Protocols, MountdPort: o.layout.MountdPort, NLMPort: o.layout.NLMPort}
	rendered := render.Render(o.layout.TemplateVersion, proto, exports)
	configPath := o.exporterConfigPath(svm)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConfigRenderDuration)

	if err := atomicWriteFile(ctx, configPath, rendered.Body); err != nil {
		return fmt.Errorf("writing exporter config for %s: %w", svm, err)
	}

	daemonSpec := exporter.Spec{SVM: svm, Netns: svm, ConfigPath: configPath, PIDPath: fmt.Sprintf("%s/exporter.%s.pid", o.layout.ConfigDir, svm)}
	if err := o.daemon.EnsureRunning(ctx, daemonSpec); err != nil {
		return fmt.Errorf("ensuring exporter running for %s: %w", svm, err)
	}
	return o.daemon.Reload(ctx, daemonSpec)
}

// CreateDirectory creates a CSI-managed subtree and, when quotaBytes is
// positive, assigns it a quota. Idempotent on (svm, path).
func (o *Orchestrator) CreateDirectory(ctx context.Context, svm, volume, path string, quotaBytes int64) (*arcatypes.Directory, error) {
	if path == "" {
		return nil, errs.Validationf("directory path must not be empty")
	}

	if existing, err := o.store.GetDirectory(svm, path); err == nil {
		return existing, nil
	} else if errs.KindOf(err) != errs.NotFound {
		return nil, err
	}

	mountPath := o.volumeMountPath(svm, volume)
	if err := o.stack.CreateDirectory(ctx, mountPath, path); err != nil {
		return nil, fmt.Errorf("creating directory %s/%s: %w", svm, path, err)
	}

	dir := &arcatypes.Directory{SVM: svm, Path: path, QuotaBytes: quotaBytes}
	if quotaBytes > 0 {
		id, err := o.stack.SetQuota(ctx, storagestack.QuotaSpec{MountPath: mountPath, RelPath: path, QuotaBytes: quotaBytes})
		if err != nil {
			return nil, fmt.Errorf("setting quota for %s/%s: %w", svm, path, err)
		}
		dir.ProjectID = id
	}

	if err := o.store.CreateDirectory(dir); err != nil {
		return nil, err
	}
	metrics.DirectoriesTotal.Inc()
	return dir, nil
}

// DeleteDirectory removes a subtree and frees its project quota slot.
// Absence is success.
func (o *Orchestrator) DeleteDirectory(ctx context.Context, svm, volume, path string) error {
	dir, err := o.store.GetDirectory(svm, path)
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	mountPath := o.volumeMountPath(svm, volume)
	if err := o.stack.DeleteDirectory(ctx, mountPath, path); err != nil {
		return fmt.Errorf("deleting directory %s/%s: %w", svm, path, err)
	}
	_ = dir
	return o.store.DeleteDirectory(svm, path)
}

// SetQuota sets a directory's quota, first-assignment or update.
func (o *Orchestrator) SetQuota(ctx context.Context, svm, volume, path string, quotaBytes int64) (*arcatypes.Directory, error) {
	dir, err := o.store.GetDirectory(svm, path)
	if err != nil {
		return nil, err
	}
	mountPath := o.volumeMountPath(svm, volume)
	id, err := o.stack.SetQuota(ctx, storagestack.QuotaSpec{MountPath: mountPath, RelPath: path, QuotaBytes: quotaBytes, ProjectID: dir.ProjectID})
	if err != nil {
		return nil, err
	}
	dir.ProjectID = id
	dir.QuotaBytes = quotaBytes
	if err := o.store.UpdateDirectory(dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// ExpandQuota grows a directory's quota; it never shrinks below current
// usage.
func (o *Orchestrator) ExpandQuota(ctx context.Context, svm, volume, path string, quotaBytes int64) (*arcatypes.Directory, error) {
	dir, err := o.store.GetDirectory(svm, path)
	if err != nil {
		return nil, err
	}
	mountPath := o.volumeMountPath(svm, volume)
	id, err := o.stack.ExpandQuota(ctx, storagestack.QuotaSpec{MountPath: mountPath, RelPath: path, QuotaBytes: quotaBytes, ProjectID: dir.ProjectID})
	if err != nil {
		return nil, err
	}
	dir.ProjectID = id
	if quotaBytes > dir.QuotaBytes {
		dir.QuotaBytes = quotaBytes
	}
	if err := o.store.UpdateDirectory(dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// GetQuota returns a directory's quota and observed usage.
func (o *Orchestrator) GetQuota(ctx context.Context, svm, volume, path string) (*arcatypes.Directory, error) {
	dir, err := o.store.GetDirectory(svm, path)
	if err != nil {
		return nil, err
	}
	mountPath := o.volumeMountPath(svm, volume)
	q, err := o.stack.GetQuota(ctx, mountPath, dir.ProjectID)
	if err != nil {
		return nil, err
	}
	dir.UsedBytes = q.UsedBytes
	return dir, nil
}

// CreateSnapshot reflink-copies sourcePath into snapshotPath. Idempotent
// on (svm, snapshot_path).
func (o *Orchestrator) CreateSnapshot(ctx context.Context, svm, volume, sourcePath, snapshotPath string) (*arcatypes.Snapshot, error) {
	if existing, err := o.store.GetSnapshot(svm, snapshotPath); err == nil {
		return existing, nil
	} else if errs.KindOf(err) != errs.NotFound {
		return nil, err
	}

	mountPath := o.volumeMountPath(svm, volume)
	if err := o.stack.CreateSnapshot(ctx, mountPath, sourcePath, snapshotPath); err != nil {
		return nil, fmt.Errorf("creating snapshot %s/%s: %w", svm, snapshotPath, err)
	}

	snap := &arcatypes.Snapshot{SVM: svm, SourcePath: sourcePath, SnapshotPath: snapshotPath, ReadyToUse: true}
	if err := o.store.CreateSnapshot(snap); err != nil {
		return nil, err
	}
	o.publish(events.EventSnapshotCreated, fmt.Sprintf("snapshot %s created on svm %s", snapshotPath, svm), map[string]string{"svm": svm, "snapshot_path": snapshotPath})
	return snap, nil
}

// DeleteSnapshot removes a snapshot's reflink copy from the volume and
// then its record. Absence is success.
func (o *Orchestrator) DeleteSnapshot(ctx context.Context, svm, volume, snapshotPath string) error {
	if _, err := o.store.GetSnapshot(svm, snapshotPath); errs.Is(err, errs.NotFound) {
		return nil
	} else if err != nil {
		return err
	}
	mountPath := o.volumeMountPath(svm, volume)
	if err := o.stack.DeleteDirectory(ctx, mountPath, snapshotPath); err != nil {
		return fmt.Errorf("deleting snapshot %s/%s: %w", svm, snapshotPath, err)
	}
	if err := o.store.DeleteSnapshot(svm, snapshotPath); err != nil {
		return err
	}
	o.publish(events.EventSnapshotDeleted, fmt.Sprintf("snapshot %s deleted on svm %s", snapshotPath, svm), map[string]string{"svm": svm, "snapshot_path": snapshotPath})
	return nil
}

// Restore reflink-copies a snapshot into a fresh target path.
func (o *Orchestrator) Restore(ctx context.Context, svm, volume, snapshotPath, targetPath string) error {
	mountPath := o.volumeMountPath(svm, volume)
	return o.stack.Restore(ctx, mountPath, snapshotPath, targetPath)
}

// Capacity reports an SVM's pool-backed total/available bytes and its
// mounted volumes' observed XFS usage.
type Capacity struct {
	TotalBytes     int64
	AvailableBytes int64
	UsedBytes      int64
}

// Capacity computes capacity accounting for svm.
func (o *Orchestrator) Capacity(ctx context.Context, svm string) (Capacity, error) {
	total, available, err := o.stack.PoolCapacity(ctx, o.layout.VolumeGroup, o.layout.ThinPool)
	if err != nil {
		return Capacity{}, err
	}

	vols, err := o.store.ListVolumes(svm)
	if err != nil {
		return Capacity{}, err
	}
	var used int64
	for _, v := range vols {
		u, err := o.stack.VolumeUsedBytes(ctx, v.Path)
		if err != nil {
			return Capacity{}, err
		}
		used += u
	}
	return Capacity{TotalBytes: total, AvailableBytes: available, UsedBytes: used}, nil
}
