// Package lease implements the CSI Controller's distributed lock: a
// coordination.k8s.io/v1 Lease per resource, held by this process's
// identity, renewed in the background at one third of its TTL, the way
// the SVM-ensure flow needs for its create-once-per-namespace guarantee.
// Grounded on
// k8s.io/client-go's CoordinationV1().Leases(namespace) typed client.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/akam1o/arca-storage/pkg/errs"
	"github.com/akam1o/arca-storage/pkg/log"
)

// Manager acquires and releases named Leases in one namespace.
type Manager struct {
	client    kubernetes.Interface
	namespace string
	identity  string
}

// New constructs a Manager. identity is this process's unique holder
// identity (POD_NAME for controller pods, never empty).
func New(client kubernetes.Interface, namespace, identity string) *Manager {
	return &Manager{client: client, namespace: namespace, identity: identity}
}

// Lock represents a held Lease. Release stops the background renewer
// and deletes the Lease if this process is still the holder.
type Lock struct {
	mgr      *Manager
	name     string
	ttl      time.Duration
	stopCh   chan struct{}
	lostCh   chan struct{}
	lostOnce sync.Once
}

// Acquire takes the named Lease, respecting an existing unexpired
// holder. An expired Lease (RenewTime + LeaseDuration < now) is taken
// over. ttl is the lease duration; renewal happens every ttl/3.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	leases := m.client.CoordinationV1().Leases(m.namespace)

	for {
		existing, err := leases.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			created, err := leases.Create(ctx, m.newLease(name, ttl), metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				continue
			}
			if err != nil {
				return nil, errs.Transientf("creating lease %s: %v", name, err)
			}
			return m.startLock(created, name, ttl), nil
		}
		if err != nil {
			return nil, errs.Transientf("reading lease %s: %v", name, err)
		}

		if !leaseExpired(existing) && !leaseHeldByUs(existing, m.identity) {
			return nil, errs.StateMachinef("lease %s is held by another holder", name)
		}

		updated := existing.DeepCopy()
		applyLeaseSpec(updated, m.identity, ttl)
		result, err := leases.Update(ctx, updated, metav1.UpdateOptions{})
		if apierrors.IsConflict(err) {
			continue
		}
		if err != nil {
			return nil, errs.Transientf("updating lease %s: %v", name, err)
		}
		return m.startLock(result, name, ttl), nil
	}
}

func (m *Manager) startLock(lease *coordinationv1.Lease, name string, ttl time.Duration) *Lock {
	l := &Lock{mgr: m, name: name, ttl: ttl, stopCh: make(chan struct{}), lostCh: make(chan struct{})}
	go l.renewLoop()
	return l
}

func (l *Lock) renewLoop() {
	logger := log.WithComponent("lease")
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.renew(ctx)
			cancel()
			if err != nil {
				logger.Error().Err(err).Str("lease", l.name).Msg("lease renewal failed, lock considered lost")
				l.lostOnce.Do(func() { close(l.lostCh) })
				return
			}
		}
	}
}

func (l *Lock) renew(ctx context.Context) error {
	leases := l.mgr.client.CoordinationV1().Leases(l.mgr.namespace)
	existing, err := leases.Get(ctx, l.name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if !leaseHeldByUs(existing, l.mgr.identity) {
		return fmt.Errorf("lease %s no longer held by %s", l.name, l.mgr.identity)
	}
	updated := existing.DeepCopy()
	applyLeaseSpec(updated, l.mgr.identity, l.ttl)
	_, err = leases.Update(ctx, updated, metav1.UpdateOptions{})
	return err
}

// Lost returns a channel that closes when background renewal has
// failed and the lock should be considered no longer held.
func (l *Lock) Lost() <-chan struct{} {
	return l.lostCh
}

// Release stops the background renewer and deletes the Lease if this
// process is still its holder.
func (l *Lock) Release(ctx context.Context) error {
	close(l.stopCh)

	leases := l.mgr.client.CoordinationV1().Leases(l.mgr.namespace)
	existing, err := leases.Get(ctx, l.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errs.Transientf("reading lease %s on release: %v", l.name, err)
	}
	if !leaseHeldByUs(existing, l.mgr.identity) {
		return nil
	}
	if err := leases.Delete(ctx, l.name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return errs.Transientf("deleting lease %s: %v", l.name, err)
	}
	return nil
}

func (m *Manager) newLease(name string, ttl time.Duration) *coordinationv1.Lease {
	l := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: m.namespace},
	}
	applyLeaseSpec(l, m.identity, ttl)
	return l
}

func applyLeaseSpec(l *coordinationv1.Lease, identity string, ttl time.Duration) {
	now := metav1.NowMicro()
	seconds := int32(ttl.Seconds())
	l.Spec.HolderIdentity = strPtr(identity)
	l.Spec.LeaseDurationSeconds = int32Ptr(seconds)
	l.Spec.RenewTime = &now
	if l.Spec.AcquireTime == nil {
		l.Spec.AcquireTime = &now
	}
}

func leaseHeldByUs(l *coordinationv1.Lease, identity string) bool {
	return l.Spec.HolderIdentity != nil && *l.Spec.HolderIdentity == identity
}

func leaseExpired(l *coordinationv1.Lease) bool {
	if l.Spec.RenewTime == nil || l.Spec.LeaseDurationSeconds == nil {
		return true
	}
	expiry := l.Spec.RenewTime.Add(time.Duration(*l.Spec.LeaseDurationSeconds) * time.Second)
	return expiry.Before(time.Now())
}

func strPtr(s string) *string   { return &s }
func int32Ptr(v int32) *int32   { return &v }
