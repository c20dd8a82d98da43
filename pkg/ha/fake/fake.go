// Package fake provides an in-memory ha.ResourceHost for tests, always
// primary and with no real resource side effects, so callers in
// pkg/arca can be tested without a Raft cluster.
package fake

import (
	"context"
	"sync"

	"github.com/akam1o/arca-storage/pkg/ha"
)

// ResourceHost is a single-node, always-primary ha.ResourceHost fake.
type ResourceHost struct {
	mu     sync.Mutex
	groups map[string]ha.GroupSpec

	// FailEnsure, when set, is returned by EnsureGroup for the named
	// SVM, letting tests exercise the control plane's rollback paths.
	FailEnsure map[string]error
}

// New constructs an empty fake ResourceHost.
func New() *ResourceHost {
	return &ResourceHost{groups: make(map[string]ha.GroupSpec)}
}

func (f *ResourceHost) EnsureGroup(ctx context.Context, spec ha.GroupSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailEnsure[spec.SVM]; ok && err != nil {
		return err
	}
	f.groups[spec.SVM] = spec
	return nil
}

func (f *ResourceHost) RemoveGroup(ctx context.Context, svm string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, svm)
	return nil
}

func (f *ResourceHost) MoveGroup(ctx context.Context, svm, targetNode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[svm]; !ok {
		return nil
	}
	return nil
}

func (f *ResourceHost) Status(ctx context.Context, svm string) (ha.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[svm]; !ok {
		return ha.StatusStopped, nil
	}
	return ha.StatusStarted, nil
}

func (f *ResourceHost) IsPrimary() bool { return true }

// Groups returns the set of SVM names with an active group, for test
// assertions.
func (f *ResourceHost) Groups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.groups))
	for k := range f.groups {
		out = append(out, k)
	}
	return out
}
