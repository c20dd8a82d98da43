package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestManager_AcquireThenReleaseDeletesLease(t *testing.T) {
	client := fake.NewSimpleClientset()
	mgr := New(client, "kube-system", "controller-0")

	lock, err := mgr.Acquire(context.Background(), "svm:tenant-a", 2*time.Second)
	require.NoError(t, err)

	_, err = client.CoordinationV1().Leases("kube-system").Get(context.Background(), "svm:tenant-a", metav1.GetOptions{})
	require.NoError(t, err)

	require.NoError(t, lock.Release(context.Background()))

	_, err = client.CoordinationV1().Leases("kube-system").Get(context.Background(), "svm:tenant-a", metav1.GetOptions{})
	require.Error(t, err)
}

func TestManager_AcquireRejectsUnexpiredOtherHolder(t *testing.T) {
	client := fake.NewSimpleClientset()
	first := New(client, "kube-system", "controller-0")
	second := New(client, "kube-system", "controller-1")

	_, err := first.Acquire(context.Background(), "svm:tenant-b", 1*time.Minute)
	require.NoError(t, err)

	_, err = second.Acquire(context.Background(), "svm:tenant-b", 1*time.Minute)
	require.Error(t, err)
}

func TestManager_AcquireTakesOverExpiredLease(t *testing.T) {
	client := fake.NewSimpleClientset()
	first := New(client, "kube-system", "controller-0")
	second := New(client, "kube-system", "controller-1")

	lock, err := first.Acquire(context.Background(), "svm:tenant-c", 10*time.Millisecond)
	require.NoError(t, err)
	close(lock.stopCh) // stop the renewer without deleting, simulating a crashed holder

	time.Sleep(30 * time.Millisecond)

	_, err = second.Acquire(context.Background(), "svm:tenant-c", 1*time.Minute)
	require.NoError(t, err)
}
