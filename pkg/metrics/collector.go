package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/akam1o/arca-storage/pkg/arcatypes"
	"github.com/akam1o/arca-storage/pkg/ha"
	"github.com/akam1o/arca-storage/pkg/health"
	"github.com/akam1o/arca-storage/pkg/store"
)

const nfsPort = 2049

// Collector periodically refreshes the resource-count gauges
// (SVMs/Volumes/Exports/Directories, HA primary status) from stored
// state, since those gauges reflect aggregate counts rather than
// per-request events, and TCP-probes each Ready SVM's NFS daemon on
// its VIP. Generalized from cuemby-warren's ticker-driven metrics
// collector.
type Collector struct {
	store  store.Store
	host   ha.ResourceHost
	stopCh chan struct{}
}

// NewCollector creates a collector over st and host.
func NewCollector(st store.Store, host ha.ResourceHost) *Collector {
	return &Collector{
		store:  st,
		host:   host,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectResourceCounts()
	c.collectHAStatus()
	c.collectSVMReachability()
}

func (c *Collector) collectResourceCounts() {
	svms, err := c.store.ListSVMs()
	if err != nil {
		return
	}

	stateCounts := make(map[arcatypes.SVMState]int)
	var volumes, exports, directories int

	for _, svm := range svms {
		stateCounts[svm.State]++

		if vols, err := c.store.ListVolumes(svm.Name); err == nil {
			volumes += len(vols)
		}
		if exps, err := c.store.ListExports(svm.Name); err == nil {
			exports += len(exps)
		}
		if dirs, err := c.store.ListDirectories(svm.Name); err == nil {
			directories += len(dirs)
		}
	}

	for _, state := range []arcatypes.SVMState{
		arcatypes.SVMStateCreating,
		arcatypes.SVMStateReady,
		arcatypes.SVMStateDegraded,
		arcatypes.SVMStateDeleting,
	} {
		SVMsTotal.WithLabelValues(string(state)).Set(float64(stateCounts[state]))
	}

	VolumesTotal.Set(float64(volumes))
	ExportsTotal.Set(float64(exports))
	DirectoriesTotal.Set(float64(directories))
}

func (c *Collector) collectHAStatus() {
	if c.host.IsPrimary() {
		HAIsPrimary.Set(1)
	} else {
		HAIsPrimary.Set(0)
	}
}

// collectSVMReachability TCP-probes every Ready SVM's NFS daemon on its
// VIP. Only the primary holds the SVMs' netns VIPs, so followers skip
// the probe entirely rather than report false unreachability.
func (c *Collector) collectSVMReachability() {
	if !c.host.IsPrimary() {
		return
	}

	svms, err := c.store.ListSVMs()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var unreachable int
	for _, svm := range svms {
		if svm.State != arcatypes.SVMStateReady {
			continue
		}
		checker := health.NewTCPChecker(fmt.Sprintf("%s:%d", svm.VIP, nfsPort)).WithTimeout(2 * time.Second)
		if !checker.Check(ctx).Healthy {
			unreachable++
		}
	}
	SVMsUnreachableTotal.Set(float64(unreachable))
}
