package metrics

import (
	"time"

	"github.com/blockmesh/dfs/pkg/metadata"
	"github.com/blockmesh/dfs/pkg/types"
)

// Collector polls the metadata manager on a ticker and republishes its
// namespace and placement state as gauges; it complements the metrics
// that are pushed incrementally at the point of change (replication
// queue depth, HA leadership/term, API request counts).
type Collector struct {
	mgr    *metadata.Manager
	stopCh chan struct{}
}

// NewCollector returns a Collector over mgr.
func NewCollector(mgr *metadata.Manager) *Collector {
	return &Collector{
		mgr:    mgr,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling every 15 seconds, collecting once immediately.
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

// Stop ends the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDataNodeMetrics()
	c.collectNamespaceMetrics()
}

func (c *Collector) collectDataNodeMetrics() {
	nodes, err := c.mgr.ListDataNodes()
	if err != nil {
		return
	}

	counts := make(map[types.NodeStatus]int)
	for _, n := range nodes {
		counts[n.Status]++
		DatanodeAvailableBytes.WithLabelValues(n.ID).Set(float64(n.AvailableSpace))
	}
	for _, status := range []types.NodeStatus{
		types.NodeStatusActive, types.NodeStatusInactive,
		types.NodeStatusDecommissioned, types.NodeStatusMaintenance,
	} {
		DatanodesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectNamespaceMetrics() {
	files, err := c.mgr.ListAllFiles()
	if err != nil {
		return
	}
	FilesTotal.Set(float64(len(files)))

	blocks, err := c.mgr.ListAllBlocks()
	if err != nil {
		return
	}

	replicationFactor := c.mgr.Policy().ReplicationFactor
	counts := map[types.BlockHealth]int{}
	for _, b := range blocks {
		switch {
		case b.Degraded:
			counts[types.BlockDegraded]++
		case b.HealthyLocationCount() < replicationFactor:
			counts[types.BlockUnderReplicated]++
		default:
			counts[types.BlockHealthy]++
		}
	}
	for _, health := range []types.BlockHealth{types.BlockHealthy, types.BlockUnderReplicated, types.BlockDegraded} {
		BlocksTotal.WithLabelValues(string(health)).Set(float64(counts[health]))
	}
}
