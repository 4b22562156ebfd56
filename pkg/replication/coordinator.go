/*
Package replication implements the replication coordinator (§4.5): a
background component of each metadata node that drains a
FIFO queue of under-replicated/suspect/explicit-repair block entries,
re-verifies each against current locations, and issues TransferBlock RPCs
to restore the replication factor.
*/
package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metrics"
	"github.com/blockmesh/dfs/pkg/types"
	"github.com/blockmesh/dfs/pkg/wire"
	"github.com/rs/zerolog"
)

// Manager is the subset of the metadata manager the coordinator needs:
// reading and mutating block/location state and choosing a repair target.
type Manager interface {
	GetBlock(blockID string) (*types.Block, error)
	GetDataNode(id string) (*types.DataNode, error)
	AddLocation(blockID, nodeID string, isLeader bool) error
	RemoveLocation(blockID, nodeID string) error
	SelectRepairTarget(blockID string, exclude []string) (*types.DataNode, error)
	MarkBlockDegraded(blockID string) error
}

type queueEntry struct {
	blockID   string
	reason    string
	attempts  int
	notBefore time.Time
}

// Coordinator owns the repair queue and the background drain loop.
type Coordinator struct {
	mgr               Manager
	logger            zerolog.Logger
	replicationFactor int
	maxAttempts       int
	dialTimeout       time.Duration
	baseBackoff       time.Duration

	mu     sync.Mutex
	queue  []queueEntry
	queued map[string]bool // blockID -> already queued, avoids duplicate entries
	stopCh chan struct{}
	wake   chan struct{}
}

// NewCoordinator returns a Coordinator targeting replicationFactor
// healthy locations per block, retrying a block up to maxAttempts times
// before marking it degraded.
func NewCoordinator(mgr Manager, replicationFactor, maxAttempts int, dialTimeout time.Duration) *Coordinator {
	return &Coordinator{
		mgr:               mgr,
		logger:            log.WithComponent("replication-coordinator"),
		replicationFactor: replicationFactor,
		maxAttempts:       maxAttempts,
		dialTimeout:       dialTimeout,
		baseBackoff:       time.Second,
		queued:            make(map[string]bool),
		stopCh:            make(chan struct{}),
		wake:              make(chan struct{}, 1),
	}
}

// Enqueue adds blockID to the repair queue for reason, unless it is
// already queued.
func (c *Coordinator) Enqueue(blockID, reason string) {
	c.mu.Lock()
	if c.queued[blockID] {
		c.mu.Unlock()
		return
	}
	c.queued[blockID] = true
	c.queue = append(c.queue, queueEntry{blockID: blockID, reason: reason})
	c.mu.Unlock()

	metrics.ReplicationQueueDepth.Inc()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start begins draining the queue until Stop is called.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop ends the drain loop.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

func (c *Coordinator) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.logger.Info().Msg("replication coordinator started")
	for {
		select {
		case <-ticker.C:
			c.drainReady()
		case <-c.wake:
			c.drainReady()
		case <-c.stopCh:
			c.logger.Info().Msg("replication coordinator stopped")
			return
		}
	}
}

// drainReady processes every entry currently eligible to run (FIFO,
// respecting each entry's backoff deadline).
func (c *Coordinator) drainReady() {
	for {
		entry, ok := c.popReady()
		if !ok {
			return
		}
		c.process(entry)
	}
}

func (c *Coordinator) popReady() (queueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for i, e := range c.queue {
		if e.notBefore.After(now) {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		return e, true
	}
	return queueEntry{}, false
}

func (c *Coordinator) requeue(e queueEntry) {
	e.attempts++
	backoff := c.baseBackoff * time.Duration(1<<uint(min(e.attempts, 10)))
	e.notBefore = time.Now().Add(backoff)
	c.mu.Lock()
	c.queue = append(c.queue, e)
	c.mu.Unlock()
}

func (c *Coordinator) drop(blockID string) {
	c.mu.Lock()
	delete(c.queued, blockID)
	c.mu.Unlock()
	metrics.ReplicationQueueDepth.Dec()
}

func (c *Coordinator) process(e queueEntry) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	defer metrics.ReconciliationCyclesTotal.Inc()

	block, err := c.mgr.GetBlock(e.blockID)
	if err != nil {
		c.logger.Error().Err(err).Str("block_id", e.blockID).Msg("cannot read block for repair")
		c.drop(e.blockID)
		return
	}

	// Step 1: re-read and drop if already healthy.
	healthy := block.HealthyLocationCount()
	if healthy >= c.replicationFactor {
		c.drop(e.blockID)
		return
	}

	source, excludeIDs, err := c.pickSource(block)
	if err != nil {
		c.handleFailure(e, fmt.Errorf("no healthy source for block %s: %w", e.blockID, err))
		return
	}

	target, err := c.mgr.SelectRepairTarget(e.blockID, excludeIDs)
	if err != nil {
		c.handleFailure(e, fmt.Errorf("no repair target for block %s: %w", e.blockID, err))
		return
	}

	if err := c.transfer(source, target, e.blockID); err != nil {
		c.handleFailure(e, err)
		return
	}

	if err := c.mgr.AddLocation(e.blockID, target.ID, false); err != nil {
		c.logger.Error().Err(err).Str("block_id", e.blockID).Msg("repair transferred but failed to record new location")
		c.handleFailure(e, err)
		return
	}

	metrics.ReplicationAttemptsTotal.WithLabelValues("success").Inc()
	c.logger.Info().Str("block_id", e.blockID).Str("target", target.ID).Str("reason", e.reason).Msg("block repaired")
	c.drop(e.blockID)
}

func (c *Coordinator) handleFailure(e queueEntry, err error) {
	metrics.ReplicationAttemptsTotal.WithLabelValues("failure").Inc()
	if e.attempts+1 >= c.maxAttempts {
		c.logger.Error().Err(err).Str("block_id", e.blockID).Int("attempts", e.attempts+1).Msg("block marked degraded after exhausting repair attempts")
		if markErr := c.mgr.MarkBlockDegraded(e.blockID); markErr != nil {
			c.logger.Error().Err(markErr).Str("block_id", e.blockID).Msg("failed to persist degraded flag")
		}
		c.drop(e.blockID)
		return
	}
	c.logger.Warn().Err(err).Str("block_id", e.blockID).Int("attempt", e.attempts+1).Msg("repair attempt failed, requeueing with backoff")
	c.requeue(e)
}

// pickSource returns any ACTIVE, non-suspect location to read the block
// from, plus the full set of node ids currently holding it (so the
// target selection can exclude them).
func (c *Coordinator) pickSource(b *types.Block) (*types.DataNode, []string, error) {
	exclude := make([]string, 0, len(b.Locations))
	var source *types.DataNode
	for _, loc := range b.Locations {
		exclude = append(exclude, loc.NodeID)
		if loc.Suspect || source != nil {
			continue
		}
		node, err := c.mgr.GetDataNode(loc.NodeID)
		if err != nil || node.Status != types.NodeStatusActive {
			continue
		}
		source = node
	}
	if source == nil {
		return nil, exclude, fmt.Errorf("block has zero healthy replicas")
	}
	return source, exclude, nil
}

func (c *Coordinator) transfer(source, target *types.DataNode, blockID string) error {
	client := wire.NewClient(source.Endpoint(), c.dialTimeout)
	var resp wire.TransferBlockResponse
	return client.Call(wire.OpTransferBlock, wire.TransferBlockRequest{
		BlockID:      blockID,
		TargetNodeID: target.ID,
		TargetHost:   target.Hostname,
		TargetPort:   target.Port,
	}, &resp)
}
