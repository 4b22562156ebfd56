package datanode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metrics"
	"github.com/rs/zerolog"
)

// Agent registers this storage node with the metadata plane's control-plane
// API and then heartbeats on a fixed interval, carrying available space and
// block count, until Stop is called. It also runs a background sweep that
// reconciles its local block set against the metadata plane and deletes
// blocks no file references after a grace period (§5).
type Agent struct {
	nodeID     string
	apiAddr    string
	hostname   string
	port       int
	capacity   int64
	interval   time.Duration
	httpClient *http.Client
	store      blockstore
	stopCh     chan struct{}

	orphanSweepInterval time.Duration
	orphanGracePeriod   time.Duration
	orphanMu            sync.Mutex
	orphanSince         map[string]time.Time
}

// blockstore is the minimal surface Agent needs from blockstore.Store,
// kept as an unexported interface so the agent is trivially testable with
// a fake.
type blockstore interface {
	AvailableSpace() (int64, error)
	ListBlockIDs() ([]string, error)
	Delete(blockID string) error
}

// NewAgent returns an Agent for nodeID, reachable at hostname:port for data
// traffic, reporting to the control plane at apiAddr (e.g. "http://host:8080").
// orphanSweepInterval and orphanGracePeriod configure the background orphan
// sweep; a zero orphanSweepInterval disables it.
func NewAgent(nodeID, apiAddr, hostname string, port int, capacity int64, interval time.Duration, store blockstore, orphanSweepInterval, orphanGracePeriod time.Duration) *Agent {
	return &Agent{
		nodeID:              nodeID,
		apiAddr:             apiAddr,
		hostname:            hostname,
		port:                port,
		capacity:            capacity,
		interval:            interval,
		httpClient:          &http.Client{Timeout: 5 * time.Second},
		store:               store,
		stopCh:              make(chan struct{}),
		orphanSweepInterval: orphanSweepInterval,
		orphanGracePeriod:   orphanGracePeriod,
		orphanSince:         make(map[string]time.Time),
	}
}

type registerRequest struct {
	NodeID        string `json:"node_id"`
	Hostname      string `json:"hostname"`
	Port          int    `json:"port"`
	TotalCapacity int64  `json:"total_capacity"`
}

type heartbeatRequest struct {
	AvailableSpace int64 `json:"available_space"`
	BlockCount     int   `json:"block_count"`
}

type blockReportRequest struct {
	NodeID   string   `json:"node_id"`
	BlockIDs []string `json:"block_ids"`
}

// Start registers the node, sends an initial full block report so the
// metadata plane can reconcile what this node actually holds (e.g. after a
// restart), and spawns the heartbeat loop. It returns once registration has
// succeeded once.
func (a *Agent) Start() error {
	logger := log.WithNodeID(a.nodeID)
	if err := a.register(); err != nil {
		return fmt.Errorf("register datanode %s: %w", a.nodeID, err)
	}
	logger.Info().Str("hostname", a.hostname).Int("port", a.port).Msg("registered with metadata plane")

	if err := a.sendBlockReport(); err != nil {
		logger.Warn().Err(err).Msg("initial block report failed")
	}

	go a.heartbeatLoop()
	if a.orphanSweepInterval > 0 {
		go a.orphanSweepLoop()
	}
	return nil
}

// Stop ends the heartbeat loop.
func (a *Agent) Stop() {
	close(a.stopCh)
}

func (a *Agent) register() error {
	return a.post("/datanodes/register", registerRequest{
		NodeID:        a.nodeID,
		Hostname:      a.hostname,
		Port:          a.port,
		TotalCapacity: a.capacity,
	})
}

func (a *Agent) heartbeatLoop() {
	logger := log.WithNodeID(a.nodeID)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				logger.Error().Err(err).Msg("heartbeat failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	avail, err := a.store.AvailableSpace()
	if err != nil {
		return fmt.Errorf("read available space: %w", err)
	}
	ids, err := a.store.ListBlockIDs()
	if err != nil {
		return fmt.Errorf("list local blocks: %w", err)
	}
	return a.post(fmt.Sprintf("/datanodes/%s/heartbeat", a.nodeID), heartbeatRequest{AvailableSpace: avail, BlockCount: len(ids)})
}

func (a *Agent) sendBlockReport() error {
	ids, err := a.store.ListBlockIDs()
	if err != nil {
		return fmt.Errorf("list local blocks: %w", err)
	}
	return a.post("/blocks/report", blockReportRequest{NodeID: a.nodeID, BlockIDs: ids})
}

func (a *Agent) orphanSweepLoop() {
	logger := log.WithNodeID(a.nodeID)
	ticker := time.NewTicker(a.orphanSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.sweepOrphans(); err != nil {
				logger.Error().Err(err).Msg("orphan sweep failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

// sweepOrphans reconciles the local block set against the metadata plane's
// view: a block unknown to the metadata plane (deleted along with its
// file, or never finalized) is tracked from the first time it's observed
// unknown, and physically deleted once it's stayed unknown for longer than
// the grace period. A block that becomes known again (e.g. it was mid
// finalize when first checked) has its unknown-since mark cleared.
func (a *Agent) sweepOrphans() error {
	ids, err := a.store.ListBlockIDs()
	if err != nil {
		return fmt.Errorf("list local blocks: %w", err)
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
		blockLogger := log.WithBlockID(id)
		known, err := a.blockKnownToMetadata(id)
		if err != nil {
			blockLogger.Warn().Err(err).Msg("could not check block against metadata plane")
			continue
		}
		if known {
			a.clearOrphan(id)
			continue
		}
		if a.noteOrphan(id, blockLogger) {
			if err := a.store.Delete(id); err != nil {
				blockLogger.Error().Err(err).Msg("failed to delete orphaned block")
				continue
			}
			metrics.OrphanBlocksDeletedTotal.WithLabelValues(a.nodeID).Inc()
			blockLogger.Info().Msg("deleted orphaned block past grace period")
			a.clearOrphan(id)
		}
	}
	a.forgetStale(seen)
	return nil
}

// blockKnownToMetadata asks the metadata plane whether it still has a
// record of blockID, reusing the existing GET /blocks/{id} lookup rather
// than adding new API surface.
func (a *Agent) blockKnownToMetadata(blockID string) (bool, error) {
	resp, err := a.httpClient.Get(a.apiAddr + "/blocks/" + blockID)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d checking block %s", resp.StatusCode, blockID)
	}
}

// noteOrphan records the first time blockID was observed unknown and
// reports whether it has now been unknown for longer than the grace
// period.
func (a *Agent) noteOrphan(blockID string, logger zerolog.Logger) bool {
	a.orphanMu.Lock()
	defer a.orphanMu.Unlock()
	since, tracked := a.orphanSince[blockID]
	if !tracked {
		a.orphanSince[blockID] = time.Now()
		logger.Warn().Msg("block unknown to metadata plane, starting grace period")
		return false
	}
	return time.Since(since) > a.orphanGracePeriod
}

func (a *Agent) clearOrphan(blockID string) {
	a.orphanMu.Lock()
	delete(a.orphanSince, blockID)
	a.orphanMu.Unlock()
}

// forgetStale drops tracked orphan state for any block no longer present
// on local disk (deleted by a previous sweep, or removed out of band).
func (a *Agent) forgetStale(seen map[string]bool) {
	a.orphanMu.Lock()
	defer a.orphanMu.Unlock()
	for id := range a.orphanSince {
		if !seen[id] {
			delete(a.orphanSince, id)
		}
	}
}

func (a *Agent) post(path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Post(a.apiAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
