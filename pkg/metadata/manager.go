/*
Package metadata implements the authoritative namespace service (§4.4):
directory/file namespace operations, block bookkeeping, storage-node
placement policy, datanode lifecycle, and the background staleness sweep
that demotes unresponsive nodes and enqueues their blocks for repair.

All mutations go through a Manager, which serializes namespace races
through metastore.Store's per-bucket bbolt transactions; the in-memory
view of "known storage nodes" used by the placement policy is read back
from the store on every call rather than cached, trading a little
latency for never drifting from committed truth.
*/
package metadata

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blockmesh/dfs/pkg/dfserr"
	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metastore"
	"github.com/blockmesh/dfs/pkg/types"
	"github.com/google/uuid"
)

// ReplicationQueue is the subset of the replication coordinator's API the
// manager needs: enqueueing a block for repair. Keeping this as an
// interface (rather than importing pkg/replication directly) avoids a
// dependency cycle, since the coordinator itself calls back into the
// manager for placement decisions.
type ReplicationQueue interface {
	Enqueue(blockID, reason string)
}

// Policy bundles the placement and staleness-detection tunables (§6's
// configuration options relevant to this package).
type Policy struct {
	ReplicationFactor      int
	BlockSize              int64
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
}

// Manager is the namespace service. It is safe for concurrent use.
type Manager struct {
	store  *metastore.Store
	policy Policy
	queue  ReplicationQueue

	mu        sync.Mutex
	lastPairs map[string][]string // fileID -> node ids used for the previous block, for round-robin avoidance
	stopCh    chan struct{}
}

// New returns a Manager over store. queue may be nil until the
// replication coordinator is constructed; SetReplicationQueue wires it
// in afterward to break the construction-order cycle.
func New(store *metastore.Store, policy Policy, queue ReplicationQueue) *Manager {
	return &Manager{
		store:     store,
		policy:    policy,
		queue:     queue,
		lastPairs: make(map[string][]string),
		stopCh:    make(chan struct{}),
	}
}

// Policy returns the placement and staleness-detection tunables this
// manager was constructed with.
func (m *Manager) Policy() Policy {
	return m.policy
}

// SetReplicationQueue wires the replication coordinator in after
// construction.
func (m *Manager) SetReplicationQueue(q ReplicationQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

// --- Namespace ---

// Mkdir creates a directory at path owned by owner. The parent directory
// must already exist (root "/" is implicitly present).
func (m *Manager) Mkdir(p, owner string) (*types.Directory, error) {
	p = canonicalPath(p)
	if parent := parentOf(p); p != "/" && parent != "/" {
		if _, err := m.store.GetDirectory(parent); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", p, dfserr.ErrInvariantViolation)
		}
	}
	if _, err := m.store.GetDirectory(p); err == nil {
		return nil, fmt.Errorf("mkdir %s: %w", p, dfserr.ErrAlreadyExists)
	}
	d := &types.Directory{Path: p, Owner: owner, CreatedAt: time.Now()}
	if err := m.store.PutDirectory(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Rmdir removes a directory. Without recursive it fails if the directory
// has any child file or directory.
func (m *Manager) Rmdir(p string, recursive bool) error {
	p = canonicalPath(p)
	if p == "/" {
		return fmt.Errorf("rmdir /: %w", dfserr.ErrInvariantViolation)
	}
	if _, err := m.store.GetDirectory(p); err != nil {
		return fmt.Errorf("rmdir %s: %w", p, dfserr.ErrNotFound)
	}

	childDirs, err := m.store.ListDirectoryChildren(p)
	if err != nil {
		return err
	}
	childFiles, err := m.store.ListFileChildrenOfDir(p)
	if err != nil {
		return err
	}
	if !recursive && (len(childDirs) > 0 || len(childFiles) > 0) {
		return fmt.Errorf("rmdir %s: %w", p, dfserr.ErrInvariantViolation)
	}

	for _, f := range childFiles {
		if err := m.DeleteFile(f.ID); err != nil {
			return err
		}
	}
	for _, d := range childDirs {
		if err := m.Rmdir(d.Path, true); err != nil {
			return err
		}
	}
	return m.store.DeleteDirectory(p)
}

// Entry is one immediate child of a directory listing.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// List returns the immediate children of p (files and directories, unordered).
func (m *Manager) List(p string) ([]Entry, error) {
	p = canonicalPath(p)
	dirs, err := m.store.ListDirectoryChildren(p)
	if err != nil {
		return nil, err
	}
	files, err := m.store.ListFileChildrenOfDir(p)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirs)+len(files))
	for _, d := range dirs {
		out = append(out, Entry{Path: d.Path, IsDir: true})
	}
	for _, f := range files {
		out = append(out, Entry{Path: f.Path, IsDir: false})
	}
	return out, nil
}

// --- Files ---

// CreateFile records a new file at path with declaredSize. The parent
// directory must exist and path must not already be taken.
func (m *Manager) CreateFile(p, owner string, declaredSize int64) (*types.File, error) {
	p = canonicalPath(p)
	if parent := parentOf(p); parent != "/" {
		if _, err := m.store.GetDirectory(parent); err != nil {
			return nil, fmt.Errorf("create_file %s: %w", p, dfserr.ErrInvariantViolation)
		}
	}
	if _, err := m.store.GetFileByPath(p); err == nil {
		return nil, fmt.Errorf("create_file %s: %w", p, dfserr.ErrAlreadyExists)
	}
	f := &types.File{
		ID:           uuid.NewString(),
		Path:         p,
		Owner:        owner,
		DeclaredSize: declaredSize,
		CreatedAt:    time.Now(),
		ModifiedAt:   time.Now(),
	}
	if err := m.store.PutFile(f); err != nil {
		return nil, err
	}
	return f, nil
}

// AppendBlockToFile appends blockID to file's ordered block list (used
// once a client upload has finished storing a block).
func (m *Manager) AppendBlockToFile(fileID, blockID string) error {
	f, err := m.store.GetFile(fileID)
	if err != nil {
		return err
	}
	f.BlockIDs = append(f.BlockIDs, blockID)
	f.ModifiedAt = time.Now()
	return m.store.PutFile(f)
}

// DeleteFile removes the file record and cascades deletion of its block
// rows. It does not reach out to the storage nodes that held those
// blocks: they fall out of the metadata plane's view immediately, and
// pkg/datanode.Agent's orphan sweep physically reclaims them the next
// time it checks each local block against this plane and finds it gone.
func (m *Manager) DeleteFile(id string) error {
	blockIDs, err := m.store.DeleteFileCascade(id)
	if err != nil {
		return fmt.Errorf("delete_file %s: %w", id, err)
	}
	log.WithFileID(id).Info().Int("orphaned_blocks", len(blockIDs)).Msg("file deleted, blocks left for datanode orphan sweep")
	return nil
}

func (m *Manager) GetFileByPath(p string) (*types.File, error) {
	return m.store.GetFileByPath(canonicalPath(p))
}

func (m *Manager) GetFileByID(id string) (*types.File, error) {
	return m.store.GetFile(id)
}

// --- Blocks ---

// RegisterBlock records a new block owned by fileID.
func (m *Manager) RegisterBlock(blockID, fileID string, size int64, checksum string) error {
	b := &types.Block{ID: blockID, FileID: fileID, Size: size, Checksum: checksum}
	return m.store.PutBlock(b)
}

// AddLocation adds nodeID as a location for blockID. Adding a leader
// location while another node already holds the leader role fails with
// ErrInvariantViolation.
func (m *Manager) AddLocation(blockID, nodeID string, isLeader bool) error {
	_, err := m.store.UpdateBlock(blockID, func(b *types.Block) error {
		if isLeader {
			for _, loc := range b.Locations {
				if loc.IsLeader && loc.NodeID != nodeID {
					return fmt.Errorf("add_location %s: node %s is already leader: %w", blockID, loc.NodeID, dfserr.ErrInvariantViolation)
				}
			}
		}
		for i, loc := range b.Locations {
			if loc.NodeID == nodeID {
				b.Locations[i].IsLeader = isLeader
				b.Locations[i].Suspect = false
				return nil
			}
		}
		b.Locations = append(b.Locations, types.BlockLocation{NodeID: nodeID, IsLeader: isLeader})
		return nil
	})
	return err
}

// RemoveLocation drops nodeID from blockID's location set.
func (m *Manager) RemoveLocation(blockID, nodeID string) error {
	_, err := m.store.UpdateBlock(blockID, func(b *types.Block) error {
		out := b.Locations[:0]
		for _, loc := range b.Locations {
			if loc.NodeID != nodeID {
				out = append(out, loc)
			}
		}
		b.Locations = out
		return nil
	})
	return err
}

func (m *Manager) GetBlock(blockID string) (*types.Block, error) {
	return m.store.GetBlock(blockID)
}

// MarkBlockDegraded flags blockID as degraded (repair attempts exhausted
// without reaching the replication factor); it remains visible and
// retrievable, never silently lost.
func (m *Manager) MarkBlockDegraded(blockID string) error {
	_, err := m.store.UpdateBlock(blockID, func(b *types.Block) error {
		b.Degraded = true
		return nil
	})
	return err
}

// ListDegradedBlocks returns every block currently flagged degraded.
func (m *Manager) ListDegradedBlocks() ([]*types.Block, error) {
	all, err := m.store.ListBlocks()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Block, 0)
	for _, b := range all {
		if b.Degraded {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListAllBlocks returns every block in the namespace, for reporting
// (the metrics collector and the CLI's status command).
func (m *Manager) ListAllBlocks() ([]*types.Block, error) {
	return m.store.ListBlocks()
}

// ListAllFiles returns every file in the namespace, for reporting.
func (m *Manager) ListAllFiles() ([]*types.File, error) {
	return m.store.ListFiles()
}

// SelectRepairTarget picks a single eligible node for the replication
// coordinator's TransferBlock target, excluding the given node ids.
func (m *Manager) SelectRepairTarget(blockID string, exclude []string) (*types.DataNode, error) {
	excludeSet := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excludeSet[id] = true
	}
	nodes, err := m.store.ListDataNodes()
	if err != nil {
		return nil, err
	}
	candidates := make([]*types.DataNode, 0, len(nodes))
	for _, n := range nodes {
		if excludeSet[n.ID] {
			continue
		}
		if n.Status == types.NodeStatusActive && n.AvailableSpace >= m.policy.BlockSize && n.AvailableSpace > 0 {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("select_repair_target %s: %w", blockID, dfserr.ErrNoEligibleNodes)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.AvailableSpace != b.AvailableSpace {
			return a.AvailableSpace > b.AvailableSpace
		}
		if a.BlocksStored != b.BlocksStored {
			return a.BlocksStored < b.BlocksStored
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

// ListBlocksOfFile returns a file's blocks in the order recorded on the
// file record (byte-offset order, per §5's ordering requirement).
func (m *Manager) ListBlocksOfFile(fileID string) ([]*types.Block, error) {
	f, err := m.store.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Block, 0, len(f.BlockIDs))
	for _, id := range f.BlockIDs {
		b, err := m.store.GetBlock(id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// --- DataNode lifecycle ---

func (m *Manager) RegisterDataNode(nodeID, hostname string, port int, totalCapacity int64) (*types.DataNode, error) {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	n := &types.DataNode{
		ID:             nodeID,
		Hostname:       hostname,
		Port:           port,
		TotalCapacity:  totalCapacity,
		AvailableSpace: totalCapacity,
		Status:         types.NodeStatusActive,
		LastHeartbeat:  time.Now(),
	}
	if err := m.store.PutDataNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Heartbeat records liveness, available space, and local block count for
// nodeID, reactivating it if it had been marked INACTIVE. blocksStored
// feeds the "blocks_stored ascending" placement tie-break in
// SelectDataNodesForWrite/SelectRepairTarget (§4.4).
func (m *Manager) Heartbeat(nodeID string, availableSpace int64, blocksStored int) error {
	n, err := m.store.GetDataNode(nodeID)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", nodeID, dfserr.ErrNotFound)
	}
	n.AvailableSpace = availableSpace
	n.BlocksStored = blocksStored
	n.LastHeartbeat = time.Now()
	if n.Status == types.NodeStatusInactive {
		n.Status = types.NodeStatusActive
	}
	return m.store.PutDataNode(n)
}

func (m *Manager) ListDataNodes() ([]*types.DataNode, error) {
	return m.store.ListDataNodes()
}

func (m *Manager) GetDataNode(id string) (*types.DataNode, error) {
	return m.store.GetDataNode(id)
}

// --- Placement ---

// Placement is the chosen location set for a single block: one leader
// plus zero or more followers.
type Placement struct {
	Leader    *types.DataNode
	Followers []*types.DataNode
}

// SelectDataNodesForWrite chooses a Placement for each of numBlocks
// blocks belonging to the same file, applying §4.4's selection policy
// and avoiding repeating the same node set on consecutive blocks.
func (m *Manager) SelectDataNodesForWrite(fileID string, numBlocks int, replicaFactor int) ([]Placement, error) {
	if replicaFactor <= 0 {
		replicaFactor = m.policy.ReplicationFactor
	}
	nodes, err := m.store.ListDataNodes()
	if err != nil {
		return nil, err
	}
	eligible := make([]*types.DataNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == types.NodeStatusActive && n.AvailableSpace >= m.policy.BlockSize && n.AvailableSpace > 0 {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) < replicaFactor {
		return nil, fmt.Errorf("select_datanodes_for_write: need %d eligible nodes, have %d: %w", replicaFactor, len(eligible), dfserr.ErrNoEligibleNodes)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.AvailableSpace != b.AvailableSpace {
			return a.AvailableSpace > b.AvailableSpace
		}
		if a.BlocksStored != b.BlocksStored {
			return a.BlocksStored < b.BlocksStored
		}
		return a.ID < b.ID
	})

	m.mu.Lock()
	prev := m.lastPairs[fileID]
	m.mu.Unlock()

	placements := make([]Placement, 0, numBlocks)
	for i := 0; i < numBlocks; i++ {
		chosen := pickDistinct(eligible, replicaFactor, prev)
		placements = append(placements, Placement{Leader: chosen[0], Followers: chosen[1:]})
		prev = make([]string, len(chosen))
		for j, n := range chosen {
			prev[j] = n.ID
		}
	}

	m.mu.Lock()
	m.lastPairs[fileID] = prev
	m.mu.Unlock()

	return placements, nil
}

// pickDistinct returns count distinct nodes from candidates (already
// sorted by preference), taking nodes outside the set used last time
// (avoid) first, in preference order, and filling any remaining slots
// from the avoided nodes.
func pickDistinct(candidates []*types.DataNode, count int, avoid []string) []*types.DataNode {
	avoidSet := make(map[string]bool, len(avoid))
	for _, id := range avoid {
		avoidSet[id] = true
	}

	chosen := make([]*types.DataNode, 0, count)
	used := make(map[string]bool, count)

	take := func(skipAvoided bool) {
		for _, n := range candidates {
			if len(chosen) >= count {
				return
			}
			if used[n.ID] {
				continue
			}
			if skipAvoided && avoidSet[n.ID] {
				continue
			}
			chosen = append(chosen, n)
			used[n.ID] = true
		}
	}

	take(true)
	take(false)
	return chosen
}

// --- Staleness sweep (§4.4) ---

// RunStalenessSweep runs the background staleness-detection loop until
// Stop is called; it should be spawned as its own goroutine by the node
// that owns this Manager. The loop does not check HA leadership.
func (m *Manager) RunStalenessSweep(interval time.Duration) {
	logger := log.WithComponent("metadata-staleness-sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.sweepOnce(); err != nil {
				logger.Error().Err(err).Msg("staleness sweep failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Stop ends the staleness sweep loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) sweepOnce() error {
	logger := log.WithComponent("metadata-staleness-sweep")
	threshold := time.Duration(m.policy.HeartbeatMissThreshold) * m.policy.HeartbeatInterval
	nodes, err := m.store.ListDataNodes()
	if err != nil {
		return err
	}

	staleIDs := make(map[string]bool)
	for _, n := range nodes {
		if n.Status == types.NodeStatusActive && time.Since(n.LastHeartbeat) > threshold {
			n.Status = types.NodeStatusInactive
			if err := m.store.PutDataNode(n); err != nil {
				return err
			}
			staleIDs[n.ID] = true
			logger.Warn().Str("node_id", n.ID).Msg("datanode marked inactive on missed heartbeats")
		}
	}
	if len(staleIDs) == 0 {
		return nil
	}

	blocks, err := m.store.ListBlocks()
	if err != nil {
		return err
	}
	for _, b := range blocks {
		touched := false
		for i, loc := range b.Locations {
			if staleIDs[loc.NodeID] && !loc.Suspect {
				b.Locations[i].Suspect = true
				touched = true
			}
		}
		if !touched {
			continue
		}
		if _, err := m.store.UpdateBlock(b.ID, func(nb *types.Block) error {
			for i, loc := range nb.Locations {
				if staleIDs[loc.NodeID] {
					nb.Locations[i].Suspect = true
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if b.HealthyLocationCount() < m.policy.ReplicationFactor && m.queue != nil {
			m.queue.Enqueue(b.ID, "suspect-location")
		}
	}
	return nil
}

// --- path helpers ---

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	clean := path.Clean("/" + p)
	return clean
}

func parentOf(p string) string {
	if p == "/" {
		return "/"
	}
	parent := path.Dir(strings.TrimSuffix(p, "/"))
	if parent == "." {
		return "/"
	}
	return parent
}
