/*
Package ha implements the high-availability controller for a two-node
metadata pair (§4.6): a hand-rolled, simplified consensus state machine
(Follower/Candidate/Leader) over three RPCs — RequestVote, Heartbeat, and
SyncMetadata — carried on pkg/wire. This intentionally does not reuse a
general-purpose consensus library: the spec calls for exactly a two-node
leader/follower pair with term-based election, not an arbitrary-size
replicated log.
*/
package ha

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metastore"
	"github.com/blockmesh/dfs/pkg/metrics"
	"github.com/blockmesh/dfs/pkg/wire"
	"github.com/rs/zerolog"
)

// Role is a node's position in the consensus state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Applier applies an ordered SyncMetadata entry to the local metadata
// store; the metadata manager's mutating calls are wrapped to produce
// these entries on the leader side and replay them on the follower side.
type Applier func(op string, data []byte) error

// Controller runs the election timer, the leader heartbeat loop, and
// answers the three HA peer RPCs.
type Controller struct {
	nodeID   string
	peerAddr string
	store    *metastore.Store
	apply    Applier
	logger   zerolog.Logger

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	dialTimeout        time.Duration

	mu                sync.Mutex
	role              Role
	currentTerm       uint64
	votedFor          string
	lastHeartbeatSeen time.Time
	lastAppliedIndex  uint64
	nextSyncIndex     uint64
	syncLog           []syncLogEntry
	resyncing         bool

	resetCh chan struct{}
	stopCh  chan struct{}
}

// syncLogEntry is one previously-sent SyncMetadata entry, retained so a
// follower that fell behind can be replayed from its last known point
// instead of staying permanently wedged (§4.6).
type syncLogEntry struct {
	index uint64
	op    string
	data  []byte
}

// maxSyncLogEntries bounds how far back a leader can resync a follower
// from memory. A follower that falls behind by more than this needs a
// full metadata resync, not a gap replay.
const maxSyncLogEntries = 4096

// Config bundles a Controller's construction-time parameters.
type Config struct {
	NodeID             string
	PeerAddr           string // empty if running single-node (no HA peer configured)
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	DialTimeout        time.Duration
}

// New returns a Controller starting in the Follower role, restoring its
// persisted term/vote from store.
func New(cfg Config, store *metastore.Store, apply Applier) (*Controller, error) {
	st, err := store.LoadHAState()
	if err != nil {
		return nil, fmt.Errorf("load HA state: %w", err)
	}
	c := &Controller{
		nodeID:             cfg.NodeID,
		peerAddr:           cfg.PeerAddr,
		store:              store,
		apply:              apply,
		logger:             log.WithNodeID(cfg.NodeID),
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		heartbeatInterval:  cfg.HeartbeatInterval,
		dialTimeout:        cfg.DialTimeout,
		role:               Follower,
		currentTerm:        st.CurrentTerm,
		votedFor:           st.VotedFor,
		resetCh:            make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
	}
	metrics.HATerm.Set(float64(c.currentTerm))
	metrics.HAIsLeader.Set(0)
	return c, nil
}

// IsLeader reports whether this node currently believes it is the leader.
func (c *Controller) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == Leader
}

// LeaderAddr returns the peer's address if this node is a follower and
// has a configured peer, for write-redirect responses.
func (c *Controller) LeaderAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == Leader {
		return ""
	}
	return c.peerAddr
}

// Start begins the election timer loop. If no peer is configured this
// node is the sole node and immediately becomes Leader.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.peerAddr == "" {
		c.role = Leader
		metrics.HAIsLeader.Set(1)
		c.mu.Unlock()
		c.logger.Info().Msg("no HA peer configured, starting as sole leader")
		go c.leaderLoop()
		return
	}
	c.mu.Unlock()
	go c.electionLoop()
}

// Stop ends all background loops.
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) randomElectionTimeout() time.Duration {
	span := c.electionTimeoutMax - c.electionTimeoutMin
	if span <= 0 {
		return c.electionTimeoutMin
	}
	return c.electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

func (c *Controller) electionLoop() {
	for {
		timeout := c.randomElectionTimeout()
		select {
		case <-time.After(timeout):
			c.mu.Lock()
			sinceHB := time.Since(c.lastHeartbeatSeen)
			role := c.role
			c.mu.Unlock()
			if role == Leader {
				continue
			}
			if sinceHB < timeout {
				continue // heartbeat arrived recently enough; loop again with a fresh timeout
			}
			c.startElection()
		case <-c.resetCh:
			continue
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) startElection() {
	c.mu.Lock()
	c.role = Candidate
	c.currentTerm++
	c.votedFor = c.nodeID
	term := c.currentTerm
	c.mu.Unlock()
	c.persistState()
	metrics.HAElectionsTotal.Inc()
	metrics.HATerm.Set(float64(term))
	c.logger.Info().Uint64("term", term).Msg("election timeout, becoming candidate")

	granted, peerTerm := c.requestVoteFromPeer(term)
	c.mu.Lock()
	defer c.mu.Unlock()
	if peerTerm > c.currentTerm {
		c.stepDownLocked(peerTerm)
		return
	}
	if c.role != Candidate || c.currentTerm != term {
		return // a higher-term message arrived while we were soliciting
	}
	if granted {
		c.role = Leader
		metrics.HAIsLeader.Set(1)
		c.logger.Info().Uint64("term", term).Msg("won election, becoming leader")
		go c.leaderLoop()
	}
	// Not granted (or peer unreachable): stay Candidate: the next loop
	// iteration picks a fresh randomized timeout and retries, avoiding
	// livelock with a peer stuck on the same term.
}

func (c *Controller) requestVoteFromPeer(term uint64) (granted bool, peerTerm uint64) {
	if c.peerAddr == "" {
		return true, term
	}
	client := wire.NewClient(c.peerAddr, c.dialTimeout)
	var resp wire.RequestVoteResponse
	err := client.Call(wire.OpRequestVote, wire.RequestVoteRequest{Term: term, CandidateID: c.nodeID}, &resp)
	if err != nil {
		c.logger.Warn().Err(err).Msg("RequestVote to peer failed")
		return false, term
	}
	return resp.VoteGranted, resp.Term
}

func (c *Controller) leaderLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			stillLeader := c.role == Leader
			term := c.currentTerm
			c.mu.Unlock()
			if !stillLeader {
				return
			}
			c.sendHeartbeat(term)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) sendHeartbeat(term uint64) {
	if c.peerAddr == "" {
		return
	}
	client := wire.NewClient(c.peerAddr, c.dialTimeout)
	var resp wire.HeartbeatResponse
	err := client.Call(wire.OpHeartbeat, wire.HeartbeatRequest{Term: term, LeaderID: c.nodeID}, &resp)
	if err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat to peer failed")
		return
	}
	c.mu.Lock()
	if resp.Term > c.currentTerm {
		c.stepDownLocked(resp.Term)
		c.mu.Unlock()
		return
	}
	stillLeader := c.role == Leader
	nextIndex := c.nextSyncIndex
	shouldResync := stillLeader && !c.resyncing && resp.AppliedIndex < nextIndex
	if shouldResync {
		c.resyncing = true
	}
	c.mu.Unlock()

	if shouldResync {
		go c.resyncAfterHeartbeat(term, resp.AppliedIndex, nextIndex)
	}
}

// resyncAfterHeartbeat replays the follower's missing SyncMetadata range
// once a heartbeat reveals it has fallen behind, so a reconnecting
// follower catches up even if no new write happens to trigger SyncMetadata
// in the meantime (§4.6's "on reconnect the leader resyncs from its last
// known follower point").
func (c *Controller) resyncAfterHeartbeat(term, fromIndex, upTo uint64) {
	defer func() {
		c.mu.Lock()
		c.resyncing = false
		c.mu.Unlock()
	}()
	if err := c.resyncFollower(term, fromIndex, upTo); err != nil {
		c.logger.Warn().Err(err).Uint64("follower_index", fromIndex).Uint64("leader_index", upTo).Msg("follower resync after heartbeat failed")
		return
	}
	c.logger.Info().Uint64("from", fromIndex).Uint64("to", upTo).Msg("resynced follower metadata gap")
}

// SyncMetadata pushes one ordered operation to the follower; callers
// (the metadata manager's mutating methods, wrapped by the API layer)
// invoke this after committing locally so the follower stays current.
// It is best-effort: a failure here does not undo the local commit, but
// the entry is retained in the in-memory sync log so a follower that
// missed it (or fell further behind) is caught up on the next successful
// round-trip, per §4.6.
func (c *Controller) SyncMetadata(op string, data []byte) error {
	if c.peerAddr == "" {
		return nil
	}
	c.mu.Lock()
	term := c.currentTerm
	c.nextSyncIndex++
	index := c.nextSyncIndex
	c.appendSyncLogLocked(index, op, data)
	c.mu.Unlock()

	return c.pushSyncEntry(term, index, op, data)
}

func (c *Controller) appendSyncLogLocked(index uint64, op string, data []byte) {
	c.syncLog = append(c.syncLog, syncLogEntry{index: index, op: op, data: data})
	if len(c.syncLog) > maxSyncLogEntries {
		c.syncLog = c.syncLog[len(c.syncLog)-maxSyncLogEntries:]
	}
}

// pushSyncEntry sends one entry and, if the follower reports it is behind
// by more than this entry, replays the missing range before retrying so
// the follower never permanently wedges on the out-of-order guard.
func (c *Controller) pushSyncEntry(term, index uint64, op string, data []byte) error {
	client := wire.NewClient(c.peerAddr, c.dialTimeout)
	var resp wire.SyncMetadataResponse
	err := client.Call(wire.OpSyncMeta, wire.SyncMetadataRequest{
		Term: term, LeaderID: c.nodeID, Index: index, Op: op, Data: data,
	}, &resp)
	if err != nil {
		return fmt.Errorf("sync metadata to follower: %w", err)
	}
	if !resp.Applied && resp.AppliedIndex < index-1 {
		if err := c.resyncFollower(term, resp.AppliedIndex, index-1); err != nil {
			return fmt.Errorf("resync follower before index %d: %w", index, err)
		}
		return c.pushSyncEntry(term, index, op, data)
	}
	if !resp.Applied {
		return fmt.Errorf("follower rejected sync entry at index %d", index)
	}
	return nil
}

// resyncFollower replays retained log entries strictly after fromIndex
// (the follower's last known applied index) through upTo inclusive.
func (c *Controller) resyncFollower(term, fromIndex, upTo uint64) error {
	if fromIndex >= upTo {
		return nil
	}
	c.mu.Lock()
	entries := make([]syncLogEntry, 0, len(c.syncLog))
	for _, e := range c.syncLog {
		if e.index > fromIndex && e.index <= upTo {
			entries = append(entries, e)
		}
	}
	c.mu.Unlock()
	if len(entries) == 0 {
		return fmt.Errorf("missing %d entries older than the retained sync log; follower needs a full metadata resync", upTo-fromIndex)
	}

	client := wire.NewClient(c.peerAddr, c.dialTimeout)
	for _, e := range entries {
		var resp wire.SyncMetadataResponse
		if err := client.Call(wire.OpSyncMeta, wire.SyncMetadataRequest{
			Term: term, LeaderID: c.nodeID, Index: e.index, Op: e.op, Data: e.data,
		}, &resp); err != nil {
			return err
		}
		if !resp.Applied {
			return fmt.Errorf("follower rejected resync entry at index %d", e.index)
		}
	}
	return nil
}

func (c *Controller) stepDownLocked(term uint64) {
	c.currentTerm = term
	c.votedFor = ""
	if c.role == Leader {
		metrics.HAIsLeader.Set(0)
	}
	c.role = Follower
	metrics.HATerm.Set(float64(term))
	go c.persistState()
}

func (c *Controller) persistState() {
	c.mu.Lock()
	st := metastore.HAState{CurrentTerm: c.currentTerm, VotedFor: c.votedFor}
	c.mu.Unlock()
	if err := c.store.SaveHAState(st); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist HA state")
	}
}

func (c *Controller) noteHeartbeat() {
	c.lastHeartbeatSeen = time.Now()
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// Handle implements wire.Handler for the HA peer service.
func (c *Controller) Handle(conn net.Conn, f *wire.Framer, first wire.Envelope) {
	switch first.Op {
	case wire.OpRequestVote:
		c.handleRequestVote(f, first)
	case wire.OpHeartbeat:
		c.handleHeartbeat(f, first)
	case wire.OpSyncMeta:
		c.handleSyncMetadata(f, first)
	default:
		_ = f.WriteEnvelope(wire.ErrorEnvelope(first.Op, fmt.Errorf("unknown HA op %s", first.Op)))
	}
}

func (c *Controller) handleRequestVote(f *wire.Framer, first wire.Envelope) {
	var req wire.RequestVoteRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpRequestVote, err))
		return
	}

	c.mu.Lock()
	if req.Term > c.currentTerm {
		c.stepDownLocked(req.Term)
	}
	granted := false
	if req.Term >= c.currentTerm && (c.votedFor == "" || c.votedFor == req.CandidateID) {
		c.votedFor = req.CandidateID
		c.currentTerm = req.Term
		granted = true
	}
	term := c.currentTerm
	c.mu.Unlock()
	if granted {
		c.persistState()
	}

	env, err := wire.EncodeEnvelope(wire.OpRequestVote, wire.RequestVoteResponse{Term: term, VoteGranted: granted})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(env)
}

func (c *Controller) handleHeartbeat(f *wire.Framer, first wire.Envelope) {
	var req wire.HeartbeatRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpHeartbeat, err))
		return
	}

	c.mu.Lock()
	success := false
	if req.Term >= c.currentTerm {
		if req.Term > c.currentTerm || c.role != Follower {
			c.stepDownLocked(req.Term)
		}
		c.noteHeartbeat()
		success = true
	}
	term := c.currentTerm
	applied := c.lastAppliedIndex
	c.mu.Unlock()

	env, err := wire.EncodeEnvelope(wire.OpHeartbeat, wire.HeartbeatResponse{Term: term, Success: success, AppliedIndex: applied})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(env)
}

func (c *Controller) handleSyncMetadata(f *wire.Framer, first wire.Envelope) {
	var req wire.SyncMetadataRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpSyncMeta, err))
		return
	}

	c.mu.Lock()
	if req.Term < c.currentTerm {
		term, lastApplied := c.currentTerm, c.lastAppliedIndex
		c.mu.Unlock()
		env, _ := wire.EncodeEnvelope(wire.OpSyncMeta, wire.SyncMetadataResponse{Term: term, Applied: false, AppliedIndex: lastApplied})
		_ = f.WriteEnvelope(env)
		return
	}
	if req.Term > c.currentTerm {
		c.stepDownLocked(req.Term)
	}
	c.noteHeartbeat()
	applied := false
	switch {
	case req.Index <= c.lastAppliedIndex:
		// Already applied (duplicate delivery during a resync): report
		// success without reapplying, since apply funcs aren't generally
		// idempotent (e.g. create_file would fail with already-exists).
		applied = true
	case req.Index == c.lastAppliedIndex+1:
		if err := c.apply(req.Op, req.Data); err != nil {
			c.logger.Error().Err(err).Str("op", req.Op).Msg("failed to apply synced metadata op")
		} else {
			c.lastAppliedIndex = req.Index
			applied = true
		}
	default:
		// Gap: this entry arrives after one or more missed calls. Report
		// our own last-applied index instead of applying out of order, so
		// the leader can replay exactly the missing range.
		c.logger.Warn().Uint64("have", c.lastAppliedIndex).Uint64("got", req.Index).Msg("out-of-order SyncMetadata entry, requesting resync")
	}
	term := c.currentTerm
	lastApplied := c.lastAppliedIndex
	c.mu.Unlock()

	env, err := wire.EncodeEnvelope(wire.OpSyncMeta, wire.SyncMetadataResponse{Term: term, Applied: applied, AppliedIndex: lastApplied})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(env)
}
