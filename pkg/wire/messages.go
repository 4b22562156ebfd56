package wire

// Request/response payloads for the storage-node service (§4.2) and the HA
// peer service (§4.6). StoreBlock and RetrieveBlock are streamed as a
// sequence of Chunk frames rather than a single envelope; the remaining
// calls are unary request/response envelopes.

// StoreBlockRequest precedes the Chunk stream for a StoreBlock call.
type StoreBlockRequest struct {
	BlockID           string
	ReplicateToNodeID string // optional; empty means the node pushes no replica and does not ask metadata for a follower
	ReplicateToHost   string
	ReplicateToPort   int
}

// StoreBlockResponse is returned after the Chunk stream completes.
type StoreBlockResponse struct {
	BlockID  string
	Checksum string
}

// RetrieveBlockRequest requests a block's content as a Chunk stream.
type RetrieveBlockRequest struct {
	BlockID string
}

// ReplicateBlockRequest asks the receiving node to pull-push a block it
// already holds onto a named follower (used by a block's leader node).
type ReplicateBlockRequest struct {
	BlockID        string
	TargetNodeID   string
	TargetHost     string
	TargetPort     int
}

// ReplicateBlockResponse confirms replication succeeded.
type ReplicateBlockResponse struct {
	BlockID string
}

// TransferBlockRequest asks a node to read a block locally and push it to a
// named target, used by the replication coordinator for re-replication.
type TransferBlockRequest struct {
	BlockID      string
	TargetNodeID string
	TargetHost   string
	TargetPort   int
}

// TransferBlockResponse confirms the transfer succeeded.
type TransferBlockResponse struct {
	BlockID string
}

// CheckBlockRequest asks a node whether it holds a block.
type CheckBlockRequest struct {
	BlockID string
}

// CheckBlockResponse reports a block's local state.
type CheckBlockResponse struct {
	Exists   bool
	Size     int64
	Checksum string
}

// DeleteBlockRequest asks a node to remove a block.
type DeleteBlockRequest struct {
	BlockID string
}

// DeleteBlockResponse confirms deletion (or that it was already absent).
type DeleteBlockResponse struct {
	BlockID string
}

// RequestVoteRequest is the HA controller's vote solicitation (§4.6).
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
}

// RequestVoteResponse carries the peer's vote decision.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// HeartbeatRequest is the HA leader's liveness beacon.
type HeartbeatRequest struct {
	Term     uint64
	LeaderID string
}

// HeartbeatResponse acknowledges a heartbeat, or signals a higher term.
// AppliedIndex carries the follower's last-applied SyncMetadata index so
// the leader can detect drift and resync even absent a concurrent write.
type HeartbeatResponse struct {
	Term         uint64
	Success      bool
	AppliedIndex uint64
}

// SyncMetadataRequest carries an ordered, opaque metadata mutation payload
// from the HA leader to its follower.
type SyncMetadataRequest struct {
	Term     uint64
	LeaderID string
	Index    uint64
	Op       string
	Data     []byte
}

// SyncMetadataResponse acknowledges application of a SyncMetadata entry.
// AppliedIndex is the follower's last-applied index regardless of whether
// this particular entry was applied, so the leader can tell how far behind
// the follower is and replay the gap.
type SyncMetadataResponse struct {
	Term         uint64
	Applied      bool
	AppliedIndex uint64
}
