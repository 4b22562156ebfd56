package api

import (
	"encoding/json"
	"fmt"

	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metadata"
)

// Metadata sync ops. Scope is the client-facing namespace write path
// (directories, files, block finalization, data node lifecycle) — the
// operations spec's end-to-end scenarios actually drive through the
// leader. Repair-driven location changes (the replication coordinator's
// AddLocation/RemoveLocation, the staleness sweep's suspect-marking) are
// NOT individually synced: they re-derive from data node heartbeats and
// reports regardless of which node is leader, so a promoted follower
// converges to the same view without needing an exact op-log replay.
const (
	opMkdir            = "mkdir"
	opRmdir            = "rmdir"
	opCreateFile       = "create_file"
	opDeleteFile       = "delete_file"
	opFinalizeBlock    = "finalize_block"
	opRegisterDataNode = "register_datanode"
	opHeartbeat        = "heartbeat"
)

// sync best-effort pushes op to the follower after a successful local
// write. A failure here does not fail the client's request — the write
// already committed on the leader, and pkg/ha retains the entry in its
// sync log so the follower is replayed from its last known point on the
// next successful SyncMetadata or heartbeat round-trip (§4.6), or,
// failing that, once it takes over as leader and starts driving
// placement from fresh heartbeats.
func (s *Server) sync(op string, payload any) {
	if s.ha == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Logger.Error().Err(err).Str("op", op).Msg("marshal sync payload")
		return
	}
	if err := s.ha.SyncMetadata(op, data); err != nil {
		log.Logger.Warn().Err(err).Str("op", op).Msg("metadata sync to follower failed")
	}
}

// rmdirSync carries an Rmdir call across the sync RPC; it is not a
// public HTTP request body, only a sync-log payload shape.
type rmdirSync struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type deleteFileSync struct {
	ID string `json:"id"`
}

// NewApplier returns the follower-side hook that replays a leader's
// SyncMetadata pushes against this node's own metadata manager, keeping
// it ready to serve reads (and to take over serving writes) without a
// separate bulk-transfer step.
func NewApplier(mgr *metadata.Manager) func(op string, data []byte) error {
	return func(op string, data []byte) error {
		switch op {
		case opMkdir:
			var req createDirectoryRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			_, err := mgr.Mkdir(req.Path, req.Owner)
			return err
		case opRmdir:
			var req rmdirSync
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			return mgr.Rmdir(req.Path, req.Recursive)
		case opCreateFile:
			var req createFileRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			_, err := mgr.CreateFile(req.Path, req.Owner, req.DeclaredSize)
			return err
		case opDeleteFile:
			var req deleteFileSync
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			return mgr.DeleteFile(req.ID)
		case opFinalizeBlock:
			var req struct {
				BlockID string `json:"block_id"`
				finalizeBlockRequest
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			if err := mgr.RegisterBlock(req.BlockID, req.FileID, req.Size, req.Checksum); err != nil {
				return err
			}
			if err := mgr.AddLocation(req.BlockID, req.LeaderID, true); err != nil {
				return err
			}
			return mgr.AppendBlockToFile(req.FileID, req.BlockID)
		case opRegisterDataNode:
			var req registerDataNodeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			_, err := mgr.RegisterDataNode(req.NodeID, req.Hostname, req.Port, req.TotalCapacity)
			return err
		case opHeartbeat:
			var req struct {
				NodeID string `json:"node_id"`
				heartbeatRequest
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			return mgr.Heartbeat(req.NodeID, req.AvailableSpace, req.BlockCount)
		default:
			return fmt.Errorf("applier: unknown sync op %q", op)
		}
	}
}
