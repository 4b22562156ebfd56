package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metadata"
	"github.com/blockmesh/dfs/pkg/types"
)

// decodePath reverses the simplified "/"->"%2F" escaping pkg/client uses
// for embedding a namespace path inside a URL segment.
func decodePath(segment string) string {
	return strings.ReplaceAll(segment, "%2F", "/")
}

func readJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

// --- Directories ---

type createDirectoryRequest struct {
	Path  string `json:"path"`
	Owner string `json:"owner"`
}

func (s *Server) handleDirectories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST to create a directory")
		return
	}
	var req createDirectoryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir, err := s.mgr.Mkdir(req.Path, req.Owner)
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	s.sync(opMkdir, req)
	writeJSON(w, http.StatusCreated, dir)
}

type listEntriesResponse struct {
	Entries []metadata.Entry `json:"entries"`
}

func (s *Server) handleDirectoryByPath(w http.ResponseWriter, r *http.Request) {
	p := decodePath(strings.TrimPrefix(r.URL.Path, "/directories/"))
	switch r.Method {
	case http.MethodGet:
		entries, err := s.mgr.List(p)
		if err != nil {
			writeErrFromKind(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listEntriesResponse{Entries: entries})
	case http.MethodDelete:
		recursive := r.URL.Query().Get("recursive") == "true"
		if err := s.mgr.Rmdir(p, recursive); err != nil {
			writeErrFromKind(w, err)
			return
		}
		s.sync(opRmdir, rmdirSync{Path: p, Recursive: recursive})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "use GET or DELETE")
	}
}

// --- Files ---

type createFileRequest struct {
	Path         string `json:"path"`
	Owner        string `json:"owner"`
	DeclaredSize int64  `json:"declared_size"`
	NumBlocks    int    `json:"num_blocks"`
}

type nodeEndpoint struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	IsLeader bool   `json:"is_leader,omitempty"`
}

type placementEntry struct {
	BlockID   string         `json:"block_id"`
	Leader    nodeEndpoint   `json:"leader"`
	Followers []nodeEndpoint `json:"followers"`
}

type createFileResponse struct {
	FileID     string           `json:"file_id"`
	Placements []placementEntry `json:"placements"`
}

func toEndpoint(n *types.DataNode, isLeader bool) nodeEndpoint {
	return nodeEndpoint{NodeID: n.ID, Hostname: n.Hostname, Port: n.Port, IsLeader: isLeader}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST to create a file")
		return
	}
	var req createFileRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NumBlocks < 1 {
		req.NumBlocks = 1
	}

	file, err := s.mgr.CreateFile(req.Path, req.Owner, req.DeclaredSize)
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	s.sync(opCreateFile, req)

	placements, err := s.mgr.SelectDataNodesForWrite(file.ID, req.NumBlocks, 0)
	if err != nil {
		writeErrFromKind(w, err)
		return
	}

	out := make([]placementEntry, len(placements))
	for i, p := range placements {
		entry := placementEntry{Leader: toEndpoint(p.Leader, true)}
		for _, f := range p.Followers {
			entry.Followers = append(entry.Followers, toEndpoint(f, false))
		}
		out[i] = entry
	}

	writeJSON(w, http.StatusCreated, createFileResponse{FileID: file.ID, Placements: out})
}

type fileResponse struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	Owner        string `json:"owner"`
	DeclaredSize int64  `json:"declared_size"`
}

func (s *Server) handleFileByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	p := decodePath(strings.TrimPrefix(r.URL.Path, "/files/path/"))
	f, err := s.mgr.GetFileByPath(p)
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{ID: f.ID, Path: f.Path, Owner: f.Owner, DeclaredSize: f.DeclaredSize})
}

func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/files/")
	switch r.Method {
	case http.MethodGet:
		f, err := s.mgr.GetFileByID(id)
		if err != nil {
			writeErrFromKind(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fileResponse{ID: f.ID, Path: f.Path, Owner: f.Owner, DeclaredSize: f.DeclaredSize})
	case http.MethodDelete:
		if err := s.mgr.DeleteFile(id); err != nil {
			writeErrFromKind(w, err)
			return
		}
		s.sync(opDeleteFile, deleteFileSync{ID: id})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "use GET or DELETE")
	}
}

// --- Blocks ---

type finalizeBlockRequest struct {
	FileID   string `json:"file_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	LeaderID string `json:"leader_id"`
}

func (s *Server) handleBlockByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/blocks/")
	if strings.HasSuffix(rest, "/finalize") {
		s.handleFinalizeBlock(w, r, strings.TrimSuffix(rest, "/finalize"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		b, err := s.mgr.GetBlock(rest)
		if err != nil {
			writeErrFromKind(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	default:
		writeError(w, http.StatusMethodNotAllowed, "use GET, or POST .../finalize")
	}
}

func (s *Server) handleFinalizeBlock(w http.ResponseWriter, r *http.Request, blockID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req finalizeBlockRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.mgr.RegisterBlock(blockID, req.FileID, req.Size, req.Checksum); err != nil {
		writeErrFromKind(w, err)
		return
	}
	if err := s.mgr.AddLocation(blockID, req.LeaderID, true); err != nil {
		writeErrFromKind(w, err)
		return
	}
	if err := s.mgr.AppendBlockToFile(req.FileID, blockID); err != nil {
		writeErrFromKind(w, err)
		return
	}
	s.sync(opFinalizeBlock, struct {
		BlockID string `json:"block_id"`
		finalizeBlockRequest
	}{BlockID: blockID, finalizeBlockRequest: req})
	// The leader already attempted an inline push to one follower during
	// the streamed store; the replication coordinator verifies it landed
	// and drives the block up to the configured replication factor.
	if s.repl != nil {
		s.repl.Enqueue(blockID, "new-block")
	}
	w.WriteHeader(http.StatusNoContent)
}

type blockRecordResponse struct {
	BlockID   string         `json:"block_id"`
	Size      int64          `json:"size"`
	Checksum  string         `json:"checksum"`
	Locations []nodeEndpoint `json:"locations"`
}

type fileBlocksResponse struct {
	Blocks []blockRecordResponse `json:"blocks"`
}

func (s *Server) handleBlocksOfFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	fileID := strings.TrimPrefix(r.URL.Path, "/blocks/file/")
	blocks, err := s.mgr.ListBlocksOfFile(fileID)
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	out := make([]blockRecordResponse, len(blocks))
	for i, b := range blocks {
		rec := blockRecordResponse{BlockID: b.ID, Size: b.Size, Checksum: b.Checksum}
		for _, loc := range b.Locations {
			node, err := s.mgr.GetDataNode(loc.NodeID)
			if err != nil {
				continue
			}
			rec.Locations = append(rec.Locations, toEndpoint(node, loc.IsLeader))
		}
		out[i] = rec
	}
	writeJSON(w, http.StatusOK, fileBlocksResponse{Blocks: out})
}

type degradedBlocksResponse struct {
	Blocks []*types.Block `json:"blocks"`
}

func (s *Server) handleDegradedBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	blocks, err := s.mgr.ListDegradedBlocks()
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	writeJSON(w, http.StatusOK, degradedBlocksResponse{Blocks: blocks})
}

// blockReportRequest lets a storage node reconcile its on-disk block set
// with the metadata plane's view (e.g. after a restart); any block id it
// holds that the metadata plane doesn't know about is logged here for
// visibility. The actual deletion of orphaned blocks happens on the
// storage node's own background sweep (pkg/datanode.Agent.sweepOrphans),
// which checks each block individually via GET /blocks/{id} and deletes
// it locally after a grace period — this endpoint only surfaces the
// bulk report, it doesn't delete anything itself.
type blockReportRequest struct {
	NodeID   string   `json:"node_id"`
	BlockIDs []string `json:"block_ids"`
}

func (s *Server) handleBlockReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req blockReportRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger := log.WithNodeID(req.NodeID)
	for _, id := range req.BlockIDs {
		b, err := s.mgr.GetBlock(id)
		if err != nil {
			logger.Warn().Str("block_id", id).Msg("reported block unknown to metadata plane")
			continue
		}
		known := false
		for _, loc := range b.Locations {
			if loc.NodeID == req.NodeID {
				known = true
				break
			}
		}
		if !known {
			logger.Warn().Str("block_id", id).Msg("reported block not recorded at this node")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Data nodes ---

type registerDataNodeRequest struct {
	NodeID        string `json:"node_id"`
	Hostname      string `json:"hostname"`
	Port          int    `json:"port"`
	TotalCapacity int64  `json:"total_capacity"`
}

func (s *Server) handleDataNodeRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req registerDataNodeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := s.mgr.RegisterDataNode(req.NodeID, req.Hostname, req.Port, req.TotalCapacity)
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	s.sync(opRegisterDataNode, req)
	writeJSON(w, http.StatusCreated, node)
}

// heartbeatRequest reports liveness, available space, and local block
// count; a full block inventory is reconciled separately via
// POST /blocks/report, not here.
type heartbeatRequest struct {
	AvailableSpace int64 `json:"available_space"`
	BlockCount     int   `json:"block_count"`
}

func (s *Server) handleDataNodeByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/datanodes/")
	if strings.HasSuffix(rest, "/heartbeat") {
		s.handleHeartbeat(w, r, strings.TrimSuffix(rest, "/heartbeat"))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	node, err := s.mgr.GetDataNode(rest)
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req heartbeatRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.mgr.Heartbeat(nodeID, req.AvailableSpace, req.BlockCount); err != nil {
		writeErrFromKind(w, err)
		return
	}
	s.sync(opHeartbeat, struct {
		NodeID string `json:"node_id"`
		heartbeatRequest
	}{NodeID: nodeID, heartbeatRequest: req})
	w.WriteHeader(http.StatusNoContent)
}

type listDataNodesResponse struct {
	Nodes []*types.DataNode `json:"nodes"`
}

func (s *Server) handleListDataNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	nodes, err := s.mgr.ListDataNodes()
	if err != nil {
		writeErrFromKind(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listDataNodesResponse{Nodes: nodes})
}
