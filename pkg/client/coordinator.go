/*
Package client implements the client coordinator (§4.7): split a file
into fixed-size blocks, upload them to leader storage nodes with a
bounded worker pool, and download by resolving a file's block locations
and trying replicas in preference order.
*/
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/blockmesh/dfs/pkg/dfserr"
	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metrics"
	"github.com/blockmesh/dfs/pkg/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BlockDescriptor is one chunk produced by Split.
type BlockDescriptor struct {
	BlockID string
	Offset  int64
	Size    int64
	Data    []byte
}

// Split partitions data into blockSize chunks, each assigned a fresh
// UUID. A zero-length input produces a single zero-length block, per
// §8's boundary-behaviour convention.
func Split(data []byte, blockSize int64) []BlockDescriptor {
	if blockSize <= 0 {
		blockSize = 1
	}
	if len(data) == 0 {
		return []BlockDescriptor{{BlockID: uuid.NewString(), Offset: 0, Size: 0, Data: nil}}
	}
	var blocks []BlockDescriptor
	total := int64(len(data))
	for offset := int64(0); offset < total; offset += blockSize {
		end := offset + blockSize
		if end > total {
			end = total
		}
		blocks = append(blocks, BlockDescriptor{
			BlockID: uuid.NewString(),
			Offset:  offset,
			Size:    end - offset,
			Data:    data[offset:end],
		})
	}
	return blocks
}

// placementEntry mirrors one entry of the control plane's /files placement reply:
// one leader+followers set per block, in block order.
type placementEntry struct {
	BlockID   string         `json:"block_id"`
	Leader    nodeEndpoint   `json:"leader"`
	Followers []nodeEndpoint `json:"followers"`
}

type nodeEndpoint struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	IsLeader bool   `json:"is_leader,omitempty"`
}

type createFileRequest struct {
	Path         string `json:"path"`
	Owner        string `json:"owner"`
	DeclaredSize int64  `json:"declared_size"`
	NumBlocks    int    `json:"num_blocks"`
}

type createFileResponse struct {
	FileID     string           `json:"file_id"`
	Placements []placementEntry `json:"placements"`
}

// Coordinator talks to the metadata control plane (HTTP+JSON) and to
// storage nodes (pkg/wire) to implement put/get.
type Coordinator struct {
	apiAddr     string
	httpClient  *http.Client
	blockSize   int64
	chunkSize   int
	workerPool  int64
	dialTimeout time.Duration
}

// New returns a Coordinator targeting the metadata control plane at
// apiAddr (e.g. "http://host:8080").
func New(apiAddr string, blockSize int64, chunkSize int, workerPoolSize int, dialTimeout time.Duration) *Coordinator {
	return &Coordinator{
		apiAddr:     apiAddr,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		blockSize:   blockSize,
		chunkSize:   chunkSize,
		workerPool:  int64(workerPoolSize),
		dialTimeout: dialTimeout,
	}
}

// Put uploads data as a new file at path, owned by owner. It splits,
// allocates placement, stores every block (bounded concurrency), and
// finalizes the file record. On irrecoverable failure it best-effort
// deletes whatever blocks it had already stored and returns the cause.
func (c *Coordinator) Put(path, owner string, data []byte) (fileID string, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClientUploadDuration)
	logger := log.WithPath(path)

	blocks := Split(data, c.blockSize)

	createReq := createFileRequest{Path: path, Owner: owner, DeclaredSize: int64(len(data)), NumBlocks: len(blocks)}
	var createResp createFileResponse
	if err := c.postJSON("/files", createReq, &createResp); err != nil {
		return "", fmt.Errorf("allocate placement for %s: %w", path, err)
	}
	if len(createResp.Placements) != len(blocks) {
		return "", fmt.Errorf("put %s: %w", path, dfserr.ErrInvariantViolation)
	}

	ctx := context.Background()
	sem := semaphore.NewWeighted(c.workerPool)
	var g errgroup.Group
	stored := make([]string, len(blocks))
	for i := range blocks {
		i := i
		if err := sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		g.Go(func() error {
			defer sem.Release(1)
			placement := createResp.Placements[i]
			checksum, err := c.storeBlock(placement, blocks[i])
			if err != nil {
				return fmt.Errorf("store block %s: %w", blocks[i].BlockID, err)
			}
			stored[i] = checksum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("upload failed, rolling back stored blocks")
		c.rollback(createResp.Placements, blocks, stored)
		return "", fmt.Errorf("put %s: %w", path, err)
	}

	for i, b := range blocks {
		placement := createResp.Placements[i]
		if err := c.postJSON(fmt.Sprintf("/blocks/%s/finalize", b.BlockID), finalizeBlockRequest{
			FileID:   createResp.FileID,
			Size:     b.Size,
			Checksum: stored[i],
			LeaderID: placement.Leader.NodeID,
		}, nil); err != nil {
			return "", fmt.Errorf("finalize block %s: %w", b.BlockID, err)
		}
	}

	return createResp.FileID, nil
}

type finalizeBlockRequest struct {
	FileID   string `json:"file_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	LeaderID string `json:"leader_id"`
}

// storeBlock streams one block to its leader, letting the leader push
// the replication handshake to the first follower.
func (c *Coordinator) storeBlock(p placementEntry, b BlockDescriptor) (checksum string, err error) {
	client := wire.NewClient(fmt.Sprintf("%s:%d", p.Leader.Hostname, p.Leader.Port), c.dialTimeout)
	req := wire.StoreBlockRequest{BlockID: b.BlockID}
	if len(p.Followers) > 0 {
		req.ReplicateToNodeID = p.Followers[0].NodeID
		req.ReplicateToHost = p.Followers[0].Hostname
		req.ReplicateToPort = p.Followers[0].Port
	}
	resp, err := client.StoreBlockStream(req, b.BlockID, b.Data, c.chunkSize)
	if err != nil {
		return "", err
	}
	return resp.Checksum, nil
}

// rollback best-effort deletes any block that was reported stored.
func (c *Coordinator) rollback(placements []placementEntry, blocks []BlockDescriptor, stored []string) {
	for i, checksum := range stored {
		if checksum == "" {
			continue
		}
		client := wire.NewClient(fmt.Sprintf("%s:%d", placements[i].Leader.Hostname, placements[i].Leader.Port), c.dialTimeout)
		var resp wire.DeleteBlockResponse
		_ = client.Call(wire.OpDeleteBlock, wire.DeleteBlockRequest{BlockID: blocks[i].BlockID}, &resp)
	}
}

// fileBlocksResponse mirrors GET /blocks/file/{id}.
type fileBlocksResponse struct {
	Blocks []blockRecord `json:"blocks"`
}

type blockRecord struct {
	BlockID   string         `json:"block_id"`
	Size      int64          `json:"size"`
	Checksum  string         `json:"checksum"`
	Locations []nodeEndpoint `json:"locations"`
}

// Get downloads path's full content, reassembling blocks at their
// declared offsets and falling over to the next replica on checksum or
// connection failure.
func (c *Coordinator) Get(path string) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClientDownloadDuration)

	var fileResp struct {
		FileID       string `json:"id"`
		DeclaredSize int64  `json:"declared_size"`
	}
	if err := c.getJSON("/files/path/"+urlEncodePath(path), &fileResp); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	var blocksResp fileBlocksResponse
	if err := c.getJSON("/blocks/file/"+fileResp.FileID, &blocksResp); err != nil {
		return nil, fmt.Errorf("list blocks of %s: %w", path, err)
	}

	out := make([]byte, fileResp.DeclaredSize)
	offset := int64(0)
	for _, rec := range blocksResp.Blocks {
		data, err := c.retrieveWithFailover(rec)
		if err != nil {
			return nil, fmt.Errorf("retrieve block %s of %s: %w", rec.BlockID, path, err)
		}
		copy(out[offset:], data)
		offset += rec.Size
	}
	return out, nil
}

func (c *Coordinator) retrieveWithFailover(rec blockRecord) ([]byte, error) {
	var lastErr error
	for _, loc := range orderLeaderFirst(rec.Locations) {
		client := wire.NewClient(fmt.Sprintf("%s:%d", loc.Hostname, loc.Port), c.dialTimeout)
		data, err := client.RetrieveBlockStream(rec.BlockID)
		if err != nil {
			lastErr = err
			continue
		}
		if rec.Checksum != "" && sha256Hex(data) != rec.Checksum {
			lastErr = fmt.Errorf("checksum mismatch on node %s: %w", loc.NodeID, dfserr.ErrIntegrity)
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no locations available")
	}
	return nil, fmt.Errorf("block unavailable: %w", lastErr)
}

// orderLeaderFirst returns locs with the leader location (if any) moved
// to the front, followers after in their given order.
func orderLeaderFirst(locs []nodeEndpoint) []nodeEndpoint {
	out := make([]nodeEndpoint, len(locs))
	copy(out, locs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsLeader && !out[j].IsLeader })
	return out
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *Coordinator) postJSON(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.apiAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Coordinator) getJSON(path string, out any) error {
	resp, err := c.httpClient.Get(c.apiAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, dfserr.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func urlEncodePath(p string) string {
	var buf bytes.Buffer
	for _, r := range p {
		if r == '/' {
			buf.WriteString("%2F")
			continue
		}
		buf.WriteRune(r)
	}
	return buf.String()
}
