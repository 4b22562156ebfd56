package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockmesh/dfs/pkg/metadata"
	"github.com/blockmesh/dfs/pkg/metastore"
)

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool                            { return true }
func (alwaysLeader) LeaderAddr() string                        { return "" }
func (alwaysLeader) SyncMetadata(op string, data []byte) error { return nil }

type alwaysFollower struct{ leader string }

func (f alwaysFollower) IsLeader() bool                            { return false }
func (f alwaysFollower) LeaderAddr() string                        { return f.leader }
func (f alwaysFollower) SyncMetadata(op string, data []byte) error { return nil }

func newTestServer(t *testing.T, ha HAController) (*httptest.Server, *metadata.Manager) {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open metastore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := metadata.New(store, metadata.Policy{ReplicationFactor: 2, BlockSize: 4096, HeartbeatInterval: time.Second, HeartbeatMissThreshold: 3}, nil)
	srv := NewServer(mgr, nil, ha)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, mgr
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestHealthEndpointReportsLeadership(t *testing.T) {
	ts, _ := newTestServer(t, alwaysLeader{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var got healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Leader {
		t.Fatalf("expected leader=true")
	}
}

func TestWriteRedirectsToLeaderWhenFollower(t *testing.T) {
	ts, _ := newTestServer(t, alwaysFollower{leader: "10.0.0.9:8080"})
	resp := postJSON(t, ts.URL+"/directories", createDirectoryRequest{Path: "/data", Owner: "alice"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc == "" {
		t.Fatalf("expected a Location header pointing at the leader")
	}
}

func TestCreateFileAllocatesPlacementAfterRegisteringDataNodes(t *testing.T) {
	ts, mgr := newTestServer(t, nil)

	if _, err := mgr.RegisterDataNode("", "node-a", 9000, 1<<30); err != nil {
		t.Fatalf("RegisterDataNode a: %v", err)
	}
	if _, err := mgr.RegisterDataNode("", "node-b", 9000, 1<<30); err != nil {
		t.Fatalf("RegisterDataNode b: %v", err)
	}
	nodes, err := mgr.ListDataNodes()
	if err != nil {
		t.Fatalf("ListDataNodes: %v", err)
	}
	for _, n := range nodes {
		if err := mgr.Heartbeat(n.ID, 1<<29, 0); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}

	resp := postJSON(t, ts.URL+"/files", createFileRequest{Path: "/f.txt", Owner: "alice", DeclaredSize: 11, NumBlocks: 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var out createFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.FileID == "" {
		t.Fatalf("expected a file id")
	}
	if len(out.Placements) != 1 {
		t.Fatalf("expected exactly one placement, got %d", len(out.Placements))
	}
	if out.Placements[0].Leader.NodeID == "" {
		t.Fatalf("expected a leader node to be assigned")
	}
	if len(out.Placements[0].Followers) != 1 {
		t.Fatalf("expected exactly one follower with replication factor 2, got %d", len(out.Placements[0].Followers))
	}
}

func TestCreateFileFailsWithoutEligibleDataNodes(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp := postJSON(t, ts.URL+"/files", createFileRequest{Path: "/f.txt", Owner: "alice", DeclaredSize: 11, NumBlocks: 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no eligible data nodes, got %d", resp.StatusCode)
	}
}
