package api

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockmesh/dfs/pkg/metadata"
	"github.com/blockmesh/dfs/pkg/metastore"
)

type recordingHA struct {
	ops  []string
	data [][]byte
}

func (r *recordingHA) IsLeader() bool     { return true }
func (r *recordingHA) LeaderAddr() string { return "" }
func (r *recordingHA) SyncMetadata(op string, data []byte) error {
	r.ops = append(r.ops, op)
	r.data = append(r.data, data)
	return nil
}

func newManager(t *testing.T) *metadata.Manager {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open metastore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return metadata.New(store, metadata.Policy{ReplicationFactor: 1, BlockSize: 4096, HeartbeatInterval: time.Second, HeartbeatMissThreshold: 3}, nil)
}

func TestMkdirSyncsToFollowerAndApplierReplaysIt(t *testing.T) {
	leaderMgr := newManager(t)
	ha := &recordingHA{}
	srv := NewServer(leaderMgr, nil, ha)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/directories", createDirectoryRequest{Path: "/data", Owner: "alice"})
	defer resp.Body.Close()

	if len(ha.ops) != 1 || ha.ops[0] != opMkdir {
		t.Fatalf("expected one mkdir sync op, got %v", ha.ops)
	}

	followerMgr := newManager(t)
	apply := NewApplier(followerMgr)
	if err := apply(ha.ops[0], ha.data[0]); err != nil {
		t.Fatalf("apply mkdir: %v", err)
	}

	entries, err := followerMgr.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/data" {
		t.Fatalf("expected /data to appear on the follower, got %v", entries)
	}
}
