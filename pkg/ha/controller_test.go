package ha

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/blockmesh/dfs/pkg/metastore"
	"github.com/blockmesh/dfs/pkg/wire"
)

func newTestController(t *testing.T, nodeID, peerAddr string, apply Applier) (*Controller, *wire.Server) {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), nodeID+".db"))
	if err != nil {
		t.Fatalf("Open metastore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if apply == nil {
		apply = func(op string, data []byte) error { return nil }
	}
	c, err := New(Config{
		NodeID:             nodeID,
		PeerAddr:           peerAddr,
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		DialTimeout:        time.Second,
	}, store, apply)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv, err := wire.Listen("127.0.0.1:0", c.Handle)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return c, srv
}

func TestSoleNodeBecomesLeaderImmediately(t *testing.T) {
	store, err := metastore.Open(filepath.Join(t.TempDir(), "solo.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	c, err := New(Config{NodeID: "solo", ElectionTimeoutMin: time.Second, ElectionTimeoutMax: 2 * time.Second, HeartbeatInterval: time.Second}, store, func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()
	defer c.Stop()
	if !c.IsLeader() {
		t.Fatalf("expected a node with no configured peer to become leader immediately")
	}
}

// TestSyncMetadataResyncsGapAfterMissedEntry simulates a single dropped
// SyncMetadata delivery (e.g. a transient network failure that never got
// retried) and verifies the leader's next successful call replays the
// missing entry from its retained sync log instead of the follower wedging
// permanently on the out-of-order guard (§4.6).
func TestSyncMetadataResyncsGapAfterMissedEntry(t *testing.T) {
	store1, err := metastore.Open(filepath.Join(t.TempDir(), "leader.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store1.Close()
	store2, err := metastore.Open(filepath.Join(t.TempDir(), "follower.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store2.Close()

	var applied []string
	followerApply := func(op string, data []byte) error {
		applied = append(applied, op)
		return nil
	}

	c1, err := New(Config{NodeID: "leader", DialTimeout: time.Second}, store1, func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("New leader: %v", err)
	}
	c2, err := New(Config{NodeID: "follower", DialTimeout: time.Second}, store2, followerApply)
	if err != nil {
		t.Fatalf("New follower: %v", err)
	}

	srv2, err := wire.Listen("127.0.0.1:0", c2.Handle)
	if err != nil {
		t.Fatalf("Listen follower: %v", err)
	}
	defer srv2.Close()
	go srv2.Serve()
	c1.peerAddr = srv2.Addr().String()

	c1.mu.Lock()
	c1.role = Leader
	c1.mu.Unlock()

	if err := c1.SyncMetadata("op1", []byte("d1")); err != nil {
		t.Fatalf("SyncMetadata op1: %v", err)
	}

	// Simulate op2 being generated but never delivered (the push failed and
	// was not retried), leaving a gap in what the follower has seen.
	c1.mu.Lock()
	c1.nextSyncIndex++
	c1.appendSyncLogLocked(c1.nextSyncIndex, "op2", []byte("d2"))
	c1.mu.Unlock()

	if err := c1.SyncMetadata("op3", []byte("d3")); err != nil {
		t.Fatalf("SyncMetadata op3 (expected to trigger gap resync): %v", err)
	}

	want := []string{"op1", "op2", "op3"}
	if len(applied) != len(want) {
		t.Fatalf("expected follower to apply %v in order, got %v", want, applied)
	}
	for i, op := range want {
		if applied[i] != op {
			t.Fatalf("expected follower to apply %v in order, got %v", want, applied)
		}
	}
}

func TestTwoNodePairElectsExactlyOneLeader(t *testing.T) {
	var c1, c2 *Controller
	var srv1, srv2 *wire.Server

	// Two-phase bring-up: each controller needs the other's bound address.
	store1, err := metastore.Open(filepath.Join(t.TempDir(), "n1.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store1.Close()
	store2, err := metastore.Open(filepath.Join(t.TempDir(), "n2.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store2.Close()

	ln1, err := wire.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen n1: %v", err)
	}
	ln2, err := wire.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen n2: %v", err)
	}
	addr1 := ln1.Addr().String()
	addr2 := ln2.Addr().String()
	ln1.Close()
	ln2.Close()

	c1, err = New(Config{NodeID: "n1", PeerAddr: addr2, ElectionTimeoutMin: 60 * time.Millisecond, ElectionTimeoutMax: 120 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond, DialTimeout: time.Second}, store1, func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("New c1: %v", err)
	}
	c2, err = New(Config{NodeID: "n2", PeerAddr: addr1, ElectionTimeoutMin: 60 * time.Millisecond, ElectionTimeoutMax: 120 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond, DialTimeout: time.Second}, store2, func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("New c2: %v", err)
	}

	srv1, err = wire.Listen(addr1, c1.Handle)
	if err != nil {
		t.Fatalf("Listen addr1: %v", err)
	}
	go srv1.Serve()
	defer srv1.Close()
	srv2, err = wire.Listen(addr2, c2.Handle)
	if err != nil {
		t.Fatalf("Listen addr2: %v", err)
	}
	go srv2.Serve()
	defer srv2.Close()

	c1.Start()
	defer c1.Stop()
	c2.Start()
	defer c2.Stop()

	deadline := time.Now().Add(3 * time.Second)
	var leaders int
	for time.Now().Before(deadline) {
		leaders = 0
		if c1.IsLeader() {
			leaders++
		}
		if c2.IsLeader() {
			leaders++
		}
		if leaders == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader to emerge, got %d", leaders)
	}
}
