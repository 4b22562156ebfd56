package metadata

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockmesh/dfs/pkg/dfserr"
	"github.com/blockmesh/dfs/pkg/metastore"
)

type fakeQueue struct {
	enqueued []string
}

func (f *fakeQueue) Enqueue(blockID, reason string) {
	f.enqueued = append(f.enqueued, blockID+":"+reason)
}

func newTestManager(t *testing.T) (*Manager, *metastore.Store) {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	policy := Policy{ReplicationFactor: 2, BlockSize: 4096, HeartbeatInterval: 5 * time.Second, HeartbeatMissThreshold: 3}
	return New(store, policy, nil), store
}

func TestMkdirRequiresParent(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Mkdir("/a/b", "alice"); !errors.Is(err, dfserr.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if _, err := m.Mkdir("/a", "alice"); err != nil {
		t.Fatalf("Mkdir /a: %v", err)
	}
	if _, err := m.Mkdir("/a/b", "alice"); err != nil {
		t.Fatalf("Mkdir /a/b: %v", err)
	}
}

func TestMkdirDuplicateRejected(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Mkdir("/a", "alice"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := m.Mkdir("/a", "alice"); !errors.Is(err, dfserr.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRmdirNotEmptyRequiresRecursive(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Mkdir("/d", "alice"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := m.CreateFile("/d/f", "alice", 10); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := m.Rmdir("/d", false); !errors.Is(err, dfserr.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if err := m.Rmdir("/d", true); err != nil {
		t.Fatalf("recursive Rmdir: %v", err)
	}
	if _, err := m.store.GetDirectory("/d"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("expected directory gone, got %v", err)
	}
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Mkdir("/x", "alice"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	entriesBefore, err := m.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := m.Rmdir("/x", false); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	entriesAfter, err := m.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entriesAfter) != len(entriesBefore)-1 {
		t.Fatalf("expected namespace to return to pre-mkdir state, before=%d after=%d", len(entriesBefore), len(entriesAfter))
	}
}

func TestCreateFileDuplicatePathRejected(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateFile("/f", "alice", 10); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := m.CreateFile("/f", "alice", 10); !errors.Is(err, dfserr.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSelectDataNodesForWriteRequiresEligibleNodes(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.RegisterDataNode("", "h1", 9001, 1<<30); err != nil {
		t.Fatalf("RegisterDataNode: %v", err)
	}
	_, err := m.SelectDataNodesForWrite("file-1", 1, 2)
	if !errors.Is(err, dfserr.ErrNoEligibleNodes) {
		t.Fatalf("expected ErrNoEligibleNodes with only 1 node, got %v", err)
	}
}

func TestSelectDataNodesForWritePrefersMoreSpace(t *testing.T) {
	m, _ := newTestManager(t)
	n1, err := m.RegisterDataNode("", "h1", 9001, 100<<30)
	if err != nil {
		t.Fatalf("RegisterDataNode n1: %v", err)
	}
	_, err = m.RegisterDataNode("", "h2", 9002, 10<<30)
	if err != nil {
		t.Fatalf("RegisterDataNode n2: %v", err)
	}
	_, err = m.RegisterDataNode("", "h3", 9003, 10<<30)
	if err != nil {
		t.Fatalf("RegisterDataNode n3: %v", err)
	}

	placements, err := m.SelectDataNodesForWrite("file-1", 1, 2)
	if err != nil {
		t.Fatalf("SelectDataNodesForWrite: %v", err)
	}
	if len(placements) != 1 {
		t.Fatalf("expected 1 placement, got %d", len(placements))
	}
	if placements[0].Leader.ID != n1.ID {
		t.Fatalf("expected node with most free space to lead, got %s", placements[0].Leader.ID)
	}
}

func TestSelectDataNodesForWriteExcludesZeroSpace(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.RegisterDataNode("", "h1", 9001, 1<<30); err != nil {
		t.Fatalf("RegisterDataNode: %v", err)
	}
	n2, err := m.RegisterDataNode("", "h2", 9002, 0)
	if err != nil {
		t.Fatalf("RegisterDataNode: %v", err)
	}
	if err := m.Heartbeat(n2.ID, 0, 0); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	_, err = m.SelectDataNodesForWrite("file-1", 1, 2)
	if !errors.Is(err, dfserr.ErrNoEligibleNodes) {
		t.Fatalf("expected zero-space node to be excluded, got %v", err)
	}
}

func TestAddLocationEnforcesSingleLeader(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.RegisterBlock("b1", "f1", 4096, "sum"); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}
	if err := m.AddLocation("b1", "n1", true); err != nil {
		t.Fatalf("AddLocation n1: %v", err)
	}
	if err := m.AddLocation("b1", "n2", false); err != nil {
		t.Fatalf("AddLocation n2: %v", err)
	}
	b, err := m.GetBlock("b1")
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	leaders := 0
	for _, loc := range b.Locations {
		if loc.IsLeader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader location, got %d", leaders)
	}
}

func TestStalenessSweepMarksInactiveAndEnqueues(t *testing.T) {
	m, store := newTestManager(t)
	n1, err := m.RegisterDataNode("", "h1", 9001, 1<<30)
	if err != nil {
		t.Fatalf("RegisterDataNode: %v", err)
	}
	if _, err := m.RegisterDataNode("", "h2", 9002, 1<<30); err != nil {
		t.Fatalf("RegisterDataNode: %v", err)
	}

	if err := m.RegisterBlock("b1", "f1", 4096, "sum"); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}
	if err := m.AddLocation("b1", n1.ID, true); err != nil {
		t.Fatalf("AddLocation: %v", err)
	}

	// Force n1 stale by rewriting its last heartbeat directly.
	node, err := store.GetDataNode(n1.ID)
	if err != nil {
		t.Fatalf("GetDataNode: %v", err)
	}
	node.LastHeartbeat = time.Now().Add(-1 * time.Hour)
	if err := store.PutDataNode(node); err != nil {
		t.Fatalf("PutDataNode: %v", err)
	}

	q := &fakeQueue{}
	m.SetReplicationQueue(q)
	if err := m.sweepOnce(); err != nil {
		t.Fatalf("sweepOnce: %v", err)
	}

	got, err := m.GetDataNode(n1.ID)
	if err != nil {
		t.Fatalf("GetDataNode: %v", err)
	}
	if got.Status != "INACTIVE" {
		t.Fatalf("expected node to be INACTIVE, got %s", got.Status)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected block to be enqueued for repair, got %v", q.enqueued)
	}
}
