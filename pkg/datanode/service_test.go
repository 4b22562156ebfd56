package datanode

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/blockmesh/dfs/pkg/blockstore"
	"github.com/blockmesh/dfs/pkg/wire"
)

func startTestService(t *testing.T, dir string) (addr string, store *blockstore.Store, stop func()) {
	t.Helper()
	store, err := blockstore.New(dir)
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	svc := NewService(store, 5*time.Second, 0)
	srv, err := wire.Listen("127.0.0.1:0", svc.Handle)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	return srv.Addr().String(), store, func() { srv.Close() }
}

func TestStoreAndRetrieveBlockOverWire(t *testing.T) {
	addr, _, stop := startTestService(t, t.TempDir())
	defer stop()

	client := wire.NewClient(addr, 5*time.Second)
	data := []byte("hello distributed file system")

	storeResp, err := client.StoreBlockStream(wire.StoreBlockRequest{BlockID: "block-1"}, "block-1", data, 8)
	if err != nil {
		t.Fatalf("StoreBlockStream: %v", err)
	}
	if storeResp.BlockID != "block-1" {
		t.Fatalf("unexpected block id %q", storeResp.BlockID)
	}

	got, err := client.RetrieveBlockStream("block-1")
	if err != nil {
		t.Fatalf("RetrieveBlockStream: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("retrieved data mismatch: got %q want %q", got, data)
	}
}

func TestCheckAndDeleteBlockOverWire(t *testing.T) {
	addr, _, stop := startTestService(t, t.TempDir())
	defer stop()

	client := wire.NewClient(addr, 5*time.Second)
	data := []byte("block contents")
	if _, err := client.StoreBlockStream(wire.StoreBlockRequest{BlockID: "b2"}, "b2", data, 0); err != nil {
		t.Fatalf("StoreBlockStream: %v", err)
	}

	var checkResp wire.CheckBlockResponse
	if err := client.Call(wire.OpCheckBlock, wire.CheckBlockRequest{BlockID: "b2"}, &checkResp); err != nil {
		t.Fatalf("Call CheckBlock: %v", err)
	}
	if !checkResp.Exists || checkResp.Size != int64(len(data)) {
		t.Fatalf("unexpected check response: %+v", checkResp)
	}

	var delResp wire.DeleteBlockResponse
	if err := client.Call(wire.OpDeleteBlock, wire.DeleteBlockRequest{BlockID: "b2"}, &delResp); err != nil {
		t.Fatalf("Call DeleteBlock: %v", err)
	}

	var checkResp2 wire.CheckBlockResponse
	if err := client.Call(wire.OpCheckBlock, wire.CheckBlockRequest{BlockID: "b2"}, &checkResp2); err != nil {
		t.Fatalf("Call CheckBlock after delete: %v", err)
	}
	if checkResp2.Exists {
		t.Fatalf("expected block to be gone after delete")
	}
}

func TestReplicateBlockPushesToPeer(t *testing.T) {
	srcAddr, _, stopSrc := startTestService(t, t.TempDir())
	defer stopSrc()
	dstAddr, dstStore, stopDst := startTestService(t, t.TempDir())
	defer stopDst()

	srcClient := wire.NewClient(srcAddr, 5*time.Second)
	data := []byte("replicate me")
	if _, err := srcClient.StoreBlockStream(wire.StoreBlockRequest{BlockID: "b3"}, "b3", data, 0); err != nil {
		t.Fatalf("StoreBlockStream: %v", err)
	}

	host, portRaw, err := net.SplitHostPort(dstAddr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	var replResp wire.ReplicateBlockResponse
	err = srcClient.Call(wire.OpReplicateBlock, wire.ReplicateBlockRequest{
		BlockID:      "b3",
		TargetNodeID: "dst",
		TargetHost:   host,
		TargetPort:   port,
	}, &replResp)
	if err != nil {
		t.Fatalf("Call ReplicateBlock: %v", err)
	}

	ok, size, _ := dstStore.Exists("b3")
	if !ok || size != int64(len(data)) {
		t.Fatalf("expected block b3 replicated onto destination store, exists=%v size=%d", ok, size)
	}
}
