/*
Package datanode is the storage-node half of the data plane (§4.2): it
answers StoreBlock/RetrieveBlock/ReplicateBlock/TransferBlock/CheckBlock/
DeleteBlock calls against a local blockstore.Store, and separately runs
the registration/heartbeat agent (§4.3) that keeps the metadata plane's
view of this node current.
*/
package datanode

import (
	"fmt"
	"net"
	"time"

	"github.com/blockmesh/dfs/pkg/blockstore"
	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/wire"
)

// Service answers the storage-node wire protocol against a local block
// store. One Service backs one wire.Server.
type Service struct {
	store    *blockstore.Store
	dialTO   time.Duration
	chunkLen int
}

// NewService returns a Service backed by store. dialTimeout bounds every
// outbound replication/transfer dial; chunkLen bounds streamed chunk size
// (0 uses wire.DefaultMaxMessageBytes).
func NewService(store *blockstore.Store, dialTimeout time.Duration, chunkLen int) *Service {
	return &Service{store: store, dialTO: dialTimeout, chunkLen: chunkLen}
}

// Handle implements wire.Handler, dispatching by the leading envelope's Op.
func (s *Service) Handle(conn net.Conn, f *wire.Framer, first wire.Envelope) {
	logger := log.WithComponent("datanode")
	switch first.Op {
	case wire.OpStoreBlock:
		s.handleStoreBlock(f, first)
	case wire.OpRetrieveBlock:
		s.handleRetrieveBlock(f, first)
	case wire.OpReplicateBlock:
		s.handleReplicateBlock(f, first)
	case wire.OpTransferBlock:
		s.handleTransferBlock(f, first)
	case wire.OpCheckBlock:
		s.handleCheckBlock(f, first)
	case wire.OpDeleteBlock:
		s.handleDeleteBlock(f, first)
	default:
		logger.Warn().Str("op", string(first.Op)).Msg("unknown operation")
		_ = f.WriteEnvelope(wire.ErrorEnvelope(first.Op, fmt.Errorf("unknown op %s", first.Op)))
	}
}

func (s *Service) handleStoreBlock(f *wire.Framer, first wire.Envelope) {
	var req wire.StoreBlockRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpStoreBlock, err))
		return
	}

	var data []byte
	for {
		chunkEnv, err := f.ReadEnvelope()
		if err != nil {
			return
		}
		var chunk wire.Chunk
		if err := chunkEnv.Decode(&chunk); err != nil {
			_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpStoreBlock, err))
			return
		}
		if int64(len(data)) < chunk.Offset+int64(len(chunk.Data)) {
			grown := make([]byte, chunk.Offset+int64(len(chunk.Data)))
			copy(grown, data)
			data = grown
		}
		copy(data[chunk.Offset:], chunk.Data)
		if chunk.Done() {
			break
		}
	}

	checksum, err := s.store.Store(req.BlockID, data)
	if err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpStoreBlock, err))
		return
	}

	if req.ReplicateToNodeID != "" {
		go s.pushReplica(req.BlockID, req.ReplicateToHost, req.ReplicateToPort)
	}

	respEnv, err := wire.EncodeEnvelope(wire.OpStoreBlock, wire.StoreBlockResponse{BlockID: req.BlockID, Checksum: checksum})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(respEnv)
}

func (s *Service) handleRetrieveBlock(f *wire.Framer, first wire.Envelope) {
	var req wire.RetrieveBlockRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpRetrieveBlock, err))
		return
	}
	data, _, err := s.store.Retrieve(req.BlockID)
	if err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpRetrieveBlock, err))
		return
	}
	chunkLen := s.chunkLen
	if chunkLen <= 0 {
		chunkLen = wire.DefaultMaxMessageBytes
	}
	total := int64(len(data))
	for offset := int64(0); offset == 0 || offset < total; offset += int64(chunkLen) {
		end := offset + int64(chunkLen)
		if end > total {
			end = total
		}
		chunk := wire.Chunk{BlockID: req.BlockID, Data: data[offset:end], Offset: offset, TotalSize: total}
		env, err := wire.EncodeEnvelope(wire.OpRetrieveBlock, chunk)
		if err != nil {
			return
		}
		if err := f.WriteEnvelope(env); err != nil {
			return
		}
		if total == 0 {
			break
		}
	}
}

func (s *Service) handleReplicateBlock(f *wire.Framer, first wire.Envelope) {
	var req wire.ReplicateBlockRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpReplicateBlock, err))
		return
	}
	if err := s.pushReplica(req.BlockID, req.TargetHost, req.TargetPort); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpReplicateBlock, err))
		return
	}
	env, err := wire.EncodeEnvelope(wire.OpReplicateBlock, wire.ReplicateBlockResponse{BlockID: req.BlockID})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(env)
}

func (s *Service) handleTransferBlock(f *wire.Framer, first wire.Envelope) {
	var req wire.TransferBlockRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpTransferBlock, err))
		return
	}
	if err := s.pushReplica(req.BlockID, req.TargetHost, req.TargetPort); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpTransferBlock, err))
		return
	}
	env, err := wire.EncodeEnvelope(wire.OpTransferBlock, wire.TransferBlockResponse{BlockID: req.BlockID})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(env)
}

func (s *Service) handleCheckBlock(f *wire.Framer, first wire.Envelope) {
	var req wire.CheckBlockRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpCheckBlock, err))
		return
	}
	ok, size, checksum := s.store.Exists(req.BlockID)
	env, err := wire.EncodeEnvelope(wire.OpCheckBlock, wire.CheckBlockResponse{Exists: ok, Size: size, Checksum: checksum})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(env)
}

func (s *Service) handleDeleteBlock(f *wire.Framer, first wire.Envelope) {
	var req wire.DeleteBlockRequest
	if err := first.Decode(&req); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpDeleteBlock, err))
		return
	}
	if err := s.store.Delete(req.BlockID); err != nil {
		_ = f.WriteEnvelope(wire.ErrorEnvelope(wire.OpDeleteBlock, err))
		return
	}
	env, err := wire.EncodeEnvelope(wire.OpDeleteBlock, wire.DeleteBlockResponse{BlockID: req.BlockID})
	if err != nil {
		return
	}
	_ = f.WriteEnvelope(env)
}

// pushReplica reads blockID locally and streams it to host:port via a
// fresh StoreBlock call, used both for the initial write's leader->follower
// handshake and for coordinator-driven re-replication transfers.
func (s *Service) pushReplica(blockID, host string, port int) error {
	data, _, err := s.store.Retrieve(blockID)
	if err != nil {
		return fmt.Errorf("read local block %s for replication: %w", blockID, err)
	}
	client := wire.NewClient(fmt.Sprintf("%s:%d", host, port), s.dialTO)
	_, err = client.StoreBlockStream(wire.StoreBlockRequest{BlockID: blockID}, blockID, data, s.chunkLen)
	if err != nil {
		return fmt.Errorf("push replica of %s to %s:%d: %w", blockID, host, port, err)
	}
	return nil
}
