package wire

import (
	"fmt"
	"net"
	"time"
)

// Client dials a single data-plane or HA-peer connection per call. The
// protocol is simple enough (one request, one response, optionally a chunk
// stream) that a connection is not worth pooling across calls; every RPC
// carries its own deadline via DialTimeout/conn.SetDeadline, matching the
// "every RPC carries a deadline" requirement.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient returns a Client dialing addr with the given per-call timeout.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) dial() (net.Conn, *Framer, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return conn, NewFramer(conn), nil
}

// Call performs a unary request/response exchange for op.
func (c *Client) Call(op Op, req, resp any) error {
	conn, f, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	env, err := EncodeEnvelope(op, req)
	if err != nil {
		return err
	}
	if err := f.WriteEnvelope(env); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	respEnv, err := f.ReadEnvelope()
	if err != nil {
		return fmt.Errorf("receive %s response: %w", op, err)
	}
	return respEnv.Decode(resp)
}

// StoreBlockStream opens a StoreBlock call, writes req as the leading
// envelope, then streams data as Chunks of at most chunkSize bytes, and
// finally reads the StoreBlockResponse.
func (c *Client) StoreBlockStream(req StoreBlockRequest, blockID string, data []byte, chunkSize int) (StoreBlockResponse, error) {
	var resp StoreBlockResponse
	conn, f, err := c.dial()
	if err != nil {
		return resp, err
	}
	defer conn.Close()

	env, err := EncodeEnvelope(OpStoreBlock, req)
	if err != nil {
		return resp, err
	}
	if err := f.WriteEnvelope(env); err != nil {
		return resp, fmt.Errorf("send StoreBlock header: %w", err)
	}

	total := int64(len(data))
	if chunkSize <= 0 {
		chunkSize = DefaultMaxMessageBytes
	}
	for offset := int64(0); offset == 0 || offset < total; offset += int64(chunkSize) {
		end := offset + int64(chunkSize)
		if end > total {
			end = total
		}
		chunk := Chunk{BlockID: blockID, Data: data[offset:end], Offset: offset, TotalSize: total}
		chunkEnv, err := EncodeEnvelope(OpStoreBlock, chunk)
		if err != nil {
			return resp, err
		}
		if err := f.WriteEnvelope(chunkEnv); err != nil {
			return resp, fmt.Errorf("send chunk at offset %d: %w", offset, err)
		}
		if total == 0 {
			break
		}
	}

	respEnv, err := f.ReadEnvelope()
	if err != nil {
		return resp, fmt.Errorf("receive StoreBlock response: %w", err)
	}
	err = respEnv.Decode(&resp)
	return resp, err
}

// RetrieveBlockStream opens a RetrieveBlock call and returns the
// reassembled block bytes.
func (c *Client) RetrieveBlockStream(blockID string) ([]byte, error) {
	conn, f, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	env, err := EncodeEnvelope(OpRetrieveBlock, RetrieveBlockRequest{BlockID: blockID})
	if err != nil {
		return nil, err
	}
	if err := f.WriteEnvelope(env); err != nil {
		return nil, fmt.Errorf("send RetrieveBlock request: %w", err)
	}

	var buf []byte
	for {
		chunkEnv, err := f.ReadEnvelope()
		if err != nil {
			return nil, fmt.Errorf("receive chunk: %w", err)
		}
		if chunkEnv.Err != "" {
			return nil, fmt.Errorf("RetrieveBlock %s: %s", blockID, chunkEnv.Err)
		}
		var chunk Chunk
		if err := chunkEnv.Decode(&chunk); err != nil {
			return nil, err
		}
		if buf == nil {
			buf = make([]byte, 0, chunk.TotalSize)
		}
		if int64(len(buf)) < chunk.Offset+int64(len(chunk.Data)) {
			grown := make([]byte, chunk.Offset+int64(len(chunk.Data)))
			copy(grown, buf)
			buf = grown
		}
		copy(buf[chunk.Offset:], chunk.Data)
		if chunk.Done() {
			return buf, nil
		}
	}
}
