/*
Package wire implements the data-plane's compact binary protocol: a
length-prefixed frame codec over net.Conn, carrying gob-encoded envelopes.

Every call is one request frame followed by one response frame. StoreBlock
and RetrieveBlock additionally stream a sequence of Chunk frames — carrying
{block_id, data, offset, total_size} exactly as described for the wire
format — framed the same way as any other message. A single frame is capped
by MaxMessageBytes to bound memory use against a hostile or corrupt peer.
*/
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// DefaultMaxMessageBytes is the spec's default RPC message size cap (8 MiB).
const DefaultMaxMessageBytes = 8 * 1024 * 1024

// Op names the operation an Envelope carries.
type Op string

const (
	OpStoreBlock     Op = "StoreBlock"
	OpRetrieveBlock  Op = "RetrieveBlock"
	OpReplicateBlock Op = "ReplicateBlock"
	OpTransferBlock  Op = "TransferBlock"
	OpCheckBlock     Op = "CheckBlock"
	OpDeleteBlock    Op = "DeleteBlock"

	OpRequestVote Op = "RequestVote"
	OpHeartbeat   Op = "Heartbeat"
	OpSyncMeta    Op = "SyncMetadata"
)

// Envelope is the outer frame for every request and response. Payload is a
// gob-encoding of the concrete request/response struct for Op; decoding it
// is a second gob.Decode against the caller's expected type.
type Envelope struct {
	Op      Op
	Payload []byte
	// Err carries a response-side failure as a plain string: gob cannot
	// encode the error interface, and the wire boundary only needs the
	// message, not the original error's type or unwrap chain.
	Err string
}

// Chunk is one piece of a streamed block payload.
type Chunk struct {
	BlockID             string
	Data                []byte
	Offset              int64
	TotalSize           int64
	OriginalSize        int64
	Compressed          bool
	CompressionMetadata []byte
}

// Done reports whether this chunk completes the block (offset+len==total).
func (c Chunk) Done() bool {
	return c.Offset+int64(len(c.Data)) >= c.TotalSize
}

// EncodeEnvelope gob-encodes payload into an Envelope for op.
func EncodeEnvelope(op Op, payload any) (Envelope, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return Envelope{Op: op, Payload: buf.Bytes()}, nil
}

// ErrorEnvelope builds a response-side Envelope carrying only an error.
func ErrorEnvelope(op Op, err error) Envelope {
	return Envelope{Op: op, Err: err.Error()}
}

// Decode gob-decodes an Envelope's Payload into out.
func (e Envelope) Decode(out any) error {
	if e.Err != "" {
		return fmt.Errorf("%s: %s", e.Op, e.Err)
	}
	dec := gob.NewDecoder(bytes.NewReader(e.Payload))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Op, err)
	}
	return nil
}

// Framer reads and writes length-prefixed frames over an underlying
// io.ReadWriter, rejecting any frame above MaxMessageBytes.
type Framer struct {
	rw             io.ReadWriter
	MaxMessageBytes int64
}

// NewFramer wraps rw with the default message size cap.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw, MaxMessageBytes: DefaultMaxMessageBytes}
}

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func (f *Framer) WriteFrame(payload []byte) error {
	if int64(len(payload)) > f.MaxMessageBytes {
		return fmt.Errorf("frame of %d bytes exceeds max message size %d", len(payload), f.MaxMessageBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.rw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := f.rw.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func (f *Framer) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.rw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > f.MaxMessageBytes {
		return nil, fmt.Errorf("incoming frame of %d bytes exceeds max message size %d", n, f.MaxMessageBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.rw, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// WriteEnvelope gob-encodes env and writes it as one frame.
func (f *Framer) WriteEnvelope(env Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return f.WriteFrame(buf.Bytes())
}

// ReadEnvelope reads one frame and gob-decodes it into an Envelope.
func (f *Framer) ReadEnvelope() (Envelope, error) {
	raw, err := f.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
