package file

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var frameMagic = [4]byte{'C', 'M', 'S', 0x01}

const (
	frameHeaderSize = 9
	// MaxFramePayload bounds a single frame; chunks larger than this are rejected
	MaxFramePayload = 16 * 1024 * 1024
	chunkHeaderSize = 16 + 4 + 8
)

// FrameType identifies the payload carried by a frame
type FrameType byte

const (
	FrameHello    FrameType = 0x01
	FrameHelloAck FrameType = 0x02
	FrameRequest  FrameType = 0x05
	FrameFileMeta FrameType = 0x10
	FrameChunk    FrameType = 0x11
	FrameFileEnd  FrameType = 0x13
	FrameCancel   FrameType = 0x14
	FrameError    FrameType = 0xFF
)

// String returns the frame type's name
func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameHelloAck:
		return "hello_ack"
	case FrameRequest:
		return "request"
	case FrameFileMeta:
		return "file_meta"
	case FrameChunk:
		return "chunk"
	case FrameFileEnd:
		return "file_end"
	case FrameCancel:
		return "cancel"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Frame is one message read off a link
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Decode unmarshals a JSON payload into v
func (f Frame) Decode(v interface{}) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", f.Type, err)
	}
	return nil
}

// EncodeFrame returns the header and payload as a single buffer
func EncodeFrame(t FrameType, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("frame payload too large: %d bytes", len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	copy(buf[:4], frameMagic[:])
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes a frame with one Write call
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	buf, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// EncodeJSONFrame marshals v and frames it
func EncodeJSONFrame(t FrameType, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", t, err)
	}
	return EncodeFrame(t, payload)
}

// ReadFrame reads the next frame from r
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if hdr[0] != frameMagic[0] || hdr[1] != frameMagic[1] || hdr[2] != frameMagic[2] || hdr[3] != frameMagic[3] {
		return Frame{}, fmt.Errorf("bad magic: %x", hdr[:4])
	}
	n := binary.BigEndian.Uint32(hdr[5:9])
	if n > MaxFramePayload {
		return Frame{}, fmt.Errorf("frame payload too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameType(hdr[4]), Payload: payload}, nil
}

// Hello opens every link in both directions
type Hello struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// Request asks the peer to send its shared asset, or a specific one when AssetID is set
type Request struct {
	AssetID string `json:"asset_id,omitempty"`
}

// FileMeta announces a file before its chunks
type FileMeta struct {
	SessionID   string  `json:"session_id"`
	AssetID     string  `json:"asset_id"`
	FileName    string  `json:"file_name"`
	FileSize    int64   `json:"file_size"`
	ChunkSize   int     `json:"chunk_size"`
	TotalChunks int     `json:"total_chunks"`
	Resolution  string  `json:"resolution,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	DerivedFrom string  `json:"derived_from,omitempty"`
	Estimated   bool    `json:"estimated,omitempty"`
}

// FileEnd closes a file with its whole-file checksum
type FileEnd struct {
	SessionID string `json:"session_id"`
	Bytes     int64  `json:"bytes"`
	Checksum  uint64 `json:"checksum"`
}

// Cancel aborts a session from either side
type Cancel struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorMessage reports a protocol failure to the peer
type ErrorMessage struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Chunk is a slice of file data tagged with its session, index and checksum
type Chunk struct {
	SessionID uuid.UUID
	Index     uint32
	Checksum  uint64
	Data      []byte
}

// EncodeChunk lays out session id, index, checksum and data in network byte order
func EncodeChunk(c Chunk) []byte {
	buf := make([]byte, chunkHeaderSize+len(c.Data))
	copy(buf[:16], c.SessionID[:])
	binary.BigEndian.PutUint32(buf[16:20], c.Index)
	binary.BigEndian.PutUint64(buf[20:28], c.Checksum)
	copy(buf[chunkHeaderSize:], c.Data)
	return buf
}

// DecodeChunk is the inverse of EncodeChunk. Data aliases payload.
func DecodeChunk(payload []byte) (Chunk, error) {
	if len(payload) < chunkHeaderSize {
		return Chunk{}, fmt.Errorf("chunk frame too short: %d bytes", len(payload))
	}
	var c Chunk
	copy(c.SessionID[:], payload[:16])
	c.Index = binary.BigEndian.Uint32(payload[16:20])
	c.Checksum = binary.BigEndian.Uint64(payload[20:28])
	c.Data = payload[chunkHeaderSize:]
	return c, nil
}
