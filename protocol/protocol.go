// Package protocol implements the framed wire protocol spoken by channel.Framed
// and the server package.
//
// Every frame is a fixed 14-byte header followed by a body of BodyLen bytes, so
// the reader always knows where one frame stops on the TCP byte stream. Seq ties
// all frames of one call together: a unary call is Request → Response, a server
// stream is StreamRequest → StreamData* → StreamEnd, and the client may send
// Cancel for a Seq at any time.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame; larger bodies are rejected before allocation.
	MaxBodySize uint32 = 64 << 20
)

// MsgType distinguishes unary, streaming, control and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest       MsgType = 0 // Client → Server unary request
	MsgTypeResponse      MsgType = 1 // Server → Client unary response (terminal)
	MsgTypeHeartbeat     MsgType = 2 // KeepAlive ping (no body)
	MsgTypeStreamRequest MsgType = 3 // Client → Server opens a server stream
	MsgTypeStreamData    MsgType = 4 // Server → Client one stream update
	MsgTypeStreamEnd     MsgType = 5 // Server → Client final stream status (terminal)
	MsgTypeCancel        MsgType = 6 // Client → Server cancels the call with the same Seq (no body)
)

// Terminal reports whether no more frames follow for the same Seq.
func (t MsgType) Terminal() bool {
	return t == MsgTypeResponse || t == MsgTypeStreamEnd
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeStreamRequest:
		return "stream-request"
	case MsgTypeStreamData:
		return "stream-data"
	case MsgTypeStreamEnd:
		return "stream-end"
	case MsgTypeCancel:
		return "cancel"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// ErrMalformed wraps every header validation failure reported by Decode.
var ErrMalformed = errors.New("protocol: malformed frame")

var magic = [3]byte{MagicNumber, MagicByte2, MagicByte3}

// Header is the fixed part of a frame.
type Header struct {
	CodecType byte    // Envelope format: 0=JSON, 1=Binary
	MsgType   MsgType // Frame kind
	Seq       uint32  // Call id chosen by the client; echoed by every server frame of that call
	BodyLen   uint32  // Body length in bytes
}

func (h *Header) put(b []byte) {
	copy(b, magic[:])
	b[3] = Version
	b[4] = h.CodecType
	b[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(b[6:], h.Seq)
	binary.BigEndian.PutUint32(b[10:], h.BodyLen)
}

func parseHeader(b []byte) (*Header, error) {
	switch {
	case [3]byte(b[:3]) != magic:
		return nil, fmt.Errorf("%w: invalid magic number %x", ErrMalformed, b[:3])
	case b[3] != Version:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[3])
	case b[4] > CodecTypeBinary:
		return nil, fmt.Errorf("%w: unsupported codec type %d", ErrMalformed, b[4])
	case MsgType(b[5]) > MsgTypeCancel:
		return nil, fmt.Errorf("%w: unsupported message type %d", ErrMalformed, b[5])
	}
	h := &Header{
		CodecType: b[4],
		MsgType:   MsgType(b[5]),
		Seq:       binary.BigEndian.Uint32(b[6:]),
		BodyLen:   binary.BigEndian.Uint32(b[10:]),
	}
	if h.BodyLen > MaxBodySize {
		return nil, fmt.Errorf("%w: body too large (%d bytes)", ErrMalformed, h.BodyLen)
	}
	return h, nil
}

// Encode writes h and body to w as one frame, setting h.BodyLen to len(body).
// Callers sharing w between goroutines must serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	h.BodyLen = uint32(len(body))
	frame := make([]byte, HeaderSize+len(body))
	h.put(frame)
	copy(frame[HeaderSize:], body)
	// one Write per frame keeps TLS records and test pipes frame-aligned
	_, err := w.Write(frame)
	return err
}

// Decode reads one frame from r. Header problems are reported wrapping
// ErrMalformed; I/O errors are returned as is.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, err
	}
	h, err := parseHeader(hb[:])
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
