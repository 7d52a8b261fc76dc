// Package codec serializes the RPCMessage envelope carried in protocol frames.
//
// The protobuf payload inside the envelope is already encoded by the caller; a
// codec only decides how the envelope fields around it are laid out.
package codec

import "errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// ErrShortBuffer is returned when a binary envelope ends before its declared length.
var ErrShortBuffer = errors.New("codec: short buffer")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return "unknown"
}
