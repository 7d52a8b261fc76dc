package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"mini-grpc/message"
)

// BinaryCodec lays the envelope out as length-prefixed fields, big-endian:
//
//	methodLen u16 | method | mdCount u16 | (keyLen u16 | key | valLen u16 | val)* |
//	code u32 | errLen u16 | err | payloadLen u32 | payload
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > 0xffff || len(msg.Error) > 0xffff || len(msg.Metadata) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: field too long for %s", msg.ServiceMethod)
	}

	keys := make([]string, 0, len(msg.Metadata))
	total := 2 + len(msg.ServiceMethod) + 2 + 4 + 2 + len(msg.Error) + 4 + len(msg.Payload)
	for k, val := range msg.Metadata {
		if len(k) > 0xffff || len(val) > 0xffff {
			return nil, fmt.Errorf("BinaryCodec: metadata %q too long", k)
		}
		keys = append(keys, k)
		total += 4 + len(k) + len(val)
	}
	// Sorted so equal envelopes encode to equal bytes
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = appendString16(buf, msg.ServiceMethod)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendString16(buf, msg.Metadata[k])
	}
	buf = binary.BigEndian.AppendUint32(buf, msg.Code)
	buf = appendString16(buf, msg.Error)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := reader{data: data}
	msg.ServiceMethod = r.string16()
	if count := int(r.uint16()); count > 0 && r.err == nil {
		msg.Metadata = make(map[string]string, count)
		for i := 0; i < count && r.err == nil; i++ {
			k := r.string16()
			msg.Metadata[k] = r.string16()
		}
	}
	msg.Code = r.uint32()
	msg.Error = r.string16()
	msg.Payload = append([]byte(nil), r.bytes(int(r.uint32()))...)
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader walks a buffer and records the first short read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string16() string {
	return string(r.bytes(int(r.uint16())))
}
