package codec

import "fmt"

// RawCodec passes already-serialized protobuf bytes through gRPC untouched.
// It satisfies grpc's encoding.Codec and reports the name "proto", so the
// content-subtype on the wire is the one every protobuf server expects.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("RawCodec: cannot marshal %T", v)
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("RawCodec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (RawCodec) Name() string {
	return "proto"
}
