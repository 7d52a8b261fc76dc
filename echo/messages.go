// Package echo is the test service used to exercise the runtime end to end:
// its messages, a server implementation and a typed client in the shape a
// code generator would emit.
package echo

import (
	"strconv"

	"google.golang.org/protobuf/reflect/protoreflect"

	"mini-grpc/message"
)

const pkg = "qtprotobufnamespace.tests."

var (
	simpleStringDesc = message.NewDescriptor(pkg+"SimpleStringMessage",
		message.FieldDescriptor{Number: 6, Name: "testFieldString", Kind: protoreflect.StringKind},
	)
	simpleIntDesc = message.NewDescriptor(pkg+"SimpleIntMessage",
		message.FieldDescriptor{Number: 1, Name: "testFieldInt", Kind: protoreflect.Sint32Kind},
	)
	blobDesc = message.NewDescriptor(pkg+"BlobMessage",
		message.FieldDescriptor{Number: 1, Name: "testBytes", Kind: protoreflect.BytesKind},
	)
)

type SimpleStringMessage struct {
	TestFieldString string
}

func (m *SimpleStringMessage) Marshal() ([]byte, error) {
	pm := message.New(simpleStringDesc)
	if err := pm.Set(6, m.TestFieldString); err != nil {
		return nil, err
	}
	return pm.Marshal()
}

func (m *SimpleStringMessage) Unmarshal(b []byte) error {
	pm := message.New(simpleStringDesc)
	if err := pm.Unmarshal(b); err != nil {
		return err
	}
	m.TestFieldString = message.Get[string](pm, 6)
	return nil
}

type SimpleIntMessage struct {
	TestFieldInt int32
}

func (m *SimpleIntMessage) Marshal() ([]byte, error) {
	pm := message.New(simpleIntDesc)
	if err := pm.Set(1, m.TestFieldInt); err != nil {
		return nil, err
	}
	return pm.Marshal()
}

func (m *SimpleIntMessage) Unmarshal(b []byte) error {
	pm := message.New(simpleIntDesc)
	if err := pm.Unmarshal(b); err != nil {
		return err
	}
	m.TestFieldInt = message.Get[int32](pm, 1)
	return nil
}

func (m *SimpleIntMessage) String() string {
	return strconv.Itoa(int(m.TestFieldInt))
}

type BlobMessage struct {
	TestBytes []byte
}

func (m *BlobMessage) Marshal() ([]byte, error) {
	pm := message.New(blobDesc)
	if err := pm.Set(1, m.TestBytes); err != nil {
		return nil, err
	}
	return pm.Marshal()
}

func (m *BlobMessage) Unmarshal(b []byte) error {
	pm := message.New(blobDesc)
	if err := pm.Unmarshal(b); err != nil {
		return err
	}
	m.TestBytes = message.Get[[]byte](pm, 1)
	return nil
}
