package message

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"
)

var errInvalidUTF8 = errors.New("invalid UTF-8 in string field")

// FieldDescriptor describes one field of a message type.
type FieldDescriptor struct {
	Number   protowire.Number
	Name     string
	Kind     protoreflect.Kind
	Repeated bool
	Message  *Descriptor // Required when Kind is MessageKind
}

// Descriptor describes a message type. Build it with NewDescriptor.
type Descriptor struct {
	Name   string
	Fields []*FieldDescriptor // Sorted by field number

	byNumber map[protowire.Number]*FieldDescriptor
	byName   map[string]*FieldDescriptor
}

// NewDescriptor builds a Descriptor. It panics on invalid or duplicate field
// numbers and on message fields without a nested descriptor: descriptors are
// static program data, so a bad one is a programming error.
func NewDescriptor(name string, fields ...FieldDescriptor) *Descriptor {
	d := &Descriptor{
		Name:     name,
		byNumber: make(map[protowire.Number]*FieldDescriptor, len(fields)),
		byName:   make(map[string]*FieldDescriptor, len(fields)),
	}
	for i := range fields {
		fd := fields[i]
		if !fd.Number.IsValid() {
			panic(fmt.Sprintf("message: %s.%s has invalid field number %d", name, fd.Name, fd.Number))
		}
		if _, dup := d.byNumber[fd.Number]; dup {
			panic(fmt.Sprintf("message: %s has duplicate field number %d", name, fd.Number))
		}
		if wireType(fd.Kind) < 0 {
			panic(fmt.Sprintf("message: %s.%s has unsupported kind %v", name, fd.Name, fd.Kind))
		}
		if fd.Kind == protoreflect.MessageKind && fd.Message == nil {
			panic(fmt.Sprintf("message: %s.%s is a message field without descriptor", name, fd.Name))
		}
		d.Fields = append(d.Fields, &fd)
		d.byNumber[fd.Number] = &fd
		d.byName[fd.Name] = &fd
	}
	sort.Slice(d.Fields, func(i, j int) bool {
		return d.Fields[i].Number < d.Fields[j].Number
	})
	return d
}

// Field returns the field with the given number, or nil.
func (d *Descriptor) Field(num protowire.Number) *FieldDescriptor {
	return d.byNumber[num]
}

// FieldByName returns the field with the given name, or nil.
func (d *Descriptor) FieldByName(name string) *FieldDescriptor {
	return d.byName[name]
}

// DecodeError reports malformed input to Unmarshal.
type DecodeError struct {
	Message string           // Message type name
	Field   protowire.Number // 0 when the tag itself could not be read
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("message: decode %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("message: decode %s field %d: %v", e.Message, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Message is a protobuf message value: a mapping from field number to a typed
// value. Scalars are stored as the Go type matching their kind (int32 for
// int32/sint32/sfixed32/enum, uint32 for uint32/fixed32, float32, string,
// []byte...), nested messages as *Message and repeated fields as []any.
type Message struct {
	desc   *Descriptor
	fields map[protowire.Number]any
}

// New returns an empty message of the given type.
func New(d *Descriptor) *Message {
	return &Message{desc: d, fields: make(map[protowire.Number]any)}
}

// Descriptor returns the message type.
func (m *Message) Descriptor() *Descriptor {
	return m.desc
}

// Set assigns a field. The value must match the field kind.
func (m *Message) Set(num protowire.Number, v any) error {
	fd := m.desc.Field(num)
	if fd == nil {
		return fmt.Errorf("message: %s has no field %d", m.desc.Name, num)
	}
	if err := checkValue(fd, v); err != nil {
		return fmt.Errorf("message: %s.%s: %w", m.desc.Name, fd.Name, err)
	}
	m.fields[num] = v
	return nil
}

// Get returns the value of a field, or the default value of its kind when the
// field is unset.
func (m *Message) Get(num protowire.Number) any {
	if v, ok := m.fields[num]; ok {
		return v
	}
	if fd := m.desc.Field(num); fd != nil {
		return defaultValue(fd)
	}
	return nil
}

// Has reports whether the field holds a non-default value.
func (m *Message) Has(num protowire.Number) bool {
	fd := m.desc.Field(num)
	if fd == nil {
		return false
	}
	v, ok := m.fields[num]
	return ok && !isDefault(fd, v)
}

// Clear resets a field to its default value.
func (m *Message) Clear(num protowire.Number) {
	delete(m.fields, num)
}

// Get is a typed accessor; it returns the zero T when the field holds another type.
func Get[T any](m *Message, num protowire.Number) T {
	v, _ := m.Get(num).(T)
	return v
}

// Equal reports structural equality. Fields holding their default value are
// equal to unset fields.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.desc != o.desc && m.desc.Name != o.desc.Name {
		return false
	}
	for _, fd := range m.desc.Fields {
		if !fieldEqual(fd, m.Get(fd.Number), o.Get(fd.Number)) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := New(m.desc)
	for num, v := range m.fields {
		c.fields[num] = cloneValue(v)
	}
	return c
}

// Marshal produces the canonical encoding: ascending field numbers, default
// scalars omitted, repeated numeric fields packed.
func (m *Message) Marshal() ([]byte, error) {
	return m.appendTo(nil)
}

func (m *Message) appendTo(b []byte) ([]byte, error) {
	var err error
	for _, fd := range m.desc.Fields {
		v, ok := m.fields[fd.Number]
		if !ok || isDefault(fd, v) {
			continue
		}
		if !fd.Repeated {
			b = protowire.AppendTag(b, fd.Number, protowire.Type(wireType(fd.Kind)))
			if b, err = appendValue(b, fd.Kind, v); err != nil {
				return nil, err
			}
			continue
		}
		list := v.([]any)
		if packable(fd.Kind) {
			var packed []byte
			for _, e := range list {
				packed, _ = appendValue(packed, fd.Kind, e)
			}
			b = protowire.AppendTag(b, fd.Number, protowire.BytesType)
			b = protowire.AppendBytes(b, packed)
			continue
		}
		for _, e := range list {
			b = protowire.AppendTag(b, fd.Number, protowire.Type(wireType(fd.Kind)))
			if b, err = appendValue(b, fd.Kind, e); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// Unmarshal resets m and decodes b into it. Unknown fields are skipped.
func (m *Message) Unmarshal(b []byte) error {
	m.fields = make(map[protowire.Number]any)
	return m.merge(b)
}

func (m *Message) merge(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Message: m.desc.Name, Err: protowire.ParseError(n)}
		}
		b = b[n:]

		fd := m.desc.Field(num)
		if fd == nil {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return &DecodeError{Message: m.desc.Name, Field: num, Err: protowire.ParseError(n)}
			}
			b = b[n:]
			continue
		}

		if fd.Repeated && packable(fd.Kind) && typ == protowire.BytesType {
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return &DecodeError{Message: m.desc.Name, Field: num, Err: protowire.ParseError(n)}
			}
			b = b[n:]
			for len(packed) > 0 {
				v, k, err := consumeValue(fd, packed)
				if err != nil {
					return &DecodeError{Message: m.desc.Name, Field: num, Err: err}
				}
				packed = packed[k:]
				m.appendRepeated(fd, v)
			}
			continue
		}

		if int(typ) != wireType(fd.Kind) {
			return &DecodeError{Message: m.desc.Name, Field: num, Err: fmt.Errorf("wire type %d does not match kind %v", typ, fd.Kind)}
		}
		if fd.Kind == protoreflect.MessageKind && !fd.Repeated {
			if existing, ok := m.fields[num].(*Message); ok && existing != nil {
				inner, k := protowire.ConsumeBytes(b)
				if k < 0 {
					return &DecodeError{Message: m.desc.Name, Field: num, Err: protowire.ParseError(k)}
				}
				if err := existing.merge(inner); err != nil {
					return err
				}
				b = b[k:]
				continue
			}
		}
		v, k, err := consumeValue(fd, b)
		if err != nil {
			return &DecodeError{Message: m.desc.Name, Field: num, Err: err}
		}
		b = b[k:]
		if fd.Repeated {
			m.appendRepeated(fd, v)
		} else {
			m.fields[num] = v
		}
	}
	return nil
}

func (m *Message) appendRepeated(fd *FieldDescriptor, v any) {
	list, _ := m.fields[fd.Number].([]any)
	m.fields[fd.Number] = append(list, v)
}

func wireType(k protoreflect.Kind) int {
	switch k {
	case protoreflect.BoolKind, protoreflect.EnumKind,
		protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Uint32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Uint64Kind:
		return int(protowire.VarintType)
	case protoreflect.Fixed32Kind, protoreflect.Sfixed32Kind, protoreflect.FloatKind:
		return int(protowire.Fixed32Type)
	case protoreflect.Fixed64Kind, protoreflect.Sfixed64Kind, protoreflect.DoubleKind:
		return int(protowire.Fixed64Type)
	case protoreflect.StringKind, protoreflect.BytesKind, protoreflect.MessageKind:
		return int(protowire.BytesType)
	}
	return -1
}

func packable(k protoreflect.Kind) bool {
	return wireType(k) != int(protowire.BytesType)
}

func appendValue(b []byte, k protoreflect.Kind, v any) ([]byte, error) {
	switch k {
	case protoreflect.BoolKind:
		return protowire.AppendVarint(b, protowire.EncodeBool(v.(bool))), nil
	case protoreflect.EnumKind, protoreflect.Int32Kind:
		return protowire.AppendVarint(b, uint64(int64(v.(int32)))), nil
	case protoreflect.Sint32Kind:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v.(int32)))), nil
	case protoreflect.Uint32Kind:
		return protowire.AppendVarint(b, uint64(v.(uint32))), nil
	case protoreflect.Int64Kind:
		return protowire.AppendVarint(b, uint64(v.(int64))), nil
	case protoreflect.Sint64Kind:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.(int64))), nil
	case protoreflect.Uint64Kind:
		return protowire.AppendVarint(b, v.(uint64)), nil
	case protoreflect.Fixed32Kind:
		return protowire.AppendFixed32(b, v.(uint32)), nil
	case protoreflect.Sfixed32Kind:
		return protowire.AppendFixed32(b, uint32(v.(int32))), nil
	case protoreflect.FloatKind:
		return protowire.AppendFixed32(b, math.Float32bits(v.(float32))), nil
	case protoreflect.Fixed64Kind:
		return protowire.AppendFixed64(b, v.(uint64)), nil
	case protoreflect.Sfixed64Kind:
		return protowire.AppendFixed64(b, uint64(v.(int64))), nil
	case protoreflect.DoubleKind:
		return protowire.AppendFixed64(b, math.Float64bits(v.(float64))), nil
	case protoreflect.StringKind:
		str := v.(string)
		if !utf8.ValidString(str) {
			return nil, errInvalidUTF8
		}
		return protowire.AppendString(b, str), nil
	case protoreflect.BytesKind:
		return protowire.AppendBytes(b, v.([]byte)), nil
	case protoreflect.MessageKind:
		nested := v.(*Message)
		if nested == nil {
			return protowire.AppendBytes(b, nil), nil
		}
		inner, err := nested.Marshal()
		if err != nil {
			return nil, err
		}
		return protowire.AppendBytes(b, inner), nil
	}
	return nil, fmt.Errorf("message: unsupported kind %v", k)
}

func consumeValue(fd *FieldDescriptor, b []byte) (any, int, error) {
	switch wireType(fd.Kind) {
	case int(protowire.VarintType):
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch fd.Kind {
		case protoreflect.BoolKind:
			return protowire.DecodeBool(x), n, nil
		case protoreflect.EnumKind, protoreflect.Int32Kind:
			return int32(x), n, nil
		case protoreflect.Sint32Kind:
			return int32(protowire.DecodeZigZag(x & math.MaxUint32)), n, nil
		case protoreflect.Uint32Kind:
			return uint32(x), n, nil
		case protoreflect.Int64Kind:
			return int64(x), n, nil
		case protoreflect.Sint64Kind:
			return protowire.DecodeZigZag(x), n, nil
		default:
			return x, n, nil
		}
	case int(protowire.Fixed32Type):
		x, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch fd.Kind {
		case protoreflect.Sfixed32Kind:
			return int32(x), n, nil
		case protoreflect.FloatKind:
			return math.Float32frombits(x), n, nil
		default:
			return x, n, nil
		}
	case int(protowire.Fixed64Type):
		x, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch fd.Kind {
		case protoreflect.Sfixed64Kind:
			return int64(x), n, nil
		case protoreflect.DoubleKind:
			return math.Float64frombits(x), n, nil
		default:
			return x, n, nil
		}
	}

	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	switch fd.Kind {
	case protoreflect.StringKind:
		if !utf8.Valid(raw) {
			return nil, 0, errInvalidUTF8
		}
		return string(raw), n, nil
	case protoreflect.BytesKind:
		return append([]byte{}, raw...), n, nil
	default:
		nested := New(fd.Message)
		if err := nested.merge(raw); err != nil {
			return nil, 0, err
		}
		return nested, n, nil
	}
}

func checkValue(fd *FieldDescriptor, v any) error {
	if fd.Repeated {
		list, ok := v.([]any)
		if !ok {
			return fmt.Errorf("repeated field needs []any, got %T", v)
		}
		for i, e := range list {
			if nested, ok := e.(*Message); ok && nested == nil {
				return fmt.Errorf("element %d: nil message", i)
			}
			if err := checkScalar(fd, e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	}
	return checkScalar(fd, v)
}

func checkScalar(fd *FieldDescriptor, v any) error {
	ok := false
	switch fd.Kind {
	case protoreflect.BoolKind:
		_, ok = v.(bool)
	case protoreflect.EnumKind, protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		_, ok = v.(int32)
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		_, ok = v.(uint32)
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		_, ok = v.(int64)
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		_, ok = v.(uint64)
	case protoreflect.FloatKind:
		_, ok = v.(float32)
	case protoreflect.DoubleKind:
		_, ok = v.(float64)
	case protoreflect.StringKind:
		var str string
		if str, ok = v.(string); ok && !utf8.ValidString(str) {
			return errInvalidUTF8
		}
	case protoreflect.BytesKind:
		_, ok = v.([]byte)
	case protoreflect.MessageKind:
		var nested *Message
		nested, ok = v.(*Message)
		if ok && nested != nil && nested.desc.Name != fd.Message.Name {
			return fmt.Errorf("expect message %s, got %s", fd.Message.Name, nested.desc.Name)
		}
	}
	if !ok {
		return fmt.Errorf("kind %v cannot hold %T", fd.Kind, v)
	}
	return nil
}

func defaultValue(fd *FieldDescriptor) any {
	if fd.Repeated {
		return []any(nil)
	}
	switch fd.Kind {
	case protoreflect.BoolKind:
		return false
	case protoreflect.EnumKind, protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		return int32(0)
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return uint32(0)
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return int64(0)
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return uint64(0)
	case protoreflect.FloatKind:
		return float32(0)
	case protoreflect.DoubleKind:
		return float64(0)
	case protoreflect.StringKind:
		return ""
	case protoreflect.BytesKind:
		return []byte(nil)
	}
	return (*Message)(nil)
}

func isDefault(fd *FieldDescriptor, v any) bool {
	if fd.Repeated {
		list, _ := v.([]any)
		return len(list) == 0
	}
	switch x := v.(type) {
	case bool:
		return !x
	case int32:
		return x == 0
	case uint32:
		return x == 0
	case int64:
		return x == 0
	case uint64:
		return x == 0
	case float32:
		return math.Float32bits(x) == 0
	case float64:
		return math.Float64bits(x) == 0
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	case *Message:
		return x == nil
	}
	return v == nil
}

func fieldEqual(fd *FieldDescriptor, a, b any) bool {
	if isDefault(fd, a) || isDefault(fd, b) {
		return isDefault(fd, a) && isDefault(fd, b)
	}
	if !fd.Repeated {
		return scalarEqual(a, b)
	}
	la, lb := a.([]any), b.([]any)
	if len(la) != len(lb) {
		return false
	}
	for i := range la {
		if !scalarEqual(la[i], lb[i]) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *Message:
		y, ok := b.(*Message)
		return ok && x.Equal(y)
	case float32:
		// NaN equals NaN, as proto.Equal has it
		y, ok := b.(float32)
		return ok && (x == y || math.IsNaN(float64(x)) && math.IsNaN(float64(y)))
	case float64:
		y, ok := b.(float64)
		return ok && (x == y || math.IsNaN(x) && math.IsNaN(y))
	}
	return a == b
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case *Message:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
