package server

import (
	"context"
	"fmt"
	"reflect"

	"mini-grpc/call"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type // element type of the request pointer
	ReplyType reflect.Type // element type of the reply pointer, nil for streams
	stream    bool
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
	contextType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	streamType      = reflect.TypeOf((*Stream)(nil))
	marshalerType   = reflect.TypeOf((*call.Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*call.Unmarshaler)(nil)).Elem()
)

// newService scans rcvr for methods of one of the shapes
//
//	func (T) Unary(ctx context.Context, req *Req, reply *Reply) error
//	func (T) Stream(ctx context.Context, req *Req, stream *server.Stream) error
//
// where *Req can Unmarshal and *Reply can Marshal. Other methods are ignored.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of a callable shape", name)
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		// receiver, ctx, req, reply|stream
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		if mt.In(1) != contextType {
			continue
		}
		arg := mt.In(2)
		if arg.Kind() != reflect.Ptr || !arg.Implements(unmarshalerType) {
			continue
		}

		last := mt.In(3)
		switch {
		case last == streamType:
			s.method[method.Name] = &methodType{method: method, ArgType: arg.Elem(), stream: true}
		case last.Kind() == reflect.Ptr && last.Implements(marshalerType):
			s.method[method.Name] = &methodType{method: method, ArgType: arg.Elem(), ReplyType: last.Elem()}
		}
	}
}

// decodeArg allocates a request and fills it from payload.
func (m *methodType) decodeArg(payload []byte) (reflect.Value, error) {
	argv := reflect.New(m.ArgType)
	if err := argv.Interface().(call.Unmarshaler).Unmarshal(payload); err != nil {
		return reflect.Value{}, err
	}
	return argv, nil
}

// Call invokes the method. last is the reply pointer or the *Stream.
func (s *service) Call(ctx context.Context, mType *methodType, argv, last reflect.Value) error {
	args := [4]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, last}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
