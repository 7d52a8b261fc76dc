// Package call holds the handles returned for in-flight RPCs.
//
// A Reply tracks a unary call and a Subscription tracks a server stream. Both
// are completed by a channel from its I/O goroutines and notify their callbacks
// on the dispatch.Loop they were created for. Every state change of a handle
// happens under the handle's mutex, and the terminal transition is a single
// check-and-set from Active: whichever of completion, failure or cancellation
// gets there first wins and the others are dropped.
package call

import "fmt"

// Kind is the streaming shape of a method.
type Kind int

const (
	Unary Kind = iota
	ServerStream
	ClientStream
	BidiStream
)

func (k Kind) String() string {
	switch k {
	case Unary:
		return "unary"
	case ServerStream:
		return "server-stream"
	case ClientStream:
		return "client-stream"
	case BidiStream:
		return "bidi-stream"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Method identifies an RPC: the wire path and the message types on both ends.
type Method struct {
	Service  string // fully qualified, e.g. "qtprotobufnamespace.tests.TestService"
	Name     string
	Request  string
	Response string
	Kind     Kind
}

// Path is the wire path "/Service/Name".
func (m Method) Path() string {
	return "/" + m.Service + "/" + m.Name
}

// Signature names the method together with its message types.
func (m Method) Signature() string {
	return fmt.Sprintf("%s.%s(%s) %s %s", m.Service, m.Name, m.Request, m.Kind, m.Response)
}

// Identity keys streaming subscriptions: same method and same serialized
// request means the same stream.
type Identity struct {
	Method  string
	Request string
}

func IdentityOf(m Method, req []byte) Identity {
	return Identity{Method: m.Signature(), Request: string(req)}
}

// Marshaler is implemented by request messages.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler is implemented by response messages.
type Unmarshaler interface {
	Unmarshal([]byte) error
}
