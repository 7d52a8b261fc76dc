// Package message defines the two kinds of messages the runtime moves around.
//
// RPCMessage is the "envelope" for every framed call. It gets serialized by the
// codec layer and wrapped in a protocol frame for transmission over TCP.
//
// Message is a protobuf message: a mapping from field number to typed value with
// structural equality and a canonical wire encoding (see proto.go).
package message

// RPCMessage carries the data for a single request, stream update or response.
//
//   - On request:  ServiceMethod is set, Metadata carries call credentials, Payload the request.
//   - On response: Code/Error describe the call status, Payload contains the reply.
//   - On stream data: only Payload is set.
type RPCMessage struct {
	ServiceMethod string            // Format: "/package.Service/Method"
	Metadata      map[string]string // Call-level credentials and headers
	Code          uint32            // gRPC status code, 0 is OK
	Error         string            // Status message, non-empty if the call failed
	Payload       []byte            // Serialized protobuf message
}
