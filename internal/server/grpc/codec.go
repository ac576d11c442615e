package grpcserver

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the event store messages.
const CodecName = "polycentric"

// WireMessage is a message with a hand-written protobuf wire encoding.
type WireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(b []byte) error
}

// Codec marshals WireMessage values for gRPC.
type Codec struct{}

func init() { encoding.RegisterCodec(Codec{}) }

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(WireMessage)
	if !ok {
		return nil, fmt.Errorf("codec %s: cannot marshal %T", CodecName, v)
	}
	return m.MarshalWire()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(WireMessage)
	if !ok {
		return fmt.Errorf("codec %s: cannot unmarshal into %T", CodecName, v)
	}
	return m.UnmarshalWire(data)
}
