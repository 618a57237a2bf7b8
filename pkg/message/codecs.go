package message

import (
	"capnproto.org/go/capnp/v3"
	"google.golang.org/protobuf/proto"
)

// BytesMarshaler passes raw []byte payloads through unchanged.
type BytesMarshaler struct{}

func (BytesMarshaler) Marshal(body any) ([]byte, error) {
	b, ok := body.([]byte)
	if !ok {
		return nil, ErrBadBody
	}
	return b, nil
}

func (BytesMarshaler) Unmarshal(data []byte) (any, error) {
	return data, nil
}

// RegisterBytes binds a kind id to the raw-bytes codec.
func (r *KindRegistry) RegisterBytes(kind Kind) error {
	return r.Register(kind, BytesMarshaler{})
}

// ProtoMarshaler encodes payloads as protobuf messages. New instances for
// decoding come from the registered factory.
type ProtoMarshaler struct {
	New func() proto.Message
}

func (m ProtoMarshaler) Marshal(body any) ([]byte, error) {
	msg, ok := body.(proto.Message)
	if !ok {
		return nil, ErrBadBody
	}
	return proto.Marshal(msg)
}

func (m ProtoMarshaler) Unmarshal(data []byte) (any, error) {
	msg := m.New()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RegisterProto binds a kind id to a protobuf message type.
func (r *KindRegistry) RegisterProto(kind Kind, factory func() proto.Message) error {
	return r.Register(kind, ProtoMarshaler{New: factory})
}

// CapnpMarshaler encodes payloads as Cap'n Proto messages.
type CapnpMarshaler struct{}

func (CapnpMarshaler) Marshal(body any) ([]byte, error) {
	msg, ok := body.(*capnp.Message)
	if !ok {
		return nil, ErrBadBody
	}
	return msg.Marshal()
}

func (CapnpMarshaler) Unmarshal(data []byte) (any, error) {
	return capnp.Unmarshal(data)
}

// RegisterCapnp binds a kind id to the Cap'n Proto codec.
func (r *KindRegistry) RegisterCapnp(kind Kind) error {
	return r.Register(kind, CapnpMarshaler{})
}
