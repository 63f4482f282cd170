package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes proto messages. Decode allocates a fresh message per call
// through the constructor given to NewProtobuf.
type Protobuf[T proto.Message] struct {
	new func() T
}

// NewProtobuf builds a codec for T, e.g. NewProtobuf(func() *pb.User { return &pb.User{} }).
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
