// Package codec serializes cached values for byte providers.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Named returns the codec registered under name: "json" (default for ""),
// "cbor" or "msgpack". Protobuf needs a message constructor; use NewProtobuf.
func Named[V any](name string) (Codec[V], error) {
	switch name {
	case "", "json":
		return JSON[V]{}, nil
	case "cbor", "cbor-deterministic":
		c, err := NewCBOR[V](name == "cbor-deterministic")
		if err != nil {
			return nil, err
		}
		return c, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
