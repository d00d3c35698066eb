// Package codec turns realtime messages into bytes for a pub/sub transport.
// Every codec here honors `json` struct tags, so one set of tags describes
// the interchange shape regardless of the wire encoding.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names accepted by ByName.
const (
	NameJSON     = "json"
	NameMsgpack  = "msgpack"
	NameCBOR     = "cbor"
	NameProtobuf = "protobuf"
)

// ByName returns the codec configured under name. "" selects JSON.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", NameJSON:
		return JSON[V]{}, nil
	case NameMsgpack:
		return Msgpack[V]{}, nil
	case NameCBOR:
		return NewCBOR[V](false)
	case NameProtobuf:
		return ProtoStruct[V]{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}
