package encoding

import "github.com/vmihailenco/msgpack/v5"

// Codec (un)marshales values.
type Codec interface {
	// Marshal encodes a value to a slice of bytes.
	Marshal(v interface{}) ([]byte, error)
	// Unmarshal decodes a slice of bytes into a value.
	Unmarshal(data []byte, v interface{}) error
}

var (
	// Msgpack uses github.com/vmihailenco/msgpack/v5.
	Msgpack = MsgpackCodec{}
)

type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
