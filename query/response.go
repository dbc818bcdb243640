package query

import (
	"encoding/binary"
	"fmt"

	"github.com/pbudner/pulselog/encoding"
)

// Kind tells clients how to interpret a response payload.
type Kind uint32

const (
	LineData      Kind = 0
	BarData       Kind = 1
	TimestampPush Kind = 2
)

func (k Kind) String() string {
	switch k {
	case LineData:
		return "line_data"
	case BarData:
		return "bar_data"
	case TimestampPush:
		return "timestamp_push"
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Response is either the reply to a request or an unsolicited push.
type Response struct {
	ID      uint32
	Kind    Kind
	Start   uint64
	End     uint64
	Payload []byte
}

// HeaderSize is the wire size of {id, kind, start, end, byte_length}.
func HeaderSize(ts encoding.Width) int {
	return 3*4 + 2*int(ts)
}

// NewPush wraps a freshly ingested batch of records for live subscribers.
func NewPush(id uint32, batch []byte, recordWidth encoding.Width) Response {
	return Response{
		ID:      id,
		Kind:    TimestampPush,
		Start:   recordWidth.Get(batch),
		End:     recordWidth.At(batch, recordWidth.Len(batch)-1),
		Payload: batch,
	}
}

// Encode writes the header followed by the payload into a new buffer.
func (r Response) Encode(ts encoding.Width) []byte {
	h := HeaderSize(ts)
	b := make([]byte, h+len(r.Payload))
	binary.LittleEndian.PutUint32(b[0:], r.ID)
	binary.LittleEndian.PutUint32(b[4:], uint32(r.Kind))
	ts.Put(b[8:], r.Start)
	ts.Put(b[8+int(ts):], r.End)
	binary.LittleEndian.PutUint32(b[h-4:], uint32(len(r.Payload)))
	copy(b[h:], r.Payload)
	return b
}

// DecodeResponse parses an encoded response, used by clients and tests.
func DecodeResponse(b []byte, ts encoding.Width) (Response, error) {
	h := HeaderSize(ts)
	if len(b) < h {
		return Response{}, fmt.Errorf("response too short: %d bytes", len(b))
	}

	n := int(binary.LittleEndian.Uint32(b[h-4:]))
	if len(b)-h != n {
		return Response{}, fmt.Errorf("response announces %d payload bytes, carries %d", n, len(b)-h)
	}

	return Response{
		ID:      binary.LittleEndian.Uint32(b[0:]),
		Kind:    Kind(binary.LittleEndian.Uint32(b[4:])),
		Start:   ts.Get(b[8:]),
		End:     ts.Get(b[8+int(ts):]),
		Payload: b[h:],
	}, nil
}
