package query

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pbudner/pulselog/encoding"
)

var (
	// ErrMalformedRequest is wrapped by every decode and validation error
	ErrMalformedRequest = errors.New("malformed request")
)

// RequestType is either Interval or Live.
type RequestType uint32

const (
	Interval RequestType = 0
	Live     RequestType = 1
)

// ParseRequestType maps a wire value onto the closed set of request types.
func ParseRequestType(v uint32) (RequestType, error) {
	switch RequestType(v) {
	case Interval, Live:
		return RequestType(v), nil
	}
	return 0, fmt.Errorf("%w: invalid request type %d", ErrMalformedRequest, v)
}

func (t RequestType) String() string {
	switch t {
	case Interval:
		return "interval"
	case Live:
		return "live"
	}
	return fmt.Sprintf("RequestType(%d)", uint32(t))
}

// Request is a client-issued query. Resolution is a bar width in
// milliseconds or storage.Line.
type Request struct {
	ID         uint32
	Type       RequestType
	Resolution uint64
	Start      uint64
	End        uint64
}

// RequestSize is the wire size of a request whose timestamps are ts wide.
func RequestSize(ts encoding.Width) int {
	return 3*4 + 2*int(ts)
}

// DecodeRequest parses {id u32, type u32, resolution u32, start ts, end ts}.
func DecodeRequest(b []byte, ts encoding.Width) (Request, error) {
	if len(b) != RequestSize(ts) {
		return Request{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedRequest, RequestSize(ts), len(b))
	}

	reqType, err := ParseRequestType(binary.LittleEndian.Uint32(b[4:]))
	if err != nil {
		return Request{}, err
	}

	return Request{
		ID:         binary.LittleEndian.Uint32(b[0:]),
		Type:       reqType,
		Resolution: uint64(binary.LittleEndian.Uint32(b[8:])),
		Start:      ts.Get(b[12:]),
		End:        ts.Get(b[12+int(ts):]),
	}, nil
}

// Encode is the inverse of DecodeRequest, used by clients and tests.
func (r Request) Encode(ts encoding.Width) []byte {
	b := make([]byte, RequestSize(ts))
	binary.LittleEndian.PutUint32(b[0:], r.ID)
	binary.LittleEndian.PutUint32(b[4:], uint32(r.Type))
	binary.LittleEndian.PutUint32(b[8:], uint32(r.Resolution))
	ts.Put(b[12:], r.Start)
	ts.Put(b[12+int(ts):], r.End)
	return b
}
