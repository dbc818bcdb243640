package encoding

import (
	"encoding/binary"
	"fmt"
)

// Width is the byte width of a fixed-size little-endian unsigned integer
// as it appears on disk and on the wire. Only 4 and 8 are valid.
type Width uint64

const (
	Width32 Width = 4
	Width64 Width = 8
)

func (w Width) Valid() bool {
	return w == Width32 || w == Width64
}

func (w Width) Validate() error {
	if !w.Valid() {
		return fmt.Errorf("invalid integer width %d, must be 4 or 8", uint64(w))
	}
	return nil
}

// Max returns the largest value representable with this width.
func (w Width) Max() uint64 {
	if w == Width32 {
		return 1<<32 - 1
	}
	return 1<<64 - 1
}

// Put writes v into b[0:w]. Values wider than w are truncated.
func (w Width) Put(b []byte, v uint64) {
	if w == Width32 {
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}

// Get reads a value from b[0:w].
func (w Width) Get(b []byte) uint64 {
	if w == Width32 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// At reads the i-th value of a packed array.
func (w Width) At(b []byte, i int) uint64 {
	return w.Get(b[i*int(w):])
}

// Len is the number of whole values in b.
func (w Width) Len(b []byte) int {
	return len(b) / int(w)
}

// Append encodes v and appends it to b.
func (w Width) Append(b []byte, v uint64) []byte {
	var buf [8]byte
	w.Put(buf[:], v)
	return append(b, buf[:w]...)
}

// RoundDown rounds v down to a multiple of m. A zero multiple returns v.
func RoundDown(v, m uint64) uint64 {
	if m == 0 {
		return v
	}
	return v - v%m
}
