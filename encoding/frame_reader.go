package encoding

// FrameReader reassembles an arbitrarily chunked byte stream into
// exact-length frames. Slices returned by ReadExact and ReadRecords alias
// the internal buffer and are only valid until the next Write or Compact.
type FrameReader struct {
	buf []byte
	off int
}

func NewFrameReader(initial []byte) *FrameReader {
	r := &FrameReader{}
	if len(initial) > 0 {
		r.Write(initial)
	}
	return r
}

// Write appends a chunk to the internal buffer. It never fails.
func (r *FrameReader) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Buffered returns the number of unconsumed bytes.
func (r *FrameReader) Buffered() int {
	return len(r.buf) - r.off
}

// ReadExact returns the next n unconsumed bytes and advances the cursor.
// If fewer than n bytes are buffered it returns false and leaves the
// reader untouched.
func (r *FrameReader) ReadExact(n int) ([]byte, bool) {
	if n < 0 || r.Buffered() < n {
		return nil, false
	}
	frame := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return frame, true
}

// ReadRecords consumes the maximal whole number of width-sized records
// currently buffered. It returns false when not even one record is
// available; a trailing partial record stays buffered.
func (r *FrameReader) ReadRecords(width int) ([]byte, bool) {
	if width <= 0 {
		return nil, false
	}
	n := r.Buffered() - r.Buffered()%width
	if n == 0 {
		return nil, false
	}
	return r.ReadExact(n)
}

// Compact discards consumed bytes from the front of the buffer.
func (r *FrameReader) Compact() {
	if r.off == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.off:])
	r.buf = r.buf[:n]
	r.off = 0
}
