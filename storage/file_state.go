package storage

import (
	"github.com/pbudner/pulselog/encoding"
)

// FileState mirrors the on-disk contents of the log (Width == Line) or of
// one index file. It is never persisted and can always be rebuilt from the
// files themselves.
type FileState struct {
	Width      uint64 `json:"width"`
	Size       uint64 `json:"size"`
	FirstKey   uint64 `json:"first_key"`
	LastKey    uint64 `json:"last_key"`
	LastOffset uint64 `json:"last_offset"`
}

// Empty reports whether nothing has been written to the file yet.
func (s FileState) Empty() bool {
	return s.Size == 0
}

// Bars returns the number of bars covered by an index state.
func (s FileState) Bars() uint64 {
	if s.Empty() || s.Width == Line {
		return 0
	}
	return (s.LastKey-s.FirstKey)/s.Width + 1
}

// Offset is the index byte offset of the bar starting at key.
func (s FileState) Offset(key uint64, entryWidth encoding.Width) uint64 {
	return (key - s.FirstKey) / s.Width * uint64(entryWidth)
}

// Key is the bar start timestamp stored at the index byte offset.
func (s FileState) Key(offset uint64, entryWidth encoding.Width) uint64 {
	return s.FirstKey + offset/uint64(entryWidth)*s.Width
}

// Clamp limits key to [FirstKey, LastKey].
func (s FileState) Clamp(key uint64) uint64 {
	if key < s.FirstKey {
		return s.FirstKey
	}
	if key > s.LastKey {
		return s.LastKey
	}
	return key
}

// Snapshot is a consistent copy of the log and every index state.
type Snapshot struct {
	Log  FileState   `json:"log"`
	Bars []FileState `json:"bars"`
}

// Resolution returns the state for a bar width, or the log state for Line.
func (s Snapshot) Resolution(width uint64) (FileState, bool) {
	if width == Line {
		return s.Log, true
	}
	for _, b := range s.Bars {
		if b.Width == width {
			return b, true
		}
	}
	return FileState{}, false
}

// planIndex computes the index entries a batch of records appends to the
// index described by state. logOffset is the log size before the batch.
// The returned state reflects the index after the entries were written.
func planIndex(state FileState, batch []byte, logOffset uint64, recordWidth, entryWidth encoding.Width) ([]byte, FileState, error) {
	n := recordWidth.Len(batch)
	if n == 0 {
		return nil, state, nil
	}

	var buf []byte
	if state.Empty() {
		if logOffset > entryWidth.Max() {
			return nil, state, ErrOffsetOverflow
		}
		key := encoding.RoundDown(recordWidth.Get(batch), state.Width)
		state.FirstKey = key
		state.LastKey = key
		state.LastOffset = logOffset
		buf = entryWidth.Append(buf, logOffset)
	}

	for i := 0; i < n; i++ {
		t := recordWidth.At(batch, i)
		if t < state.LastKey {
			return nil, state, ErrOutOfOrder
		}

		elapsed := (t - state.LastKey) / state.Width
		if elapsed == 0 {
			continue
		}

		offset := logOffset + uint64(i)*uint64(recordWidth)
		if offset > entryWidth.Max() {
			return nil, state, ErrOffsetOverflow
		}

		for k := uint64(0); k < elapsed; k++ {
			buf = entryWidth.Append(buf, offset)
		}
		state.LastKey += elapsed * state.Width
		state.LastOffset = offset
	}

	state.Size += uint64(len(buf))
	return buf, state, nil
}
