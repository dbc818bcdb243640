package query

import (
	"fmt"

	"github.com/pbudner/pulselog/encoding"
	"github.com/pbudner/pulselog/storage"
)

// Bounds is the resolved byte range of a request.
type Bounds struct {
	// Start and End are the keys of the first and last bar served.
	Start uint64
	End   uint64

	// BarStart and BarEnd delimit the index entries of the served bars.
	BarStart uint64
	BarEnd   uint64

	// FileStart and FileEnd delimit the bytes to read, in the log for
	// Line requests and in the index file otherwise.
	FileStart uint64
	FileEnd   uint64
}

// GetBounds clamps a validated request to the recorded range of its
// resolution and resolves it into file offsets. Live requests keep their
// span but are anchored to the newest bar. Line requests are translated
// through the smallest index into log offsets, widened by one record on
// each side.
func GetBounds(req Request, snap storage.Snapshot, store storage.Reader) (Bounds, error) {
	iw := store.IndexWidth()
	rw := store.RecordWidth()
	width := store.Catalog().Effective(req.Resolution)

	bar, ok := snap.Resolution(width)
	if !ok {
		return Bounds{}, fmt.Errorf("%w: %d", storage.ErrUnknownResolution, width)
	}
	if bar.Empty() {
		return Bounds{}, storage.ErrNoData
	}

	start := encoding.RoundDown(req.Start, width)
	end := encoding.RoundDown(req.End, width)

	b := Bounds{BarStart: bar.Offset(bar.Clamp(start), iw)}
	if req.Type == Live {
		bars := (end - start) / width
		if bars == 0 {
			bars = 1
		}
		if span := bars * uint64(iw); bar.Size > span && bar.Size-span > b.BarStart {
			b.BarStart = bar.Size - span
		}
		b.BarEnd = bar.Size
	} else {
		b.BarEnd = bar.Offset(bar.Clamp(end), iw) + uint64(iw)
	}

	b.Start = bar.Key(b.BarStart, iw)
	b.End = bar.Key(b.BarEnd-uint64(iw), iw)

	if req.Resolution != storage.Line {
		b.FileStart, b.FileEnd = b.BarStart, b.BarEnd
		return b, nil
	}

	first, err := store.ReadIndex(width, b.BarStart, uint64(iw))
	if err != nil {
		return Bounds{}, err
	}
	b.FileStart = iw.Get(first)
	// include the previous record so clients can compute the gradient
	if b.FileStart >= uint64(rw) {
		b.FileStart -= uint64(rw)
	} else {
		b.FileStart = 0
	}

	if b.BarEnd >= bar.Size {
		b.FileEnd = snap.Log.Size
		return b, nil
	}

	next, err := store.ReadIndex(width, b.BarEnd, uint64(iw))
	if err != nil {
		return Bounds{}, err
	}
	// and the next one for the same reason
	b.FileEnd = iw.Get(next) + uint64(rw)
	if b.FileEnd > snap.Log.Size {
		b.FileEnd = snap.Log.Size
	}

	return b, nil
}
