package storage

import (
	"fmt"
	"strconv"

	"github.com/pbudner/pulselog/encoding"
)

// rebuildChunk is the number of log records read per step of a rebuild.
const rebuildChunk = 64 * 1024

// initialize derives every file state from the file contents. Torn
// trailing records are truncated, and index files that disagree with the
// log are rebuilt from it, so running it twice yields the same state.
func (e *Engine) initialize() error {
	e.Lock()
	defer e.Unlock()

	rw := e.opts.RecordWidth
	iw := e.opts.IndexWidth

	size, err := e.truncateTorn(e.logFile, rw)
	if err != nil {
		return err
	}

	e.logFile.FileState = FileState{Width: Line, Size: size}
	if size > 0 {
		first, err := readAt(e.logFile.file, 0, uint64(rw))
		if err != nil {
			return err
		}
		last, err := readAt(e.logFile.file, size-uint64(rw), uint64(rw))
		if err != nil {
			return err
		}
		e.logFile.FirstKey = rw.Get(first)
		e.logFile.LastKey = rw.Get(last)
	}
	fileSizeBytes.WithLabelValues("line").Set(float64(size))

	for _, b := range e.bars {
		size, err := e.truncateTorn(b, iw)
		if err != nil {
			return err
		}

		b.FileState = FileState{
			Width:    b.Width,
			Size:     size,
			FirstKey: encoding.RoundDown(e.logFile.FirstKey, b.Width),
			LastKey:  encoding.RoundDown(e.logFile.LastKey, b.Width),
		}
		if size > 0 {
			last, err := readAt(b.file, size-uint64(iw), uint64(iw))
			if err != nil {
				return err
			}
			b.LastOffset = iw.Get(last)
		}

		if reason := e.inconsistency(b); reason != "" {
			e.log.Warnw("index file is inconsistent with the log, rebuilding it", "resolution", b.Width, "reason", reason)
			if err := e.rebuild(b); err != nil {
				return fmt.Errorf("rebuilding index %d: %w", b.Width, err)
			}
		}

		fileSizeBytes.WithLabelValues(strconv.FormatUint(b.Width, 10)).Set(float64(b.Size))
		e.log.Debugw("initialized resolution", "resolution", b.Width, "size", b.Size, "first_key", b.FirstKey, "last_key", b.LastKey)
	}

	e.log.Infow("initialized storage", "dir", e.opts.DataDir, "log_size", e.logFile.Size, "first_key", e.logFile.FirstKey, "last_key", e.logFile.LastKey)
	return nil
}

// truncateTorn cuts a file back to a whole number of width-sized values.
func (e *Engine) truncateTorn(sf *stateFile, width encoding.Width) (uint64, error) {
	size, err := fileSize(sf.file)
	if err != nil {
		return 0, err
	}

	whole := encoding.RoundDown(size, uint64(width))
	if whole != size {
		e.log.Warnw("truncating torn trailing record", "file", sf.file.Name(), "size", size, "truncated_to", whole)
		if err := sf.file.Truncate(int64(whole)); err != nil {
			return 0, err
		}
	}
	return whole, nil
}

func (e *Engine) inconsistency(b *stateFile) string {
	logState := e.logFile.FileState
	iw := uint64(e.opts.IndexWidth)
	if logState.Empty() {
		if b.Empty() {
			return ""
		}
		return "index has entries but the log is empty"
	}

	expected := (b.LastKey-b.FirstKey)/b.Width + 1
	switch {
	case b.Size != expected*iw:
		return fmt.Sprintf("expected %d entries, found %d", expected, b.Size/iw)
	case b.LastOffset > logState.Size:
		return fmt.Sprintf("last offset %d is beyond the log size %d", b.LastOffset, logState.Size)
	}
	return ""
}

// rebuild regenerates an index file by a sequential scan of the log.
func (e *Engine) rebuild(b *stateFile) error {
	if err := b.file.Truncate(0); err != nil {
		return err
	}
	b.FileState = FileState{Width: b.Width}

	rw := e.opts.RecordWidth
	chunk := uint64(rebuildChunk) * uint64(rw)
	for offset := uint64(0); offset < e.logFile.Size; offset += chunk {
		n := chunk
		if offset+n > e.logFile.Size {
			n = e.logFile.Size - offset
		}

		batch, err := readAt(e.logFile.file, offset, n)
		if err != nil {
			return err
		}

		buf, next, err := planIndex(b.FileState, batch, offset, rw, e.opts.IndexWidth)
		if err != nil {
			return err
		}
		if len(buf) > 0 {
			if _, err := b.file.Write(buf); err != nil {
				return err
			}
		}
		b.FileState = next
	}

	return nil
}
