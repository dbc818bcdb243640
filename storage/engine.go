package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pbudner/pulselog/encoding"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const LogFileName = "timestamps.bin"

// IndexFileName is the file holding the prefix-offset index of a bar width.
func IndexFileName(width uint64) string {
	return fmt.Sprintf("bars-%d.bin", width)
}

type Options struct {
	DataDir     string
	RecordWidth encoding.Width
	IndexWidth  encoding.Width
	Resolutions []uint64
	// MaxGap bounds the distance in ms between consecutive records, 0
	// disables the check. Every bar a gap spans costs one index entry.
	MaxGap uint64
}

func (o Options) validate() error {
	if o.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if err := o.RecordWidth.Validate(); err != nil {
		return fmt.Errorf("record width: %w", err)
	}
	if err := o.IndexWidth.Validate(); err != nil {
		return fmt.Errorf("index width: %w", err)
	}
	return nil
}

type stateFile struct {
	FileState
	file *os.File
}

// Engine owns the timestamp log, one index file per resolution and their
// file states. Appends hold the write lock for the whole batch, readers
// copy the file states under the read lock.
type Engine struct {
	sync.RWMutex
	opts    Options
	catalog Catalog
	logFile *stateFile
	bars    []*stateFile // catalog order
	failed  error
	log     *zap.SugaredLogger
}

var (
	appendedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "pulselog_storage",
		Name:      "appended_records_total",
		Help:      "Total number of timestamps appended to the log.",
	})

	appendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "pulselog_storage",
		Name:      "append_errors_total",
		Help:      "Total number of batches that could not be appended.",
	})

	fileSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "pulselog_storage",
		Name:      "file_size_bytes",
		Help:      "Current size of the log and index files.",
	}, []string{"resolution"})
)

func init() {
	prometheus.MustRegister(appendedRecords, appendErrors, fileSizeBytes)
}

// Open opens or creates the log and index files below opts.DataDir and
// rebuilds the file states from their contents.
func Open(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	catalog, err := NewCatalog(opts.Resolutions)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    opts,
		catalog: catalog,
		log:     zap.L().Sugar().With("component", "storage"),
	}

	f, err := openOrCreate(filepath.Join(opts.DataDir, LogFileName))
	if err != nil {
		return nil, err
	}
	e.logFile = &stateFile{file: f, FileState: FileState{Width: Line}}

	for _, width := range catalog.Widths() {
		f, err := openOrCreate(filepath.Join(opts.DataDir, IndexFileName(width)))
		if err != nil {
			e.Close()
			return nil, err
		}
		e.bars = append(e.bars, &stateFile{file: f, FileState: FileState{Width: width}})
	}

	if err := e.initialize(); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) Catalog() Catalog {
	return e.catalog
}

func (e *Engine) RecordWidth() encoding.Width {
	return e.opts.RecordWidth
}

func (e *Engine) IndexWidth() encoding.Width {
	return e.opts.IndexWidth
}

// Snapshot copies the current file states.
func (e *Engine) Snapshot() Snapshot {
	e.RLock()
	defer e.RUnlock()
	snap := Snapshot{
		Log:  e.logFile.FileState,
		Bars: make([]FileState, len(e.bars)),
	}
	for i, b := range e.bars {
		snap.Bars[i] = b.FileState
	}
	return snap
}

// Err returns the sticky storage failure, if any.
func (e *Engine) Err() error {
	e.RLock()
	defer e.RUnlock()
	return e.failed
}

// ReadLog reads n bytes of the timestamp log starting at offset.
func (e *Engine) ReadLog(offset, n uint64) ([]byte, error) {
	return readAt(e.logFile.file, offset, n)
}

// ReadIndex reads n bytes of the index file of width starting at offset.
func (e *Engine) ReadIndex(width, offset, n uint64) ([]byte, error) {
	sf := e.bar(width)
	if sf == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownResolution, width)
	}
	return readAt(sf.file, offset, n)
}

func (e *Engine) bar(width uint64) *stateFile {
	i := e.catalog.index(width)
	if i < 0 {
		return nil
	}
	return e.bars[i]
}

// Append writes a batch of whole records to the log and appends the bar
// boundaries it crosses to every index file. Either every file and state
// advances or none does; after a failed write the engine refuses further
// appends.
func (e *Engine) Append(batch []byte) (AppendResult, error) {
	rw := e.opts.RecordWidth
	if len(batch) == 0 || len(batch)%int(rw) != 0 {
		return AppendResult{}, ErrPartialRecord
	}

	e.Lock()
	defer e.Unlock()

	if e.failed != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", ErrStorageFailed, e.failed)
	}

	n := rw.Len(batch)
	logState := e.logFile.FileState
	result := AppendResult{
		Records:   uint64(n),
		FirstKey:  rw.Get(batch),
		LastKey:   rw.At(batch, n-1),
		LogOffset: logState.Size,
		NewBars:   make(map[uint64]uint64, len(e.bars)),
	}

	prev := logState.LastKey
	if logState.Empty() {
		prev = result.FirstKey
	}
	for i := 0; i < n; i++ {
		t := rw.At(batch, i)
		if t < prev {
			appendErrors.Inc()
			return AppendResult{}, fmt.Errorf("%w: %d after %d", ErrOutOfOrder, t, prev)
		}
		if e.opts.MaxGap > 0 && t-prev > e.opts.MaxGap {
			appendErrors.Inc()
			return AppendResult{}, fmt.Errorf("%w: %d after %d", ErrTimestampJump, t, prev)
		}
		prev = t
	}

	// compute every index append before touching any file
	pending := make([][]byte, len(e.bars))
	next := make([]FileState, len(e.bars))
	for i, b := range e.bars {
		buf, state, err := planIndex(b.FileState, batch, logState.Size, rw, e.opts.IndexWidth)
		if err != nil {
			appendErrors.Inc()
			// the log can no longer be indexed, nothing may be appended from here on
			e.failed = fmt.Errorf("resolution %d: %w", b.Width, err)
			e.log.Errorw("index offsets overflow, refusing further appends", "resolution", b.Width, "error", err)
			return AppendResult{}, fmt.Errorf("%w: %v", ErrStorageFailed, e.failed)
		}
		pending[i] = buf
		next[i] = state
		result.NewBars[b.Width] = uint64(e.opts.IndexWidth.Len(buf))
	}

	if _, err := e.logFile.file.Write(batch); err != nil {
		return AppendResult{}, e.fail(err, -1)
	}

	for i, b := range e.bars {
		if len(pending[i]) == 0 {
			continue
		}
		if _, err := b.file.Write(pending[i]); err != nil {
			return AppendResult{}, e.fail(err, i)
		}
	}

	if logState.Empty() {
		e.logFile.FirstKey = result.FirstKey
	}
	e.logFile.Size += uint64(len(batch))
	e.logFile.LastKey = result.LastKey
	for i, b := range e.bars {
		b.FileState = next[i]
		fileSizeBytes.WithLabelValues(strconv.FormatUint(b.Width, 10)).Set(float64(b.Size))
	}
	fileSizeBytes.WithLabelValues("line").Set(float64(e.logFile.Size))
	appendedRecords.Add(float64(n))

	return result, nil
}

// fail rolls the log and the first written index files back to the sizes
// recorded in their states and marks the engine as failed. written is the
// position of the index whose write failed, -1 if the log write failed.
func (e *Engine) fail(cause error, written int) error {
	appendErrors.Inc()
	e.failed = cause
	e.log.Errorw("append failed, rolling back", "error", cause)

	rollback := []*stateFile{e.logFile}
	if written >= 0 {
		rollback = append(rollback, e.bars[:written+1]...)
	}
	for _, sf := range rollback {
		if err := sf.file.Truncate(int64(sf.Size)); err != nil {
			e.log.Errorw("rollback failed, files have to be reconciled on restart", "file", sf.file.Name(), "error", err)
		}
	}

	return fmt.Errorf("%w: %v", ErrStorageFailed, cause)
}

func (e *Engine) Close() {
	e.Lock()
	defer e.Unlock()

	files := make([]*stateFile, 0, len(e.bars)+1)
	if e.logFile != nil {
		files = append(files, e.logFile)
	}
	files = append(files, e.bars...)
	for _, sf := range files {
		if err := sf.file.Close(); err != nil {
			e.log.Warnw("could not close file", "file", sf.file.Name(), "error", err)
		}
	}
}
