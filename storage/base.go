package storage

import "github.com/pbudner/pulselog/encoding"

// Reader is the read side of the engine used by the query engine.
type Reader interface {
	Catalog() Catalog
	RecordWidth() encoding.Width
	IndexWidth() encoding.Width
	Snapshot() Snapshot
	ReadLog(offset, n uint64) ([]byte, error)
	ReadIndex(width, offset, n uint64) ([]byte, error)
}

// Appender is the write side of the engine used by the ingestion pipeline.
type Appender interface {
	RecordWidth() encoding.Width
	Append(batch []byte) (AppendResult, error)
}

// AppendResult describes an appended batch.
type AppendResult struct {
	Records   uint64
	FirstKey  uint64
	LastKey   uint64
	LogOffset uint64 // log size before the batch
	NewBars   map[uint64]uint64
}
