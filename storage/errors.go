package storage

import "errors"

var (
	// ErrNoData is returned when a read is attempted against an empty resolution
	ErrNoData = errors.New("no data has been recorded yet")

	// ErrStorageFailed is returned for every append after a write to the log
	// or an index file failed. The engine has to be reopened to recover.
	ErrStorageFailed = errors.New("storage failed, refusing further appends")

	// ErrPartialRecord is returned when a batch is not a whole number of records
	ErrPartialRecord = errors.New("batch is not a whole number of records")

	// ErrOutOfOrder is returned when a batch would make the log decreasing
	ErrOutOfOrder = errors.New("timestamp is older than the last recorded timestamp")

	// ErrTimestampJump is returned when a record lies further ahead of its
	// predecessor than the configured maximum gap
	ErrTimestampJump = errors.New("timestamp jumps too far ahead")

	// ErrOffsetOverflow is returned when a log offset no longer fits into an index entry
	ErrOffsetOverflow = errors.New("log offset exceeds the index entry width")

	// ErrUnknownResolution is returned for widths missing from the catalog
	ErrUnknownResolution = errors.New("resolution is not configured")

	// ErrShortRead is returned when a positional read returns fewer bytes than requested
	ErrShortRead = errors.New("short read")
)
