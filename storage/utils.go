package storage

import (
	"fmt"
	"io"
	"os"
)

// openOrCreate opens path for reading and appending, creating an empty file if absent.
func openOrCreate(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
}

func fileSize(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// readAt fills a new n-byte buffer from offset or fails with ErrShortRead.
func readAt(f *os.File, offset, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}

	read, err := f.ReadAt(buf, int64(offset))
	if err != nil && !(err == io.EOF && uint64(read) == n) {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s wanted %d bytes at %d, got %d", ErrShortRead, f.Name(), n, offset, read)
		}
		return nil, err
	}

	return buf, nil
}
