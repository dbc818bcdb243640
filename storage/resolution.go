package storage

import (
	"fmt"
	"sort"
	"time"
)

// Line is the resolution of raw, unaggregated events.
const Line uint64 = 0

const (
	Minute = uint64(time.Minute / time.Millisecond)
	Hour   = uint64(time.Hour / time.Millisecond)
	Day    = 24 * Hour
)

// DefaultResolutions are 5 minute, hourly and daily bars.
var DefaultResolutions = []uint64{5 * Minute, Hour, Day}

// Catalog is the static, sorted set of configured bar widths in milliseconds.
type Catalog struct {
	widths []uint64
}

func NewCatalog(widths []uint64) (Catalog, error) {
	if len(widths) == 0 {
		return Catalog{}, fmt.Errorf("at least one resolution has to be configured")
	}

	sorted := make([]uint64, len(widths))
	copy(sorted, widths)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, w := range sorted {
		if w == Line {
			return Catalog{}, fmt.Errorf("resolution width must be positive")
		}
		if i > 0 && sorted[i-1] == w {
			return Catalog{}, fmt.Errorf("resolution %d is configured twice", w)
		}
	}

	return Catalog{widths: sorted}, nil
}

// Widths returns the configured widths in ascending order.
func (c Catalog) Widths() []uint64 {
	out := make([]uint64, len(c.widths))
	copy(out, c.widths)
	return out
}

// Min is the smallest configured width, which Line requests align to.
func (c Catalog) Min() uint64 {
	return c.widths[0]
}

// Contains reports whether w is a configured bar width. Line is not.
func (c Catalog) Contains(w uint64) bool {
	return c.index(w) >= 0
}

// Valid reports whether res may be requested, i.e. is configured or Line.
func (c Catalog) Valid(res uint64) bool {
	return res == Line || c.Contains(res)
}

// Effective maps Line onto the smallest width and returns every other
// resolution unchanged.
func (c Catalog) Effective(res uint64) uint64 {
	if res == Line {
		return c.Min()
	}
	return res
}

func (c Catalog) index(w uint64) int {
	i := sort.Search(len(c.widths), func(i int) bool { return c.widths[i] >= w })
	if i < len(c.widths) && c.widths[i] == w {
		return i
	}
	return -1
}
