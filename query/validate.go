package query

import (
	"fmt"

	"github.com/pbudner/pulselog/storage"
)

// DefaultMaxBars bounds the number of bars a single request may span.
const DefaultMaxBars = 1000

// Validate fails closed on anything the bounds computation cannot serve.
func Validate(req Request, catalog storage.Catalog, maxBars uint64) error {
	if _, err := ParseRequestType(uint32(req.Type)); err != nil {
		return err
	}
	if !catalog.Valid(req.Resolution) {
		return fmt.Errorf("%w: invalid resolution %d", ErrMalformedRequest, req.Resolution)
	}
	if req.Start > req.End {
		return fmt.Errorf("%w: start %d greater than end %d", ErrMalformedRequest, req.Start, req.End)
	}

	width := catalog.Effective(req.Resolution)
	if req.Type == Interval && (req.Start%width != 0 || req.End%width != 0) {
		return fmt.Errorf("%w: bounds start %d, end %d not aligned to %d", ErrMalformedRequest, req.Start, req.End, width)
	}

	if bars := (req.End - req.Start) / width; bars > maxBars {
		return fmt.Errorf("%w: request spans %d bars, at most %d allowed", ErrMalformedRequest, bars, maxBars)
	}

	return nil
}
