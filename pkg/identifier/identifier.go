// Package identifier enumerates the 9-digit registration numbers probed by
// the crawler.
package identifier

import (
	"errors"
	"fmt"
	"iter"
)

// Width is the fixed number of digits of a registration number.
const Width = 9

// Max is the largest representable registration number.
const Max uint64 = 999999999

// Canonical enumeration bounds.
const (
	DefaultStart uint64 = 100000127
	DefaultEnd   uint64 = Max
)

var (
	// ErrInvalidRange is returned when a range is empty or out of bounds.
	ErrInvalidRange = errors.New("invalid identifier range")

	// ErrInvalidIdentifier is returned when a string is not a 9-digit number.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// Range is a closed interval [Start, End] of registration numbers.
type Range struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// DefaultRange returns the canonical enumeration range.
func DefaultRange() Range {
	return Range{Start: DefaultStart, End: DefaultEnd}
}

// Validate checks that the range is non-empty and fits in Width digits.
func (r Range) Validate() error {
	if r.Start > r.End {
		return fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, r.Start, r.End)
	}
	if r.End > Max {
		return fmt.Errorf("%w: end %d exceeds %d", ErrInvalidRange, r.End, Max)
	}
	return nil
}

// Len returns the number of identifiers in the range.
func (r Range) Len() uint64 {
	if r.Start > r.End {
		return 0
	}
	return r.End - r.Start + 1
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return Format(r.Start) + "-" + Format(r.End)
}

// Format renders n as a zero-padded 9-digit string.
func Format(n uint64) string {
	return fmt.Sprintf("%0*d", Width, n)
}

// Parse converts a 9-digit string back to its numeric value.
func Parse(s string) (uint64, error) {
	if len(s) != Width {
		return 0, fmt.Errorf("%w: %q has %d digits, want %d", ErrInvalidIdentifier, s, len(s), Width)
	}
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

// Sequence yields every identifier of r in ascending order. Each call
// starts a fresh enumeration from r.Start.
func Sequence(r Range) iter.Seq[string] {
	return func(yield func(string) bool) {
		if r.Start > r.End {
			return
		}
		for n := r.Start; ; n++ {
			if !yield(Format(n)) {
				return
			}
			if n == r.End {
				return
			}
		}
	}
}
