// Package fracidx implements fractional order keys for sibling sequences.
// Keys are plain float64s; inserting between two neighbors never touches the
// neighbors themselves. When the gap between two keys can no longer be split
// the caller is told to rebalance the whole sibling group.
package fracidx

import (
	"errors"
	"math"
)

// ErrPrecisionExhausted means the interval between the two neighbor keys
// cannot be split in float64 arithmetic. The sibling group must be
// rebalanced before a key can be produced.
var ErrPrecisionExhausted = errors.New("fracidx: interval too small, sibling group needs rebalancing")

// relEpsilon is the relative gap below which an interval is considered
// unsplittable. Roughly 33 consecutive midpoint inserts between the same two
// neighbors, starting one unit apart, reach this point.
const relEpsilon = 1e-10

// Between returns a key strictly between before and after. Either neighbor
// may be nil:
//
//	Between(nil, nil)   = 1.0
//	Between(&b, nil)    = b + 1
//	Between(nil, &a)    = a / 2
//	Between(&b, &a)     = midpoint of (b, a)
//
// Returns ErrPrecisionExhausted when both neighbors are present and the
// interval is too small to hold a new distinct key.
func Between(before, after *float64) (float64, error) {
	switch {
	case before == nil && after == nil:
		return 1.0, nil
	case after == nil:
		return *before + 1, nil
	case before == nil:
		return *after / 2, nil
	}

	b, a := *before, *after
	if exhausted(b, a) {
		return 0, ErrPrecisionExhausted
	}
	mid := b + (a-b)/2
	if mid <= b || mid >= a || math.IsInf(mid, 0) {
		return 0, ErrPrecisionExhausted
	}
	return mid, nil
}

// Spread returns n evenly spaced keys strictly inside the interval described
// by before and after, for bulk insertion between the same two neighbors.
// The same nil conventions as Between apply.
func Spread(before, after *float64, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}

	switch {
	case before == nil && after == nil:
		return Rebalanced(n), nil
	case after == nil:
		keys := make([]float64, n)
		for i := range keys {
			keys[i] = *before + float64(i+1)
		}
		return keys, nil
	case before == nil:
		// Divide (0, after) into n+1 gaps below the first neighbor.
		step := *after / float64(n+1)
		if step == 0 {
			return nil, ErrPrecisionExhausted
		}
		keys := make([]float64, n)
		for i := range keys {
			keys[i] = step * float64(i+1)
		}
		if keys[n-1] >= *after {
			return nil, ErrPrecisionExhausted
		}
		return keys, nil
	}

	b, a := *before, *after
	if exhausted(b, a) {
		return nil, ErrPrecisionExhausted
	}
	step := (a - b) / float64(n+1)
	keys := make([]float64, n)
	prev := b
	for i := range keys {
		keys[i] = b + step*float64(i+1)
		if keys[i] <= prev || keys[i] >= a {
			return nil, ErrPrecisionExhausted
		}
		prev = keys[i]
	}
	return keys, nil
}

// Rebalanced returns the canonical key sequence 1.0, 2.0, ... n for
// reassigning an entire sibling group.
func Rebalanced(n int) []float64 {
	keys := make([]float64, n)
	for i := range keys {
		keys[i] = float64(i + 1)
	}
	return keys
}

// exhausted reports whether (b, a) is too narrow to split. The gap is
// compared against the magnitude of the endpoints so large keys exhaust at
// proportionally larger absolute gaps.
func exhausted(b, a float64) bool {
	if !(b < a) {
		return true
	}
	scale := math.Max(math.Abs(b), math.Abs(a))
	if scale < 1 {
		scale = 1
	}
	return a-b < relEpsilon*scale
}
