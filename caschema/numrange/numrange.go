// Package numrange contains [Set], a set of closed numeric intervals,
// used to constrain schema parameter values and lengths.
package numrange

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"strings"
)

// Number is the set of types a [Set] can hold.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

// Range is a closed interval [Min, Max].
type Range[N Number] struct {
	Min, Max N
}

func (r Range[N]) Contains(n N) bool {
	return n >= r.Min && n <= r.Max
}

func (r Range[N]) String() string {
	if r.Min == r.Max {
		return fmt.Sprint(r.Min)
	}
	return fmt.Sprintf("%v-%v", r.Min, r.Max)
}

// Set is a union of closed intervals.
// Stored intervals are sorted and never overlap.
//
// The zero value is an empty set.
// An empty set places no constraint on a value; see [Set.Allows].
type Set[N Number] struct {
	ranges []Range[N]
}

// Of returns a set holding each of the given ranges.
// It panics if any range has Min > Max.
func Of[N Number](rs ...Range[N]) Set[N] {
	var s Set[N]
	for _, r := range rs {
		if !s.Add(r.Min, r.Max) {
			panic(fmt.Errorf("BUG: invalid range %v", r))
		}
	}
	return s
}

// Add inserts [lo, hi] into the set,
// merging it with every stored interval it overlaps.
// It reports false, leaving the set unchanged, if lo > hi.
func (s *Set[N]) Add(lo, hi N) bool {
	if lo > hi {
		return false
	}

	nr := Range[N]{Min: lo, Max: hi}

	// Index of the first range whose Max is not below lo.
	i, _ := slices.BinarySearchFunc(s.ranges, lo, func(r Range[N], n N) int {
		return cmp.Compare(r.Max, n)
	})

	// Absorb every following range that starts at or before the new Max.
	j := i
	for j < len(s.ranges) && s.ranges[j].Min <= nr.Max {
		nr.Min = min(nr.Min, s.ranges[j].Min)
		nr.Max = max(nr.Max, s.ranges[j].Max)
		j++
	}

	s.ranges = slices.Replace(s.ranges, i, j, nr)
	return true
}

// Clear removes every interval.
func (s *Set[N]) Clear() {
	s.ranges = nil
}

// IsEmpty reports whether the set has no intervals.
func (s Set[N]) IsEmpty() bool {
	return len(s.ranges) == 0
}

// Len returns the number of disjoint intervals.
func (s Set[N]) Len() int {
	return len(s.ranges)
}

// Contains reports whether n falls within any interval.
// An empty set contains nothing.
func (s Set[N]) Contains(n N) bool {
	i, found := slices.BinarySearchFunc(s.ranges, n, func(r Range[N], n N) int {
		return cmp.Compare(r.Max, n)
	})
	if found {
		return true
	}
	return i < len(s.ranges) && s.ranges[i].Contains(n)
}

// Allows reports whether n satisfies the constraint expressed by s:
// either s is empty, or it contains n.
func (s Set[N]) Allows(n N) bool {
	return s.IsEmpty() || s.Contains(n)
}

// HasOneValue reports whether the set holds exactly one value.
func (s Set[N]) HasOneValue() bool {
	return len(s.ranges) == 1 && s.ranges[0].Min == s.ranges[0].Max
}

// OneValue returns the single value of a set for which
// [Set.HasOneValue] is true, and panics otherwise.
func (s Set[N]) OneValue() N {
	if !s.HasOneValue() {
		panic(fmt.Errorf("BUG: OneValue called on set %v", s))
	}
	return s.ranges[0].Min
}

// Min returns the smallest value in the set, and false if the set is empty.
func (s Set[N]) Min() (N, bool) {
	if len(s.ranges) == 0 {
		var zero N
		return zero, false
	}
	return s.ranges[0].Min, true
}

// Ranges iterates the intervals in ascending order.
func (s Set[N]) Ranges() iter.Seq[Range[N]] {
	return slices.Values(s.ranges)
}

func (s Set[N]) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
