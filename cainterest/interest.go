// Package cainterest contains the per-client records of interest management:
// the objects a client can see, the interests that make them visible,
// and the pending operations that report when an interest has been filled.
//
// None of the types here are safe for concurrent use;
// they are owned by a single client goroutine.
package cainterest

import (
	"maps"
	"slices"

	"github.com/otpgo/clientagent/caschema"
)

// ZoneSet is a set of zones under a single parent.
type ZoneSet map[uint32]struct{}

// NewZoneSet returns a set holding zs.
func NewZoneSet(zs ...uint32) ZoneSet {
	s := make(ZoneSet, len(zs))
	for _, z := range zs {
		s[z] = struct{}{}
	}
	return s
}

func (s ZoneSet) Contains(z uint32) bool {
	_, ok := s[z]
	return ok
}

func (s ZoneSet) Add(z uint32) {
	s[z] = struct{}{}
}

func (s ZoneSet) Len() int {
	return len(s)
}

// Sorted returns the zones in ascending order.
func (s ZoneSet) Sorted() []uint32 {
	return slices.Sorted(maps.Keys(s))
}

// Without returns the zones of s that are not in other.
func (s ZoneSet) Without(other ZoneSet) ZoneSet {
	out := make(ZoneSet)
	for z := range s {
		if !other.Contains(z) {
			out.Add(z)
		}
	}
	return out
}

func (s ZoneSet) Clone() ZoneSet {
	return maps.Clone(s)
}

// VisibleObject is an object the client currently knows about.
type VisibleObject struct {
	ID     uint32
	Parent uint32
	Zone   uint32

	Class *caschema.Class
}

// Interest is a client's request to see every object
// in a set of zones under one parent.
type Interest struct {
	ID     uint16
	Parent uint32
	Zones  ZoneSet
}

// Covers reports whether the interest includes (parent, zone).
func (i Interest) Covers(parent, zone uint32) bool {
	return i.Parent == parent && i.Zones.Contains(zone)
}
