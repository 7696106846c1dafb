// Package cachannel contains the bus channel type,
// the derivation of location channels,
// and the [Tracker] that hands out per-client channels.
package cachannel

import "fmt"

// Channel is an address on the message bus.
type Channel uint64

// ControlChannel is the reserved channel that the message director
// interprets as subscription control, rather than routing.
const ControlChannel Channel = 4001

// LocationChannel returns the channel that carries
// object-entry, removal and field-update events
// for the given parent and zone.
//
// The parent occupies the upper 32 bits and the zone the lower 32 bits,
// so every (parent, zone) pair maps to a distinct channel.
func LocationChannel(parent, zone uint32) Channel {
	return Channel(uint64(parent)<<32 | uint64(zone))
}

// ObjectChannel returns the channel an object with the given ID listens on.
func ObjectChannel(doID uint32) Channel {
	return Channel(doID)
}

func (c Channel) String() string {
	return fmt.Sprintf("%d", uint64(c))
}
