// Package caclienttest contains fixtures for testing [caclient.Client].
package caclienttest

import (
	"slices"
	"sync"

	"github.com/otpgo/clientagent/caclient"
)

// EventKind identifies which [caclient.Interface] method produced an [Event].
type EventKind uint8

const (
	EventDisconnect EventKind = iota + 1
	EventForward
	EventDrop
	EventAddObject
	EventAddOwnership
	EventSetField
	EventChangeLocation
	EventRemoveObject
	EventRemoveOwnership
	EventInterestDone
)

// Event is a single recorded call.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	DoID         uint32
	Parent, Zone uint32
	FieldID      uint16
	Data         []byte

	Entry caclient.ObjectEntry

	Reason caclient.DisconnectReason
	Msg    string

	InterestID uint16
	Context    uint32
}

// Recorder is a [caclient.Interface] that records every call in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ caclient.Interface = (*Recorder)(nil)

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) SendDisconnect(reason caclient.DisconnectReason, msg string) {
	r.add(Event{Kind: EventDisconnect, Reason: reason, Msg: msg})
}

func (r *Recorder) ForwardDatagram(b []byte) {
	r.add(Event{Kind: EventForward, Data: slices.Clone(b)})
}

func (r *Recorder) Drop() {
	r.add(Event{Kind: EventDrop})
}

func (r *Recorder) AddObject(e caclient.ObjectEntry) {
	r.add(Event{Kind: EventAddObject, DoID: e.ID, Parent: e.Parent, Zone: e.Zone, Entry: e})
}

func (r *Recorder) AddOwnership(e caclient.ObjectEntry) {
	r.add(Event{Kind: EventAddOwnership, DoID: e.ID, Parent: e.Parent, Zone: e.Zone, Entry: e})
}

func (r *Recorder) SetField(doID uint32, fieldID uint16, value []byte) {
	r.add(Event{Kind: EventSetField, DoID: doID, FieldID: fieldID, Data: slices.Clone(value)})
}

func (r *Recorder) ChangeLocation(doID, parent, zone uint32) {
	r.add(Event{Kind: EventChangeLocation, DoID: doID, Parent: parent, Zone: zone})
}

func (r *Recorder) RemoveObject(doID uint32) {
	r.add(Event{Kind: EventRemoveObject, DoID: doID})
}

func (r *Recorder) RemoveOwnership(doID uint32) {
	r.add(Event{Kind: EventRemoveOwnership, DoID: doID})
}

func (r *Recorder) InterestDone(interestID uint16, context uint32) {
	r.add(Event{Kind: EventInterestDone, InterestID: interestID, Context: context})
}

// Events returns a copy of every recorded event.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfKind returns the recorded events of the given kind.
func (r *Recorder) OfKind(k EventKind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
