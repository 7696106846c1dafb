package caclient

import "github.com/otpgo/clientagent/caschema"

// Interface is implemented by each client protocol.
// A [Client] calls these methods from its own goroutine,
// one at a time, in the order events must reach the connection.
//
// Payloads are packed field data, passed through without decoding.
type Interface interface {
	// SendDisconnect tells the connection why it is being closed,
	// and then closes it.
	SendDisconnect(reason DisconnectReason, msg string)

	// ForwardDatagram sends a raw, already encoded message to the connection.
	ForwardDatagram(b []byte)

	// Drop closes the connection without any message.
	Drop()

	AddObject(ObjectEntry)
	AddOwnership(ObjectEntry)

	SetField(doID uint32, fieldID uint16, value []byte)
	ChangeLocation(doID, parent, zone uint32)

	RemoveObject(doID uint32)
	RemoveOwnership(doID uint32)

	// InterestDone reports that an interest operation has completed:
	// every object present when the interest was added has been sent.
	InterestDone(interestID uint16, context uint32)
}

// ObjectEntry describes an object entering the connection's view.
type ObjectEntry struct {
	ID     uint32
	Parent uint32
	Zone   uint32

	Class *caschema.Class

	// Packed required fields,
	// followed by the optional fields when WithOther is set.
	Payload   []byte
	WithOther bool
}
