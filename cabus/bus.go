// Package cabus contains the message bus abstractions used by the client agent,
// and [Director], an in-process bus implementation.
//
// Participants attach to a bus, subscribe to channels,
// and receive every datagram addressed to a subscribed channel on their inbox.
// Delivered datagrams are shared between recipients
// and must be treated as read-only.
package cabus

import (
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/capubsub"
)

// Bus is a publish-subscribe fabric addressed by channel.
type Bus interface {
	// Attach creates a new participant.
	// The name is only used for logging.
	Attach(name string) Participant
}

// Participant is a single attachment to a [Bus].
//
// Implementations must be safe for concurrent use,
// although the client agent only calls a participant
// from the goroutine that owns it.
type Participant interface {
	// Subscribe and Unsubscribe are idempotent.
	Subscribe(cachannel.Channel)
	Unsubscribe(cachannel.Channel)

	// AddPostRemove registers a datagram to be sent
	// when the participant is closed.
	// The datagram's sender owns the registration upstream.
	AddPostRemove(*cadgram.Datagram)
	ClearPostRemoves()

	// Send routes the datagram to every subscriber of its recipients,
	// except this participant.
	Send(*cadgram.Datagram)

	// Inbox returns the head of the participant's inbox stream,
	// as of when the participant was attached.
	Inbox() *capubsub.Stream[*cadgram.Datagram]

	// Close releases every subscription and sends the post-remove datagrams.
	// Calling any other method after Close has no effect.
	Close()
}

// Upstream is the outbound half of a connection to another message director.
// A [Director] configured with an Upstream mirrors its aggregate
// subscriptions and post-removes upstream, and forwards every sent datagram.
type Upstream interface {
	AddChannel(cachannel.Channel)
	RemoveChannel(cachannel.Channel)

	// AddPostRemove asks the upstream director to send dg
	// if this connection is lost before ClearPostRemoves(owner).
	AddPostRemove(owner cachannel.Channel, dg *cadgram.Datagram)
	ClearPostRemoves(owner cachannel.Channel)

	Send(*cadgram.Datagram)
}
