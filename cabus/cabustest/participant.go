package cabustest

import (
	"slices"
	"sync"

	"github.com/otpgo/clientagent/cabus"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/capubsub"
)

// Participant is a [cabus.Participant] that records every call,
// so tests can assert on subscriptions and sent datagrams.
//
// Use [*Participant.Deliver] to place a datagram in its inbox.
type Participant struct {
	mu sync.Mutex

	head, tail *capubsub.Stream[*cadgram.Datagram]

	subscribed   map[cachannel.Channel]struct{}
	subscribes   []cachannel.Channel
	unsubscribes []cachannel.Channel

	sent        []*cadgram.Datagram
	postRemoves []*cadgram.Datagram

	closed bool
}

var _ cabus.Participant = (*Participant)(nil)

// NewParticipant returns an initialized Participant.
func NewParticipant() *Participant {
	s := capubsub.NewStream[*cadgram.Datagram]()
	return &Participant{
		head: s,
		tail: s,

		subscribed: map[cachannel.Channel]struct{}{},
	}
}

func (p *Participant) Inbox() *capubsub.Stream[*cadgram.Datagram] {
	return p.head
}

// Deliver publishes dg to the participant's inbox.
func (p *Participant) Deliver(dg *cadgram.Datagram) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tail = p.tail.Publish(dg)
}

func (p *Participant) Subscribe(c cachannel.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subscribed[c]; ok {
		return
	}
	p.subscribed[c] = struct{}{}
	p.subscribes = append(p.subscribes, c)
}

func (p *Participant) Unsubscribe(c cachannel.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subscribed[c]; !ok {
		return
	}
	delete(p.subscribed, c)
	p.unsubscribes = append(p.unsubscribes, c)
}

func (p *Participant) AddPostRemove(dg *cadgram.Datagram) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.postRemoves = append(p.postRemoves, dg)
}

func (p *Participant) ClearPostRemoves() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.postRemoves = nil
}

func (p *Participant) Send(dg *cadgram.Datagram) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sent = append(p.sent, dg)
}

func (p *Participant) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for c := range p.subscribed {
		p.unsubscribes = append(p.unsubscribes, c)
	}
	clear(p.subscribed)

	p.sent = append(p.sent, p.postRemoves...)
	p.postRemoves = nil

	p.closed = true
}

// IsSubscribed reports whether c is currently subscribed.
func (p *Participant) IsSubscribed(c cachannel.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.subscribed[c]
	return ok
}

// Subscribes returns every channel newly subscribed, in call order.
func (p *Participant) Subscribes() []cachannel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.subscribes)
}

// Unsubscribes returns every channel unsubscribed, in call order.
func (p *Participant) Unsubscribes() []cachannel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.unsubscribes)
}

// Sent returns every datagram sent so far.
func (p *Participant) Sent() []*cadgram.Datagram {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.sent)
}

// SentOfType filters [*Participant.Sent] by message type.
func (p *Participant) SentOfType(t cadgram.MsgType) []*cadgram.Datagram {
	var out []*cadgram.Datagram
	for _, dg := range p.Sent() {
		if dg.MsgType == t {
			out = append(out, dg)
		}
	}
	return out
}

// PostRemoves returns the registered post-remove datagrams.
func (p *Participant) PostRemoves() []*cadgram.Datagram {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.postRemoves)
}

// IsClosed reports whether Close was called.
func (p *Participant) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}
