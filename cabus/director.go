package cabus

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/capubsub"
)

// Director is an in-process [Bus].
//
// Routing happens synchronously inside Send,
// under the director's lock.
// Since inboxes are unbounded streams, routing never waits on a reader.
type Director struct {
	log *slog.Logger

	upstream Upstream

	mu sync.Mutex

	subs map[cachannel.Channel]map[*participant]struct{}
}

// DirectorConfig is the configuration for [NewDirector].
type DirectorConfig struct {
	// Optional upstream director.
	// When nil, the Director is the whole bus.
	Upstream Upstream
}

// NewDirector returns a new Director.
func NewDirector(log *slog.Logger, cfg DirectorConfig) *Director {
	return &Director{
		log: log,

		upstream: cfg.Upstream,

		subs: map[cachannel.Channel]map[*participant]struct{}{},
	}
}

// Attach implements [Bus].
func (d *Director) Attach(name string) Participant {
	inbox := capubsub.NewStream[*cadgram.Datagram]()
	return &participant{
		d:    d,
		log:  d.log.With("participant", name),
		head: inbox,
		tail: inbox,

		channels: map[cachannel.Channel]struct{}{},
	}
}

// Deliver routes dg to local subscribers only.
// It is used for datagrams arriving from an upstream director.
func (d *Director) Deliver(dg *cadgram.Datagram) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.route(dg, nil)
}

// Subscribers returns the number of local participants subscribed to c.
func (d *Director) Subscribers(c cachannel.Channel) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.subs[c])
}

// route must be called with d.mu held.
func (d *Director) route(dg *cadgram.Datagram, from *participant) {
	seen := make(map[*participant]struct{}, 4)
	for _, r := range dg.Recipients {
		for p := range d.subs[r] {
			if p == from {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			p.tail = p.tail.Publish(dg)
		}
	}
}

type participant struct {
	d   *Director
	log *slog.Logger

	head *capubsub.Stream[*cadgram.Datagram]

	// Guarded by d.mu.
	tail        *capubsub.Stream[*cadgram.Datagram]
	channels    map[cachannel.Channel]struct{}
	postRemoves []*cadgram.Datagram
	owners      []cachannel.Channel
	closed      bool
}

func (p *participant) Inbox() *capubsub.Stream[*cadgram.Datagram] {
	return p.head
}

func (p *participant) Subscribe(c cachannel.Channel) {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.closed {
		return
	}
	if _, ok := p.channels[c]; ok {
		return
	}
	p.channels[c] = struct{}{}

	m := d.subs[c]
	if m == nil {
		m = map[*participant]struct{}{}
		d.subs[c] = m
	}
	m[p] = struct{}{}

	if len(m) == 1 && d.upstream != nil {
		d.upstream.AddChannel(c)
	}
}

func (p *participant) Unsubscribe(c cachannel.Channel) {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.closed {
		return
	}
	p.unsubscribeLocked(c)
}

func (p *participant) unsubscribeLocked(c cachannel.Channel) {
	d := p.d
	if _, ok := p.channels[c]; !ok {
		return
	}
	delete(p.channels, c)

	m := d.subs[c]
	delete(m, p)
	if len(m) == 0 {
		delete(d.subs, c)
		if d.upstream != nil {
			d.upstream.RemoveChannel(c)
		}
	}
}

func (p *participant) AddPostRemove(dg *cadgram.Datagram) {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.closed {
		return
	}
	p.postRemoves = append(p.postRemoves, dg)

	// The upstream director keys post-removes by sender,
	// and sends them itself if this process goes away.
	if d.upstream != nil {
		if !slices.Contains(p.owners, dg.Sender) {
			p.owners = append(p.owners, dg.Sender)
		}
		d.upstream.AddPostRemove(dg.Sender, dg)
	}
}

func (p *participant) ClearPostRemoves() {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.closed {
		return
	}
	p.postRemoves = nil
	p.clearUpstreamLocked()
}

func (p *participant) clearUpstreamLocked() {
	d := p.d
	if d.upstream != nil {
		for _, o := range p.owners {
			d.upstream.ClearPostRemoves(o)
		}
	}
	p.owners = nil
}

func (p *participant) Send(dg *cadgram.Datagram) {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.closed {
		p.log.Debug("Dropping datagram sent after close", "msg_type", dg.MsgType)
		return
	}
	p.sendLocked(dg)
}

func (p *participant) sendLocked(dg *cadgram.Datagram) {
	d := p.d
	if d.upstream != nil {
		d.upstream.Send(dg)
	}
	d.route(dg, p)
}

func (p *participant) Close() {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.closed {
		return
	}

	for c := range p.channels {
		p.unsubscribeLocked(c)
	}

	for _, dg := range p.postRemoves {
		p.sendLocked(dg)
	}
	p.postRemoves = nil
	p.clearUpstreamLocked()

	p.closed = true
}
