package cabustest

import (
	"slices"
	"sync"

	"github.com/otpgo/clientagent/cabus"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
)

// Upstream records the calls a [cabus.Director] makes to its upstream.
// The zero value is ready to use.
type Upstream struct {
	mu sync.Mutex

	added, removed []cachannel.Channel

	postRemoves map[cachannel.Channel][]*cadgram.Datagram
	cleared     []cachannel.Channel

	sent []*cadgram.Datagram
}

var _ cabus.Upstream = (*Upstream)(nil)

func (u *Upstream) AddChannel(c cachannel.Channel) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.added = append(u.added, c)
}

func (u *Upstream) RemoveChannel(c cachannel.Channel) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.removed = append(u.removed, c)
}

func (u *Upstream) AddPostRemove(owner cachannel.Channel, dg *cadgram.Datagram) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.postRemoves == nil {
		u.postRemoves = map[cachannel.Channel][]*cadgram.Datagram{}
	}
	u.postRemoves[owner] = append(u.postRemoves[owner], dg)
}

func (u *Upstream) ClearPostRemoves(owner cachannel.Channel) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.postRemoves, owner)
	u.cleared = append(u.cleared, owner)
}

func (u *Upstream) Send(dg *cadgram.Datagram) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, dg)
}

func (u *Upstream) Added() []cachannel.Channel {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.added)
}

func (u *Upstream) Removed() []cachannel.Channel {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.removed)
}

// PostRemoves returns the datagrams currently registered for owner.
func (u *Upstream) PostRemoves(owner cachannel.Channel) []*cadgram.Datagram {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.postRemoves[owner])
}

// Cleared returns every owner passed to ClearPostRemoves, in call order.
func (u *Upstream) Cleared() []cachannel.Channel {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.cleared)
}

func (u *Upstream) Sent() []*cadgram.Datagram {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.sent)
}
