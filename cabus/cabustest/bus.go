package cabustest

import (
	"sync"

	"github.com/otpgo/clientagent/cabus"
)

// Bus is a [cabus.Bus] that hands out recording [*Participant] values.
// The zero value is ready to use.
type Bus struct {
	mu sync.Mutex

	ps []*Participant
}

var _ cabus.Bus = (*Bus)(nil)

func (b *Bus) Attach(string) cabus.Participant {
	p := NewParticipant()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ps = append(b.ps, p)

	return p
}

// Participant returns the i'th attached participant.
func (b *Bus) Participant(i int) *Participant {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ps[i]
}

// Len returns the number of attached participants.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ps)
}
