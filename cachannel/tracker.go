package cachannel

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// ExhaustedError is returned from [*Tracker.Alloc]
// when every channel in the tracker's range is in use.
type ExhaustedError struct {
	Min, Max Channel
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("channel range [%d, %d) exhausted", e.Min, e.Max)
}

// Tracker allocates channels from the half-open range [min, max).
//
// Freed channels are queued and handed out again in the order they were freed,
// before the tracker extends its high-water mark.
//
// A single Tracker is shared by every client of an agent,
// so all methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	min, max Channel
	next     Channel

	// FIFO queue of released channels.
	unused []Channel

	// Offsets (channel - min) of every channel currently handed out.
	owned *bitset.BitSet
}

// NewTracker returns a Tracker over [min, max).
// It panics if the range is empty.
func NewTracker(min, max Channel) *Tracker {
	if max <= min {
		panic(fmt.Errorf(
			"BUG: channel tracker range must not be empty (got [%d, %d))",
			min, max,
		))
	}

	return &Tracker{
		min:  min,
		max:  max,
		next: min,

		owned: bitset.New(0),
	}
}

// Alloc returns a channel that is not currently allocated.
// If the range is exhausted, Alloc returns an [ExhaustedError].
func (t *Tracker) Alloc() (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var c Channel
	switch {
	case len(t.unused) > 0:
		c = t.unused[0]
		t.unused[0] = 0
		t.unused = t.unused[1:]
	case t.next < t.max:
		c = t.next
		t.next++
	default:
		return 0, ExhaustedError{Min: t.min, Max: t.max}
	}

	t.owned.Set(uint(c - t.min))
	return c, nil
}

// Free returns c to the pool.
//
// Freeing a channel that is not currently allocated is a programming error,
// and Free panics in that case.
func (t *Tracker) Free(c Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c < t.min || c >= t.max {
		panic(fmt.Errorf(
			"BUG: attempted to free channel %d outside of range [%d, %d)",
			c, t.min, t.max,
		))
	}

	off := uint(c - t.min)
	if !t.owned.Test(off) {
		panic(fmt.Errorf(
			"BUG: attempted to free channel %d which was not allocated", c,
		))
	}

	t.owned.Clear(off)
	t.unused = append(t.unused, c)
}

// Allocated reports how many channels are currently handed out.
func (t *Tracker) Allocated() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return int(t.owned.Count())
}
