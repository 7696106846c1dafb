package cachannel_test

import (
	"sync"
	"testing"

	"github.com/otpgo/clientagent/cachannel"
	"github.com/stretchr/testify/require"
)

func TestTracker_allocSequential(t *testing.T) {
	t.Parallel()

	tr := cachannel.NewTracker(1000, 1003)

	for want := cachannel.Channel(1000); want < 1003; want++ {
		c, err := tr.Alloc()
		require.NoError(t, err)
		require.Equal(t, want, c)
	}

	_, err := tr.Alloc()
	require.ErrorIs(t, err, cachannel.ExhaustedError{Min: 1000, Max: 1003})

	require.Equal(t, 3, tr.Allocated())
}

func TestTracker_reusesFreedBeforeExtending(t *testing.T) {
	t.Parallel()

	tr := cachannel.NewTracker(1000, 1010)

	a, err := tr.Alloc()
	require.NoError(t, err)
	b, err := tr.Alloc()
	require.NoError(t, err)
	_, err = tr.Alloc()
	require.NoError(t, err)

	tr.Free(b)
	tr.Free(a)

	// Oldest freed first.
	c, err := tr.Alloc()
	require.NoError(t, err)
	require.Equal(t, b, c)

	c, err = tr.Alloc()
	require.NoError(t, err)
	require.Equal(t, a, c)

	// Queue drained, so the high-water mark moves again.
	c, err = tr.Alloc()
	require.NoError(t, err)
	require.Equal(t, cachannel.Channel(1003), c)
}

func TestTracker_freeAfterExhaustion(t *testing.T) {
	t.Parallel()

	tr := cachannel.NewTracker(1, 3)

	a, err := tr.Alloc()
	require.NoError(t, err)
	_, err = tr.Alloc()
	require.NoError(t, err)

	_, err = tr.Alloc()
	require.Error(t, err)

	tr.Free(a)

	c, err := tr.Alloc()
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestTracker_Free_panics(t *testing.T) {
	t.Parallel()

	t.Run("double free", func(t *testing.T) {
		t.Parallel()

		tr := cachannel.NewTracker(1000, 1010)
		c, err := tr.Alloc()
		require.NoError(t, err)

		tr.Free(c)
		require.Panics(t, func() {
			tr.Free(c)
		})
	})

	t.Run("never allocated", func(t *testing.T) {
		t.Parallel()

		tr := cachannel.NewTracker(1000, 1010)
		require.Panics(t, func() {
			tr.Free(1005)
		})
	})

	t.Run("out of range", func(t *testing.T) {
		t.Parallel()

		tr := cachannel.NewTracker(1000, 1010)
		require.Panics(t, func() {
			tr.Free(2000)
		})
	})
}

func TestNewTracker_emptyRangePanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		_ = cachannel.NewTracker(10, 10)
	})
}

func TestTracker_concurrentAllocNeverDuplicates(t *testing.T) {
	t.Parallel()

	const n = 256
	tr := cachannel.NewTracker(0, n)

	var mu sync.Mutex
	seen := make(map[cachannel.Channel]struct{}, n)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n / 8 {
				c, err := tr.Alloc()
				if err != nil {
					t.Error(err)
					return
				}

				mu.Lock()
				if _, dup := seen[c]; dup {
					t.Errorf("channel %d allocated twice", c)
				}
				seen[c] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	require.Equal(t, n, tr.Allocated())
}

func TestLocationChannel(t *testing.T) {
	t.Parallel()

	require.Equal(t, cachannel.Channel(50<<32|1), cachannel.LocationChannel(50, 1))
	require.NotEqual(t, cachannel.LocationChannel(50, 1), cachannel.LocationChannel(1, 50))
}
