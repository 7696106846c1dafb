package catest

import (
	"hash/fnv"
	"math/rand/v2"
	"testing"
)

// RandomDataForTest returns sz pseudorandom bytes.
// The same test always gets the same bytes.
func RandomDataForTest(t testing.TB, sz int) []byte {
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Name()))
	r := rand.New(rand.NewPCG(h.Sum64(), uint64(sz)))

	out := make([]byte, sz)
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}
