package caclienttest

import (
	"context"
	"log/slog"
	"testing"

	"github.com/otpgo/clientagent/cabus/cabustest"
	"github.com/otpgo/clientagent/caclient"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/caschema"
	"github.com/otpgo/clientagent/internal/catest"
	"github.com/stretchr/testify/require"
)

// Channel range used by fixtures.
const (
	MinChannel cachannel.Channel = 1000
	MaxChannel cachannel.Channel = 1010
)

// Schema is the schema built by [NewFixture].
// Class A has ID 0 and class B has ID 1.
const Schema = `
classes:
  - name: A
    fields:
      - name: setName
        keywords: [required, broadcast, ram]
        params:
          - {type: string}
      - name: setSecret
        keywords: [ram, ownrecv, ownsend]
        params:
          - {type: uint32}
      - name: setAI
        keywords: [airecv]
        params:
          - {type: uint32}
      - name: setPos
        keywords: [broadcast, clsend]
        params:
          - {type: int16, range: [[-100, 100]]}
  - name: B
    parent: A
    fields:
      - name: setColor
        keywords: [clrecv]
        params:
          - {type: uint8}
`

// Fixture wires a [caclient.Client] to a recording bus and interface.
type Fixture struct {
	Log *slog.Logger

	Cfg caclient.ClientConfig

	Schema  *caschema.Schema
	Tracker *cachannel.Tracker
	Bus     *cabustest.Bus
	Rec     *Recorder
}

// NewFixture returns a fixture with a fresh tracker over
// [MinChannel, MaxChannel) and the [Schema] classes.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	s, err := caschema.Parse([]byte(Schema))
	require.NoError(t, err)

	tr := cachannel.NewTracker(MinChannel, MaxChannel)
	bus := new(cabustest.Bus)
	rec := new(Recorder)

	return &Fixture{
		Log: catest.NewLogger(t),

		Cfg: caclient.ClientConfig{
			Schema:    s,
			Tracker:   tr,
			Bus:       bus,
			Interface: rec,
		},

		Schema:  s,
		Tracker: tr,
		Bus:     bus,
		Rec:     rec,
	}
}

// NewClient starts a client and returns it with its bus participant.
func (f *Fixture) NewClient(t *testing.T, ctx context.Context) (*caclient.Client, *cabustest.Participant) {
	t.Helper()

	c, err := caclient.NewClient(ctx, f.Log, f.Cfg)
	require.NoError(t, err)

	return c, f.Bus.Participant(f.Bus.Len() - 1)
}

// NewEstablishedClient starts a client and moves it to [caclient.StateEstablished].
func (f *Fixture) NewEstablishedClient(t *testing.T, ctx context.Context) (*caclient.Client, *cabustest.Participant) {
	t.Helper()

	c, p := f.NewClient(t, ctx)
	require.NoError(t, c.SetState(ctx, caclient.StateEstablished))
	return c, p
}

// Sync waits until the client has handled everything delivered so far.
func Sync(t *testing.T, ctx context.Context, c *caclient.Client) caclient.Snapshot {
	t.Helper()

	s, err := c.Snapshot(ctx)
	require.NoError(t, err)
	return s
}

// EnterInterest builds the object entry sent in reply to an object query.
func EnterInterest(to cachannel.Channel, query, doID, parent, zone uint32, classID uint16) *cadgram.Datagram {
	return cadgram.New(to, cachannel.ObjectChannel(parent), cadgram.StateServerObjectEnterInterestWithRequired).
		AddUint32(query).AddUint32(doID).AddUint32(parent).AddUint32(zone).AddUint16(classID)
}

// EnterLocation builds an object entry broadcast to a location channel.
func EnterLocation(doID, parent, zone uint32, classID uint16) *cadgram.Datagram {
	return cadgram.New(
		cachannel.LocationChannel(parent, zone), cachannel.ObjectChannel(doID),
		cadgram.StateServerObjectEnterLocationWithRequired,
	).AddUint32(doID).AddUint32(parent).AddUint32(zone).AddUint16(classID)
}

// ZonesCount builds the count that ends an object query.
func ZonesCount(to cachannel.Channel, query, count uint32) *cadgram.Datagram {
	return cadgram.New(to, 0, cadgram.StateServerObjectGetZonesCountResp).
		AddUint32(query).AddUint32(count)
}

// Query is a decoded object query sent by a client.
type Query struct {
	Context      uint32
	Parent, Zone uint32
}

// Queries decodes every object query the participant has sent.
func Queries(t *testing.T, p *cabustest.Participant) []Query {
	t.Helper()

	var out []Query
	for _, dg := range p.SentOfType(cadgram.StateServerObjectGetZoneObjects) {
		it := dg.Iterator()
		q := Query{Context: it.Uint32(), Parent: it.Uint32(), Zone: it.Uint32()}
		require.NoError(t, it.Err())
		require.Equal(t, []cachannel.Channel{cachannel.ObjectChannel(q.Parent)}, dg.Recipients)
		out = append(out, q)
	}
	return out
}
