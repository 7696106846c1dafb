package caclient_test

import (
	"context"
	"testing"

	"github.com/otpgo/clientagent/cabus/cabustest"
	"github.com/otpgo/clientagent/caclient"
	"github.com/otpgo/clientagent/caclient/caclienttest"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/cainterest"
	"github.com/stretchr/testify/require"
)

const (
	classA uint16 = 0
	classB uint16 = 1

	parent uint32 = 50
)

func interest(id uint16, zones ...uint32) cainterest.Interest {
	return cainterest.Interest{ID: id, Parent: parent, Zones: cainterest.NewZoneSet(zones...)}
}

func kinds(events []caclienttest.Event) []caclienttest.EventKind {
	out := make([]caclienttest.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestClient_addThenRemoveInterest(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	self := caclienttest.MinChannel
	require.Equal(t, []cachannel.Channel{self}, p.Subscribes())

	require.NoError(t, c.AddInterest(ctx, interest(1, 1, 2), 7))

	qs := caclienttest.Queries(t, p)
	require.Len(t, qs, 2)
	require.Equal(t, uint32(1), qs[0].Zone)
	require.Equal(t, uint32(2), qs[1].Zone)
	require.Equal(t, parent, qs[0].Parent)
	require.NotEqual(t, qs[0].Context, qs[1].Context)

	require.True(t, p.IsSubscribed(cachannel.LocationChannel(parent, 1)))
	require.True(t, p.IsSubscribed(cachannel.LocationChannel(parent, 2)))

	p.Deliver(caclienttest.EnterInterest(self, qs[0].Context, 200, parent, 1, classA))
	p.Deliver(caclienttest.ZonesCount(self, qs[0].Context, 1))
	caclienttest.Sync(t, ctx, c)
	require.Empty(t, fx.Rec.OfKind(caclienttest.EventInterestDone), "zone 2 has not reported")

	p.Deliver(caclienttest.EnterInterest(self, qs[1].Context, 201, parent, 2, classB))
	caclienttest.Sync(t, ctx, c)
	require.Empty(t, fx.Rec.OfKind(caclienttest.EventInterestDone), "zone 2 count is missing")

	p.Deliver(caclienttest.ZonesCount(self, qs[1].Context, 1))
	snap := caclienttest.Sync(t, ctx, c)

	events := fx.Rec.Events()
	require.Equal(t, []caclienttest.EventKind{
		caclienttest.EventAddObject,
		caclienttest.EventAddObject,
		caclienttest.EventInterestDone,
	}, kinds(events))
	require.Equal(t, uint32(200), events[0].DoID)
	require.Equal(t, "A", events[0].Entry.Class.Name)
	require.Equal(t, uint32(201), events[1].DoID)
	require.Equal(t, "B", events[1].Entry.Class.Name)
	require.Equal(t, uint16(1), events[2].InterestID)
	require.Equal(t, uint32(7), events[2].Context)

	require.Zero(t, snap.PendingOperations)
	require.Len(t, snap.Visible, 2)
	require.Equal(t, []uint32{200, 201}, snap.Seen)

	class, err := c.LookupObject(ctx, 201)
	require.NoError(t, err)
	require.Equal(t, "B", class.Name)

	class, err = c.LookupObject(ctx, 999)
	require.NoError(t, err)
	require.Nil(t, class)

	// Now remove it.
	fx.Rec.Reset()
	require.NoError(t, c.RemoveInterest(ctx, 1, 8))

	events = fx.Rec.Events()
	require.Len(t, events, 3)
	removed := []uint32{events[0].DoID, events[1].DoID}
	require.ElementsMatch(t, []uint32{200, 201}, removed)
	require.Equal(t, caclienttest.EventRemoveObject, events[0].Kind)
	require.Equal(t, caclienttest.EventRemoveObject, events[1].Kind)
	require.Equal(t, caclienttest.EventInterestDone, events[2].Kind)
	require.Equal(t, uint32(8), events[2].Context)

	require.Equal(t, []cachannel.Channel{
		cachannel.LocationChannel(parent, 1),
		cachannel.LocationChannel(parent, 2),
	}, p.Unsubscribes())

	snap = caclienttest.Sync(t, ctx, c)
	require.Empty(t, snap.Visible)
	require.Empty(t, snap.Seen)
	require.Empty(t, snap.Interests)
}

// addFilled adds an interest and completes every resulting query
// with the given objects, keyed by zone.
func addFilled(
	t *testing.T, ctx context.Context,
	c *caclient.Client, p *cabustest.Participant,
	i cainterest.Interest, clientCtx uint32, objects map[uint32][]uint32,
) {
	t.Helper()

	before := len(caclienttest.Queries(t, p))
	require.NoError(t, c.AddInterest(ctx, i, clientCtx))

	self := caclienttest.MinChannel
	for _, q := range caclienttest.Queries(t, p)[before:] {
		for _, id := range objects[q.Zone] {
			p.Deliver(caclienttest.EnterInterest(self, q.Context, id, q.Parent, q.Zone, classA))
		}
		p.Deliver(caclienttest.ZonesCount(self, q.Context, uint32(len(objects[q.Zone]))))
	}
	caclienttest.Sync(t, ctx, c)
}

func TestClient_addInterest_alreadyCovered(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	addFilled(t, ctx, c, p, interest(1, 1, 2), 7, map[uint32][]uint32{1: {200}, 2: {201}})
	subs := p.Subscribes()
	fx.Rec.Reset()

	// Re-sending the same interest, and a second interest on covered zones,
	// complete immediately with no further bus traffic.
	require.NoError(t, c.AddInterest(ctx, interest(1, 1, 2), 9))
	require.NoError(t, c.AddInterest(ctx, interest(2, 1), 10))

	require.Len(t, caclienttest.Queries(t, p), 2)
	require.Equal(t, subs, p.Subscribes())

	events := fx.Rec.Events()
	require.Equal(t, []caclienttest.EventKind{
		caclienttest.EventInterestDone,
		caclienttest.EventInterestDone,
	}, kinds(events))
	require.Equal(t, uint32(9), events[0].Context)
	require.Equal(t, uint16(2), events[1].InterestID)
	require.Equal(t, uint32(10), events[1].Context)
}

func TestClient_removeInterest_overlapping(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	addFilled(t, ctx, c, p, interest(1, 1, 2), 7, map[uint32][]uint32{1: {200}, 2: {201}})
	addFilled(t, ctx, c, p, interest(2, 2, 3), 8, map[uint32][]uint32{3: {202}})

	// Only zone 3 was new for the second interest.
	qs := caclienttest.Queries(t, p)
	require.Len(t, qs, 3)
	require.Equal(t, uint32(3), qs[2].Zone)

	is, err := c.LookupInterests(ctx, parent, 2)
	require.NoError(t, err)
	require.Len(t, is, 2)
	require.Equal(t, uint16(1), is[0].ID)
	require.Equal(t, uint16(2), is[1].ID)

	fx.Rec.Reset()
	require.NoError(t, c.RemoveInterest(ctx, 1, 11))

	// Zone 2 is still covered by interest 2.
	events := fx.Rec.Events()
	require.Equal(t, []caclienttest.EventKind{
		caclienttest.EventRemoveObject,
		caclienttest.EventInterestDone,
	}, kinds(events))
	require.Equal(t, uint32(200), events[0].DoID)
	require.Equal(t, []cachannel.Channel{cachannel.LocationChannel(parent, 1)}, p.Unsubscribes())

	snap := caclienttest.Sync(t, ctx, c)
	require.Len(t, snap.Visible, 2)
	require.Contains(t, snap.Visible, uint32(201))
	require.Contains(t, snap.Visible, uint32(202))
}

func TestClient_updateInterest(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	addFilled(t, ctx, c, p, interest(1, 1, 2), 7, map[uint32][]uint32{1: {200}, 2: {201}})
	fx.Rec.Reset()

	// Replace zones {1, 2} with {2, 3}: zone 1 closes, zone 3 opens.
	addFilled(t, ctx, c, p, interest(1, 2, 3), 8, map[uint32][]uint32{3: {202}})

	events := fx.Rec.Events()
	require.Equal(t, []caclienttest.EventKind{
		caclienttest.EventRemoveObject,
		caclienttest.EventAddObject,
		caclienttest.EventInterestDone,
	}, kinds(events))
	require.Equal(t, uint32(200), events[0].DoID)
	require.Equal(t, uint32(202), events[1].DoID)
	require.Equal(t, uint32(8), events[2].Context)

	require.Equal(t, []cachannel.Channel{cachannel.LocationChannel(parent, 1)}, p.Unsubscribes())
	require.True(t, p.IsSubscribed(cachannel.LocationChannel(parent, 3)))
}

func TestClient_supersededOperationStillCompletes(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)
	self := caclienttest.MinChannel

	require.NoError(t, c.AddInterest(ctx, interest(1, 1), 7))
	require.NoError(t, c.AddInterest(ctx, interest(1, 1, 2), 8))

	qs := caclienttest.Queries(t, p)
	require.Len(t, qs, 2)

	// The newer operation finishes first.
	p.Deliver(caclienttest.ZonesCount(self, qs[1].Context, 0))
	p.Deliver(caclienttest.EnterInterest(self, qs[0].Context, 200, parent, 1, classA))
	p.Deliver(caclienttest.ZonesCount(self, qs[0].Context, 1))
	caclienttest.Sync(t, ctx, c)

	done := fx.Rec.OfKind(caclienttest.EventInterestDone)
	require.Len(t, done, 2)
	require.Equal(t, uint32(8), done[0].Context)
	require.Equal(t, uint32(7), done[1].Context)
}

func TestClient_operationCompletesAfterItsZonesClose(t *testing.T) {
	t.Parallel()

	t.Run("replaced interest", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		fx := caclienttest.NewFixture(t)
		c, p := fx.NewEstablishedClient(t, ctx)
		self := caclienttest.MinChannel

		require.NoError(t, c.AddInterest(ctx, interest(1, 1), 7))
		require.NoError(t, c.AddInterest(ctx, interest(1, 2), 8))

		qs := caclienttest.Queries(t, p)
		require.Len(t, qs, 2)
		require.Equal(t, uint32(1), qs[0].Zone)

		// Zone 1 is closed, so its object never becomes visible.
		p.Deliver(caclienttest.EnterInterest(self, qs[0].Context, 200, parent, 1, classA))
		p.Deliver(caclienttest.ZonesCount(self, qs[0].Context, 1))
		p.Deliver(caclienttest.ZonesCount(self, qs[1].Context, 0))
		snap := caclienttest.Sync(t, ctx, c)

		require.Zero(t, snap.PendingOperations)
		require.Empty(t, fx.Rec.OfKind(caclienttest.EventAddObject))

		done := fx.Rec.OfKind(caclienttest.EventInterestDone)
		require.Len(t, done, 2)
		require.Equal(t, uint32(7), done[0].Context)
		require.Equal(t, uint32(8), done[1].Context)
	})

	t.Run("removed interest", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		fx := caclienttest.NewFixture(t)
		c, p := fx.NewEstablishedClient(t, ctx)
		self := caclienttest.MinChannel

		require.NoError(t, c.AddInterest(ctx, interest(1, 1, 2), 7))
		qs := caclienttest.Queries(t, p)
		p.Deliver(caclienttest.EnterInterest(self, qs[0].Context, 200, parent, 1, classA))
		caclienttest.Sync(t, ctx, c)

		require.NoError(t, c.RemoveInterest(ctx, 1, 8))

		p.Deliver(caclienttest.ZonesCount(self, qs[0].Context, 1))
		p.Deliver(caclienttest.ZonesCount(self, qs[1].Context, 2))
		snap := caclienttest.Sync(t, ctx, c)

		require.Zero(t, snap.PendingOperations)
		done := fx.Rec.OfKind(caclienttest.EventInterestDone)
		require.Len(t, done, 2)
		require.Equal(t, uint32(8), done[0].Context)
		require.Equal(t, uint32(7), done[1].Context)
	})
}

func TestClient_duplicateObjectEntry(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)
	self := caclienttest.MinChannel

	require.NoError(t, c.AddInterest(ctx, interest(1, 1), 7))
	q := caclienttest.Queries(t, p)[0]

	// The object is announced on its location and in the query reply.
	p.Deliver(caclienttest.EnterLocation(200, parent, 1, classA))
	p.Deliver(caclienttest.EnterInterest(self, q.Context, 200, parent, 1, classA))
	p.Deliver(caclienttest.ZonesCount(self, q.Context, 1))
	caclienttest.Sync(t, ctx, c)

	require.Len(t, fx.Rec.OfKind(caclienttest.EventAddObject), 1)
	require.Len(t, fx.Rec.OfKind(caclienttest.EventInterestDone), 1)
}

func TestClient_countAnomalies(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)
	self := caclienttest.MinChannel

	require.NoError(t, c.AddInterest(ctx, interest(1, 1, 2), 7))
	qs := caclienttest.Queries(t, p)

	// Unknown query contexts are ignored.
	p.Deliver(caclienttest.ZonesCount(self, 9999, 1))

	p.Deliver(caclienttest.ZonesCount(self, qs[0].Context, 5))
	p.Deliver(caclienttest.ZonesCount(self, qs[0].Context, 5))
	snap := caclienttest.Sync(t, ctx, c)
	require.Equal(t, 1, snap.PendingOperations)

	// None of the five objects arrived,
	// but the duplicate count lets the operation finish
	// once every zone has reported.
	p.Deliver(caclienttest.ZonesCount(self, qs[1].Context, 0))
	snap = caclienttest.Sync(t, ctx, c)
	require.Zero(t, snap.PendingOperations)
	require.Len(t, fx.Rec.OfKind(caclienttest.EventInterestDone), 1)
}

func TestClient_lowerCountThanObjects(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	addFilled(t, ctx, c, p, interest(1, 1), 7, nil)
	fx.Rec.Reset()

	require.NoError(t, c.AddInterest(ctx, interest(2, 2), 8))
	q := caclienttest.Queries(t, p)[1]
	self := caclienttest.MinChannel
	p.Deliver(caclienttest.EnterInterest(self, q.Context, 300, parent, 2, classA))
	p.Deliver(caclienttest.EnterInterest(self, q.Context, 301, parent, 2, classA))
	p.Deliver(caclienttest.ZonesCount(self, q.Context, 1))
	caclienttest.Sync(t, ctx, c)

	done := fx.Rec.OfKind(caclienttest.EventInterestDone)
	require.Len(t, done, 1)
	require.Equal(t, uint32(8), done[0].Context)
}

func TestClient_entriesOutsideInterestDropped(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	addFilled(t, ctx, c, p, interest(1, 1), 7, nil)
	fx.Rec.Reset()

	p.Deliver(caclienttest.EnterLocation(300, parent, 2, classA))
	p.Deliver(caclienttest.EnterLocation(301, parent+1, 1, classA))
	// Unknown class.
	p.Deliver(caclienttest.EnterLocation(302, parent, 1, 77))
	snap := caclienttest.Sync(t, ctx, c)

	require.Empty(t, fx.Rec.Events())
	require.Empty(t, snap.Visible)
}

func TestClient_interestOpsBeforeEstablished(t *testing.T) {
	t.Parallel()

	for _, state := range []caclient.State{caclient.StateNew, caclient.StateAnonymous} {
		t.Run(state.String(), func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			fx := caclienttest.NewFixture(t)
			c, p := fx.NewClient(t, ctx)
			if state == caclient.StateAnonymous {
				require.NoError(t, c.SetState(ctx, state))
			}

			err := c.AddInterest(ctx, interest(1, 1), 7)
			var de caclient.DisconnectedError
			require.ErrorAs(t, err, &de)
			require.Equal(t, caclient.DisconnectAnonymousViolation, de.Reason)

			c.Wait()
			require.ErrorAs(t, c.Err(), &de)

			events := fx.Rec.Events()
			require.Len(t, events, 1)
			require.Equal(t, caclienttest.EventDisconnect, events[0].Kind)
			require.Equal(t, caclient.DisconnectAnonymousViolation, events[0].Reason)

			require.True(t, p.IsClosed())
			require.Zero(t, fx.Tracker.Allocated())
			require.Empty(t, caclienttest.Queries(t, p))

			// Later calls report the same disconnect.
			require.ErrorAs(t, c.RemoveInterest(ctx, 1, 8), &de)
		})
	}
}

func TestClient_invalidInterestRequests(t *testing.T) {
	t.Parallel()

	t.Run("no zones", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		fx := caclienttest.NewFixture(t)
		c, _ := fx.NewEstablishedClient(t, ctx)

		var de caclient.DisconnectedError
		require.ErrorAs(t, c.AddInterest(ctx, interest(1), 7), &de)
		require.Equal(t, caclient.DisconnectGeneric, de.Reason)
	})

	t.Run("remove unknown", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		fx := caclienttest.NewFixture(t)
		c, _ := fx.NewEstablishedClient(t, ctx)

		var de caclient.DisconnectedError
		require.ErrorAs(t, c.RemoveInterest(ctx, 3, 7), &de)
		require.Equal(t, caclient.DisconnectGeneric, de.Reason)
	})
}

func TestClient_SetState_invalid(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, _ := fx.NewClient(t, ctx)

	require.Error(t, c.SetState(ctx, caclient.StateNew))
	require.Error(t, c.SetState(ctx, caclient.StateDisconnected))

	require.NoError(t, c.SetState(ctx, caclient.StateAnonymous))
	require.Equal(t, caclient.StateAnonymous, caclienttest.Sync(t, ctx, c).State)
}

func TestClient_SetState_afterServerEject(t *testing.T) {
	t.Parallel()

	for range 20 {
		ctx, cancel := context.WithCancel(t.Context())
		fx := caclienttest.NewFixture(t)
		c, p := fx.NewClient(t, ctx)

		p.Deliver(cadgram.New(caclienttest.MinChannel, 1, cadgram.ClientAgentEject).
			AddUint16(uint16(caclient.DisconnectGeneric)).AddString("kicked"))

		// The eject is handled before the state change.
		err := c.SetState(ctx, caclient.StateAnonymous)
		var de caclient.DisconnectedError
		require.ErrorAs(t, err, &de)
		require.Equal(t, caclient.DisconnectGeneric, de.Reason)

		c.Wait()
		require.Zero(t, fx.Tracker.Allocated())

		// Nothing is released twice.
		cancel()
		require.ErrorAs(t, c.Err(), &de)
	}
}

func TestClient_contextCancelReleasesResources(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	require.NoError(t, c.AddInterest(ctx, interest(1, 1), 7))
	require.Equal(t, 1, fx.Tracker.Allocated())

	cancel()
	c.Wait()

	require.Error(t, c.Err())
	require.True(t, p.IsClosed())
	require.Zero(t, fx.Tracker.Allocated())

	// No disconnect message for a shutdown.
	require.Empty(t, fx.Rec.OfKind(caclienttest.EventDisconnect))

	// The freed channel is handed out again.
	c2, _ := fx.NewClient(t, t.Context())
	snap := caclienttest.Sync(t, t.Context(), c2)
	require.Equal(t, caclienttest.MinChannel, snap.Channel)
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, p := fx.NewEstablishedClient(t, ctx)

	require.NoError(t, c.Close(ctx, caclient.DisconnectNetworkReadError, "EOF"))
	c.Wait()

	require.Empty(t, fx.Rec.Events())
	require.True(t, p.IsClosed())

	var de caclient.DisconnectedError
	require.ErrorAs(t, c.Err(), &de)
	require.Equal(t, caclient.DisconnectNetworkReadError, de.Reason)

	// Closing again is fine.
	require.NoError(t, c.Close(ctx, caclient.DisconnectGeneric, ""))
}

func TestClient_Disconnect(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)
	c, _ := fx.NewEstablishedClient(t, ctx)

	require.NoError(t, c.Disconnect(ctx, caclient.DisconnectNoHeartbeat, "Server timed out"))
	c.Wait()

	events := fx.Rec.Events()
	require.Len(t, events, 1)
	require.Equal(t, caclient.DisconnectNoHeartbeat, events[0].Reason)
	require.Equal(t, "Server timed out", events[0].Msg)
}

func TestNewClient_exhausted(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fx := caclienttest.NewFixture(t)

	for range caclienttest.MaxChannel - caclienttest.MinChannel {
		fx.NewClient(t, ctx)
	}

	_, err := caclient.NewClient(ctx, fx.Log, fx.Cfg)
	require.ErrorAs(t, err, new(cachannel.ExhaustedError))
}
