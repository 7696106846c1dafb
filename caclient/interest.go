package caclient

import (
	"context"
	"maps"
	"slices"

	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/cainterest"
	"github.com/otpgo/clientagent/caschema"
	"github.com/otpgo/clientagent/internal/catrace"
)

func (c *Client) handleAddInterestRequest(req addInterestRequest) error {
	if c.state != StateEstablished {
		c.disconnect(
			DisconnectAnonymousViolation,
			"Client tried to add an interest before authenticating",
			true,
		)
		return c.checkOpen()
	}
	if req.Interest.Zones.Len() == 0 {
		c.disconnect(DisconnectGeneric, "Client tried to add an interest with no zones", false)
		return c.checkOpen()
	}

	c.addInterest(req.Interest, req.Context, 0)
	return nil
}

func (c *Client) handleRemoveInterestRequest(req removeInterestRequest) error {
	if c.state != StateEstablished {
		c.disconnect(
			DisconnectAnonymousViolation,
			"Client tried to remove an interest before authenticating",
			true,
		)
		return c.checkOpen()
	}

	if !c.removeInterest(req.InterestID, req.Context, 0) {
		c.disconnect(DisconnectGeneric, "Client tried to remove a nonexistent interest", false)
		return c.checkOpen()
	}
	return nil
}

// lookupObject returns the class of a visible object, or nil.
func (c *Client) lookupObject(doID uint32) *caschema.Class {
	if v, ok := c.visible[doID]; ok {
		return v.Class
	}
	return nil
}

// lookupInterests returns the interests covering (parent, zone), ordered by ID.
func (c *Client) lookupInterests(parent, zone uint32) []cainterest.Interest {
	var out []cainterest.Interest
	for _, id := range slices.Sorted(maps.Keys(c.interests)) {
		if i := c.interests[id]; i.Covers(parent, zone) {
			out = append(out, i)
		}
	}
	return out
}

// coveredByOther reports whether any interest other than exclude covers (parent, zone).
func (c *Client) coveredByOther(parent, zone uint32, exclude uint16) bool {
	for id, i := range c.interests {
		if id != exclude && i.Covers(parent, zone) {
			return true
		}
	}
	return false
}

func (c *Client) covered(parent, zone uint32) bool {
	for _, i := range c.interests {
		if i.Covers(parent, zone) {
			return true
		}
	}
	return false
}

func (c *Client) newContext() uint32 {
	ctx := c.nextContext
	c.nextContext++
	return ctx
}

// addInterest stores i, replacing any interest with the same ID.
// Zones the previous version alone covered are closed,
// and zones nothing covered before are opened and queried.
//
// replyTo is nonzero for interests added by another server process.
func (c *Client) addInterest(i cainterest.Interest, clientContext uint32, replyTo cachannel.Channel) {
	i.Zones = i.Zones.Clone()

	newZones := cainterest.NewZoneSet()
	for z := range i.Zones {
		if !c.covered(i.Parent, z) {
			newZones.Add(z)
		}
	}

	if prev, ok := c.interests[i.ID]; ok {
		killed := cainterest.NewZoneSet()
		for z := range prev.Zones {
			if c.coveredByOther(prev.Parent, z, prev.ID) {
				continue
			}
			if prev.Parent != i.Parent || !i.Zones.Contains(z) {
				killed.Add(z)
			}
		}
		c.closeZones(prev.Parent, killed)
	}

	c.interests[i.ID] = i

	if newZones.Len() == 0 {
		c.log.Debug(
			"Interest covers no new zones",
			"interest_id", i.ID, "context", clientContext, "parent", i.Parent,
		)
		c.finishInterest(i.ID, clientContext, replyTo)
		return
	}

	opCtx := c.newContext()
	zones := newZones.Sorted()
	queries := make([]uint32, len(zones))
	for j := range zones {
		queries[j] = c.newContext()
	}

	op := cainterest.NewOperation(i.ID, clientContext, i.Parent, newZones, queries)
	op.ReplyTo = replyTo
	c.pending[opCtx] = op
	for _, q := range queries {
		c.queries[q] = opCtx
	}
	c.metrics.addPending(1)

	_, span := c.tracer.Start(
		context.Background(), "interest.operation",
		catrace.WithAttributes(append(
			catrace.InterestAttrs(i.ID, clientContext, i.Parent, i.Zones.Len(), len(queries)),
			catrace.ChannelAttr("client.channel", uint64(c.channel)),
		)...),
	)
	c.spans[opCtx] = span

	for j, z := range zones {
		c.bus.Subscribe(cachannel.LocationChannel(i.Parent, z))

		c.bus.Send(cadgram.New(
			cachannel.ObjectChannel(i.Parent), c.channel,
			cadgram.StateServerObjectGetZoneObjects,
		).AddUint32(queries[j]).AddUint32(i.Parent).AddUint32(z))
	}
}

// removeInterest closes the zones only the interest covered,
// acknowledges the removal, and forgets the interest.
// It reports false if there was no such interest.
func (c *Client) removeInterest(id uint16, clientContext uint32, replyTo cachannel.Channel) bool {
	i, ok := c.interests[id]
	if !ok {
		return false
	}

	killed := cainterest.NewZoneSet()
	for z := range i.Zones {
		if !c.coveredByOther(i.Parent, z, id) {
			killed.Add(z)
		}
	}
	c.closeZones(i.Parent, killed)

	c.finishInterest(id, clientContext, replyTo)
	delete(c.interests, id)
	return true
}

// closeZones removes every visible object in the given zones
// and unsubscribes from their location channels.
// Owned objects stay known, only losing their entry.
// Pending operations stop waiting on objects in the closed zones.
func (c *Client) closeZones(parent uint32, zones cainterest.ZoneSet) {
	if zones.Len() == 0 {
		return
	}
	defer c.resolveReady()

	for opCtx, op := range c.pending {
		op.CloseZones(parent, zones)
		c.pending[opCtx] = op
	}

	for _, id := range slices.Sorted(maps.Keys(c.visible)) {
		v := c.visible[id]
		if v.Parent != parent || !zones.Contains(v.Zone) {
			continue
		}

		if _, ok := c.seen[id]; ok {
			c.iface.RemoveObject(id)
			delete(c.seen, id)
		}
		if _, ok := c.owned[id]; !ok {
			c.forgetVisible(id)
		}
	}

	for _, z := range zones.Sorted() {
		c.bus.Unsubscribe(cachannel.LocationChannel(parent, z))
	}
}

func (c *Client) addVisible(v cainterest.VisibleObject) {
	if _, ok := c.visible[v.ID]; !ok {
		c.metrics.addVisible(1)
	}
	c.visible[v.ID] = v
}

func (c *Client) forgetVisible(id uint32) {
	if _, ok := c.visible[id]; ok {
		c.metrics.addVisible(-1)
		delete(c.visible, id)
	}
}

// resolveReady completes every ready operation in ascending context order.
func (c *Client) resolveReady() {
	for _, opCtx := range slices.Sorted(maps.Keys(c.pending)) {
		op := c.pending[opCtx]
		if !op.IsReady(c.visible) {
			continue
		}

		delete(c.pending, opCtx)
		for q, o := range c.queries {
			if o == opCtx {
				delete(c.queries, q)
			}
		}
		c.metrics.addPending(-1)

		if span, ok := c.spans[opCtx]; ok {
			span.SetAttributes(catrace.TotalAttr(op.Total()))
			span.End()
			delete(c.spans, opCtx)
		}

		c.finishInterest(op.InterestID, op.ClientContext, op.ReplyTo)
	}
}

// finishInterest reports a completed interest operation.
func (c *Client) finishInterest(interestID uint16, clientContext uint32, replyTo cachannel.Channel) {
	c.metrics.completed()
	c.iface.InterestDone(interestID, clientContext)

	if replyTo != 0 {
		c.bus.Send(cadgram.New(
			replyTo, c.channel, cadgram.ClientAgentDoneInterestResp,
		).AddUint32(clientContext).AddUint16(interestID))
	}
}
