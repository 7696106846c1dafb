package caclient

import (
	"fmt"

	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/cainterest"
)

func (c *Client) handleDatagram(dg *cadgram.Datagram) {
	it := dg.Iterator()

	switch dg.MsgType {
	case cadgram.StateServerObjectEnterLocationWithRequired:
		c.handleObjectEntry(it, false, false)
	case cadgram.StateServerObjectEnterLocationWithRequiredOther:
		c.handleObjectEntry(it, false, true)
	case cadgram.StateServerObjectEnterInterestWithRequired:
		c.handleObjectEntry(it, true, false)
	case cadgram.StateServerObjectEnterInterestWithRequiredOther:
		c.handleObjectEntry(it, true, true)

	case cadgram.StateServerObjectGetZonesCountResp:
		c.handleZonesCount(it)

	case cadgram.StateServerObjectEnterOwnerWithRequired:
		c.handleOwnerEntry(it, false)
	case cadgram.StateServerObjectEnterOwnerWithRequiredOther:
		c.handleOwnerEntry(it, true)

	case cadgram.StateServerObjectSetField:
		c.handleSetField(dg.Sender, it)
	case cadgram.StateServerObjectChangingLocation:
		c.handleChangingLocation(it)
	case cadgram.StateServerObjectChangingOwner:
		c.handleChangingOwner(it)
	case cadgram.StateServerObjectDeleteRAM:
		c.handleDeleteRAM(it)

	case cadgram.ClientAgentSetState:
		s := State(it.Uint16())
		if it.Err() == nil {
			if s == StateNew || s >= StateDisconnected {
				c.log.Warn("Ignoring request for invalid state", "state", s, "sender", dg.Sender)
				return
			}
			c.setState(s)
		}
	case cadgram.ClientAgentSetClientID:
		c.handleSetClientID(it)
	case cadgram.ClientAgentSendDatagram:
		c.iface.ForwardDatagram(it.Remaining())
	case cadgram.ClientAgentEject:
		reason := DisconnectReason(it.Uint16())
		msg := it.Str()
		if it.Err() == nil {
			c.disconnect(reason, msg, false)
		}
	case cadgram.ClientAgentDrop:
		c.log.Info("Dropping connection at server request", "sender", dg.Sender)
		c.iface.Drop()
		c.teardown(DisconnectedError{Reason: DisconnectGeneric, Message: "dropped by server"})

	case cadgram.ClientAgentDeclareObject:
		doID := it.Uint32()
		classID := it.Uint16()
		if it.Err() == nil {
			c.handleDeclareObject(doID, classID)
		}
	case cadgram.ClientAgentUndeclareObject:
		doID := it.Uint32()
		if it.Err() == nil {
			delete(c.declared, doID)
		}
	case cadgram.ClientAgentAddSessionObject:
		doID := it.Uint32()
		if it.Err() == nil {
			c.log.Debug("Added session object", "do_id", doID)
			c.session[doID] = struct{}{}
		}
	case cadgram.ClientAgentRemoveSessionObject:
		doID := it.Uint32()
		if it.Err() == nil {
			delete(c.session, doID)
		}

	case cadgram.ClientAgentOpenChannel:
		ch := it.Channel()
		if it.Err() == nil {
			c.bus.Subscribe(ch)
		}
	case cadgram.ClientAgentCloseChannel:
		ch := it.Channel()
		if it.Err() == nil {
			c.bus.Unsubscribe(ch)
		}
	case cadgram.ClientAgentAddPostRemove:
		c.handleAddPostRemove(it)
	case cadgram.ClientAgentClearPostRemoves:
		c.bus.ClearPostRemoves()

	case cadgram.ClientAgentAddInterest:
		c.handleServerAddInterest(dg.Sender, it, false)
	case cadgram.ClientAgentAddInterestMultiple:
		c.handleServerAddInterest(dg.Sender, it, true)
	case cadgram.ClientAgentRemoveInterest:
		reqCtx := it.Uint32()
		id := it.Uint16()
		if it.Err() == nil && !c.removeInterest(id, reqCtx, dg.Sender) {
			c.log.Warn("Server tried to remove a nonexistent interest", "interest_id", id, "sender", dg.Sender)
		}

	default:
		c.log.Warn("Dropping datagram with unhandled message type", "msg_type", dg.MsgType, "sender", dg.Sender)
		return
	}

	if err := it.Err(); err != nil {
		c.log.Warn("Dropping truncated datagram", "msg_type", dg.MsgType, "sender", dg.Sender, "err", err)
	}
}

func (c *Client) handleObjectEntry(it *cadgram.Iterator, withContext, withOther bool) {
	var queryCtx uint32
	if withContext {
		queryCtx = it.Uint32()
	}
	doID := it.Uint32()
	parent := it.Uint32()
	zone := it.Uint32()
	classID := it.Uint16()
	payload := it.Remaining()
	if it.Err() != nil {
		return
	}

	class := c.schema.Class(classID)
	if class == nil {
		c.log.Warn("Dropping object entry with unknown class", "do_id", doID, "class_id", classID)
		return
	}

	_, owned := c.owned[doID]
	if !owned && !c.covered(parent, zone) {
		c.log.Debug(
			"Dropping object entry outside of interest",
			"do_id", doID, "parent", parent, "zone", zone, "query", queryCtx,
		)
		return
	}

	if _, ok := c.seen[doID]; !ok {
		c.addVisible(cainterest.VisibleObject{ID: doID, Parent: parent, Zone: zone, Class: class})
		c.seen[doID] = struct{}{}
		c.iface.AddObject(ObjectEntry{
			ID: doID, Parent: parent, Zone: zone,
			Class:     class,
			Payload:   payload,
			WithOther: withOther,
		})
	}

	c.resolveReady()
}

func (c *Client) handleZonesCount(it *cadgram.Iterator) {
	queryCtx := it.Uint32()
	count := it.Uint32()
	if it.Err() != nil {
		return
	}

	opCtx, ok := c.queries[queryCtx]
	if !ok {
		c.log.Warn("Received object count for unknown query", "query", queryCtx, "count", count)
		return
	}

	op := c.pending[opCtx]
	if err := op.StoreTotal(queryCtx, count); err != nil {
		c.log.Warn("Anomalous object count", "query", queryCtx, "operation", opCtx, "err", err)
	}
	c.pending[opCtx] = op

	c.resolveReady()
}

func (c *Client) handleOwnerEntry(it *cadgram.Iterator, withOther bool) {
	doID := it.Uint32()
	parent := it.Uint32()
	zone := it.Uint32()
	classID := it.Uint16()
	payload := it.Remaining()
	if it.Err() != nil {
		return
	}

	class := c.schema.Class(classID)
	if class == nil {
		c.log.Warn("Dropping owner entry with unknown class", "do_id", doID, "class_id", classID)
		return
	}

	c.owned[doID] = struct{}{}
	if _, ok := c.visible[doID]; !ok {
		c.addVisible(cainterest.VisibleObject{ID: doID, Parent: parent, Zone: zone, Class: class})
	}

	c.iface.AddOwnership(ObjectEntry{
		ID: doID, Parent: parent, Zone: zone,
		Class:     class,
		Payload:   payload,
		WithOther: withOther,
	})
}

func (c *Client) handleSetField(sender cachannel.Channel, it *cadgram.Iterator) {
	doID := it.Uint32()
	fieldID := it.Uint16()
	value := it.Remaining()
	if it.Err() != nil {
		return
	}

	if sender == c.channel {
		// Our own update, echoed back by the object.
		return
	}

	class := c.lookupObject(doID)
	if class == nil {
		class = c.declared[doID]
	}
	if class == nil {
		c.log.Debug("Dropping field update for unknown object", "do_id", doID, "field_id", fieldID)
		return
	}

	field := class.Field(fieldID)
	if field == nil {
		c.log.Warn(
			"Dropping field update for field not on class",
			"do_id", doID, "field_id", fieldID, "class", class.Name,
		)
		return
	}

	_, owned := c.owned[doID]
	if !field.ClientReceives(owned) {
		return
	}

	c.iface.SetField(doID, fieldID, value)
}

func (c *Client) handleChangingLocation(it *cadgram.Iterator) {
	doID := it.Uint32()
	newParent := it.Uint32()
	newZone := it.Uint32()
	if it.Err() != nil {
		return
	}

	v, ok := c.visible[doID]
	if !ok {
		c.log.Debug("Dropping location change for unknown object", "do_id", doID)
		return
	}

	_, owned := c.owned[doID]
	_, seen := c.seen[doID]

	if !owned && !c.covered(newParent, newZone) {
		if seen {
			c.iface.RemoveObject(doID)
			delete(c.seen, doID)
		}
		c.forgetVisible(doID)
		return
	}

	v.Parent = newParent
	v.Zone = newZone
	c.visible[doID] = v

	if seen || owned {
		c.iface.ChangeLocation(doID, newParent, newZone)
	}

	c.resolveReady()
}

func (c *Client) handleChangingOwner(it *cadgram.Iterator) {
	doID := it.Uint32()
	newOwner := it.Channel()
	oldOwner := it.Channel()
	if it.Err() != nil {
		return
	}

	if newOwner == c.channel {
		// Ownership arrives through an owner entry.
		return
	}
	if _, ok := c.owned[doID]; !ok {
		return
	}
	if oldOwner != c.channel {
		c.log.Debug(
			"Ownership change from unexpected owner",
			"do_id", doID, "old_owner", oldOwner, "new_owner", newOwner,
		)
	}

	delete(c.owned, doID)
	c.iface.RemoveOwnership(doID)

	v, ok := c.visible[doID]
	if ok && !c.covered(v.Parent, v.Zone) {
		if _, seen := c.seen[doID]; seen {
			c.iface.RemoveObject(doID)
			delete(c.seen, doID)
		}
		c.forgetVisible(doID)
	}
}

func (c *Client) handleDeleteRAM(it *cadgram.Iterator) {
	doID := it.Uint32()
	if it.Err() != nil {
		return
	}

	if _, ok := c.session[doID]; ok {
		c.disconnect(
			DisconnectSessionObjectDeleted,
			fmt.Sprintf("The session object with id %d has been unexpectedly deleted", doID),
			false,
		)
		return
	}

	if _, ok := c.seen[doID]; ok {
		c.iface.RemoveObject(doID)
		delete(c.seen, doID)
	}
	if _, ok := c.owned[doID]; ok {
		c.iface.RemoveOwnership(doID)
		delete(c.owned, doID)
	}
	c.forgetVisible(doID)
	delete(c.declared, doID)
}

func (c *Client) handleSetClientID(it *cadgram.Iterator) {
	ch := it.Channel()
	if it.Err() != nil {
		return
	}
	if ch == c.channel {
		return
	}

	c.bus.Unsubscribe(c.channel)
	c.log.Info("Changing client channel", "old", uint64(c.channel), "new", uint64(ch))
	c.channel = ch
	c.bus.Subscribe(ch)
}

func (c *Client) handleDeclareObject(doID uint32, classID uint16) {
	class := c.schema.Class(classID)
	if class == nil {
		c.log.Warn("Cannot declare object with unknown class", "do_id", doID, "class_id", classID)
		return
	}
	c.declared[doID] = class
}

func (c *Client) handleAddPostRemove(it *cadgram.Iterator) {
	b := it.Blob()
	if it.Err() != nil {
		return
	}

	dg, err := cadgram.Decode(b)
	if err != nil {
		c.log.Warn("Dropping malformed post-remove datagram", "err", err)
		return
	}
	c.bus.AddPostRemove(dg.Clone())
}

func (c *Client) handleServerAddInterest(sender cachannel.Channel, it *cadgram.Iterator, multiple bool) {
	reqCtx := it.Uint32()
	id := it.Uint16()
	parent := it.Uint32()

	zones := cainterest.NewZoneSet()
	if multiple {
		n := it.Uint16()
		for range n {
			zones.Add(it.Uint32())
		}
	} else {
		zones.Add(it.Uint32())
	}
	if it.Err() != nil {
		return
	}

	if zones.Len() == 0 {
		c.log.Warn("Server tried to add an interest with no zones", "interest_id", id, "sender", sender)
		return
	}

	c.addInterest(cainterest.Interest{ID: id, Parent: parent, Zones: zones}, reqCtx, sender)
}
