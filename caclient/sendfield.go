package caclient

import (
	"fmt"

	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
)

func (c *Client) handleSendField(req sendFieldRequest) error {
	if c.state != StateEstablished {
		c.disconnect(
			DisconnectAnonymousViolation,
			"Client tried to update a field before authenticating",
			true,
		)
		return c.checkOpen()
	}

	class := c.lookupObject(req.DoID)
	if class == nil {
		class = c.declared[req.DoID]
	}
	if class == nil {
		c.disconnect(
			DisconnectMissingObject,
			fmt.Sprintf("Client tried to update field of unknown object %d", req.DoID),
			false,
		)
		return c.checkOpen()
	}

	field := class.Field(req.FieldID)
	if field == nil {
		c.disconnect(
			DisconnectForbiddenField,
			fmt.Sprintf("Client tried to update nonexistent field %d of %s(%d)", req.FieldID, class.Name, req.DoID),
			false,
		)
		return c.checkOpen()
	}

	_, owned := c.owned[req.DoID]
	if !field.ClientSends(owned) {
		c.disconnect(
			DisconnectForbiddenField,
			fmt.Sprintf("Client tried to update field %s of %d without permission", field, req.DoID),
			true,
		)
		return c.checkOpen()
	}

	if err := field.ValidateRanges(req.Value); err != nil {
		c.disconnect(
			DisconnectFieldConstraint,
			fmt.Sprintf("Client sent invalid value for field %s of %d: %v", field, req.DoID, err),
			false,
		)
		return c.checkOpen()
	}

	c.bus.Send(cadgram.New(
		cachannel.ObjectChannel(req.DoID), c.channel, cadgram.StateServerObjectSetField,
	).AddUint32(req.DoID).AddUint16(req.FieldID).AddData(req.Value))
	return nil
}
