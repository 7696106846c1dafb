package cadgram

import "strconv"

// MsgType identifies the meaning of a datagram's payload.
type MsgType uint16

// Message director control messages.
// These are only ever addressed to [cachannel.ControlChannel]
// and carry no sender field.
const (
	ControlAddChannel      MsgType = 2001
	ControlRemoveChannel   MsgType = 2002
	ControlAddPostRemove   MsgType = 2010
	ControlClearPostRemove MsgType = 2011
)

// Messages addressed to a client's channel by other server processes.
const (
	ClientAgentSetState            MsgType = 1000
	ClientAgentSetClientID         MsgType = 1001
	ClientAgentSendDatagram        MsgType = 1002
	ClientAgentEject               MsgType = 1004
	ClientAgentDrop                MsgType = 1005
	ClientAgentDeclareObject       MsgType = 1010
	ClientAgentUndeclareObject     MsgType = 1011
	ClientAgentAddSessionObject    MsgType = 1012
	ClientAgentRemoveSessionObject MsgType = 1013
	ClientAgentOpenChannel         MsgType = 1100
	ClientAgentCloseChannel        MsgType = 1101
	ClientAgentAddPostRemove       MsgType = 1110
	ClientAgentClearPostRemoves    MsgType = 1111
	ClientAgentAddInterest         MsgType = 1200
	ClientAgentAddInterestMultiple MsgType = 1201
	ClientAgentRemoveInterest      MsgType = 1203
	ClientAgentDoneInterestResp    MsgType = 1204
)

// Object messages, produced by or sent to the state servers.
const (
	StateServerObjectDeleteRAM                      MsgType = 2007
	StateServerObjectSetField                       MsgType = 2020
	StateServerObjectEnterLocationWithRequired      MsgType = 2042
	StateServerObjectEnterLocationWithRequiredOther MsgType = 2043
	StateServerObjectEnterOwnerWithRequired         MsgType = 2052
	StateServerObjectEnterOwnerWithRequiredOther    MsgType = 2053
	StateServerObjectChangingLocation               MsgType = 2062
	StateServerObjectChangingOwner                  MsgType = 2075
	StateServerObjectGetZoneObjects                 MsgType = 2100
	StateServerObjectGetZonesObjects                MsgType = 2102
	StateServerObjectEnterInterestWithRequired      MsgType = 2109
	StateServerObjectEnterInterestWithRequiredOther MsgType = 2110
	StateServerObjectGetZonesCountResp              MsgType = 2113
)

var msgTypeNames = map[MsgType]string{
	ControlAddChannel:      "CONTROL_ADD_CHANNEL",
	ControlRemoveChannel:   "CONTROL_REMOVE_CHANNEL",
	ControlAddPostRemove:   "CONTROL_ADD_POST_REMOVE",
	ControlClearPostRemove: "CONTROL_CLEAR_POST_REMOVE",

	ClientAgentSetState:            "CLIENTAGENT_SET_STATE",
	ClientAgentSetClientID:         "CLIENTAGENT_SET_CLIENT_ID",
	ClientAgentSendDatagram:        "CLIENTAGENT_SEND_DATAGRAM",
	ClientAgentEject:               "CLIENTAGENT_EJECT",
	ClientAgentDrop:                "CLIENTAGENT_DROP",
	ClientAgentDeclareObject:       "CLIENTAGENT_DECLARE_OBJECT",
	ClientAgentUndeclareObject:     "CLIENTAGENT_UNDECLARE_OBJECT",
	ClientAgentAddSessionObject:    "CLIENTAGENT_ADD_SESSION_OBJECT",
	ClientAgentRemoveSessionObject: "CLIENTAGENT_REMOVE_SESSION_OBJECT",
	ClientAgentOpenChannel:         "CLIENTAGENT_OPEN_CHANNEL",
	ClientAgentCloseChannel:        "CLIENTAGENT_CLOSE_CHANNEL",
	ClientAgentAddPostRemove:       "CLIENTAGENT_ADD_POST_REMOVE",
	ClientAgentClearPostRemoves:    "CLIENTAGENT_CLEAR_POST_REMOVES",
	ClientAgentAddInterest:         "CLIENTAGENT_ADD_INTEREST",
	ClientAgentAddInterestMultiple: "CLIENTAGENT_ADD_INTEREST_MULTIPLE",
	ClientAgentRemoveInterest:      "CLIENTAGENT_REMOVE_INTEREST",
	ClientAgentDoneInterestResp:    "CLIENTAGENT_DONE_INTEREST_RESP",

	StateServerObjectDeleteRAM:                      "STATESERVER_OBJECT_DELETE_RAM",
	StateServerObjectSetField:                       "STATESERVER_OBJECT_SET_FIELD",
	StateServerObjectEnterLocationWithRequired:      "STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED",
	StateServerObjectEnterLocationWithRequiredOther: "STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER",
	StateServerObjectEnterOwnerWithRequired:         "STATESERVER_OBJECT_ENTER_OWNER_WITH_REQUIRED",
	StateServerObjectEnterOwnerWithRequiredOther:    "STATESERVER_OBJECT_ENTER_OWNER_WITH_REQUIRED_OTHER",
	StateServerObjectChangingLocation:               "STATESERVER_OBJECT_CHANGING_LOCATION",
	StateServerObjectChangingOwner:                  "STATESERVER_OBJECT_CHANGING_OWNER",
	StateServerObjectGetZoneObjects:                 "STATESERVER_OBJECT_GET_ZONE_OBJECTS",
	StateServerObjectGetZonesObjects:                "STATESERVER_OBJECT_GET_ZONES_OBJECTS",
	StateServerObjectEnterInterestWithRequired:      "STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED",
	StateServerObjectEnterInterestWithRequiredOther: "STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED_OTHER",
	StateServerObjectGetZonesCountResp:              "STATESERVER_OBJECT_GET_ZONES_COUNT_RESP",
}

func (t MsgType) String() string {
	if n, ok := msgTypeNames[t]; ok {
		return n
	}
	return "MsgType(" + strconv.Itoa(int(t)) + ")"
}
