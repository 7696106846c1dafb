package caclient

import (
	"github.com/otpgo/clientagent/cainterest"
	"github.com/otpgo/clientagent/caschema"
)

type setStateRequest struct {
	State State

	Resp chan error
}

type addInterestRequest struct {
	Interest cainterest.Interest
	Context  uint32

	Resp chan error
}

type removeInterestRequest struct {
	InterestID uint16
	Context    uint32

	Resp chan error
}

type sendFieldRequest struct {
	DoID    uint32
	FieldID uint16
	Value   []byte

	Resp chan error
}

type disconnectRequest struct {
	Reason DisconnectReason
	Msg    string

	// When false, the connection is already gone
	// and is not told about the disconnect.
	Notify bool

	Resp chan error
}

type lookupObjectRequest struct {
	DoID uint32

	Resp chan *caschema.Class
}

type lookupInterestsRequest struct {
	Parent, Zone uint32

	Resp chan []cainterest.Interest
}

type snapshotRequest struct {
	Resp chan Snapshot
}
