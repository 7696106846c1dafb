package calegacy

// MsgType identifies a message on the legacy client protocol.
type MsgType uint16

// Messages in both directions.
const (
	ClientHello     MsgType = 1
	ClientHelloResp MsgType = 2

	// Sent by a client that is leaving.
	ClientDisconnect MsgType = 3

	// Sent to a client before the agent closes the stream.
	ClientEject MsgType = 4

	ClientHeartbeat MsgType = 5

	ClientObjectSetField MsgType = 120
	ClientObjectLeaving  MsgType = 132
	ClientObjectLocation MsgType = 140

	ClientEnterObjectRequired      MsgType = 142
	ClientEnterObjectRequiredOther MsgType = 143

	ClientObjectLeavingOwner MsgType = 161

	ClientEnterObjectRequiredOwner      MsgType = 172
	ClientEnterObjectRequiredOtherOwner MsgType = 173

	ClientAddInterest         MsgType = 200
	ClientAddInterestMultiple MsgType = 201
	ClientRemoveInterest      MsgType = 203
	ClientDoneInterestResp    MsgType = 204
)
