package caclient

import (
	"fmt"
	"strconv"
)

// DisconnectReason is the code sent to a client when it is disconnected.
type DisconnectReason uint16

const (
	DisconnectGeneric              DisconnectReason = 1
	DisconnectOversizedDatagram    DisconnectReason = 106
	DisconnectNoHello              DisconnectReason = 107
	DisconnectInvalidMsgType       DisconnectReason = 108
	DisconnectTruncatedDatagram    DisconnectReason = 109
	DisconnectAnonymousViolation   DisconnectReason = 113
	DisconnectForbiddenInterest    DisconnectReason = 115
	DisconnectMissingObject        DisconnectReason = 117
	DisconnectForbiddenField       DisconnectReason = 118
	DisconnectForbiddenRelocate    DisconnectReason = 119
	DisconnectBadVersion           DisconnectReason = 124
	DisconnectBadDCHash            DisconnectReason = 125
	DisconnectFieldConstraint      DisconnectReason = 127
	DisconnectSessionObjectDeleted DisconnectReason = 153
	DisconnectNoHeartbeat          DisconnectReason = 345
	DisconnectNetworkReadError     DisconnectReason = 346
	DisconnectNetworkWriteError    DisconnectReason = 347
)

var reasonNames = map[DisconnectReason]string{
	DisconnectGeneric:              "generic",
	DisconnectOversizedDatagram:    "oversized_datagram",
	DisconnectNoHello:              "no_hello",
	DisconnectInvalidMsgType:       "invalid_msgtype",
	DisconnectTruncatedDatagram:    "truncated_datagram",
	DisconnectAnonymousViolation:   "anonymous_violation",
	DisconnectForbiddenInterest:    "forbidden_interest",
	DisconnectMissingObject:        "missing_object",
	DisconnectForbiddenField:       "forbidden_field",
	DisconnectForbiddenRelocate:    "forbidden_relocate",
	DisconnectBadVersion:           "bad_version",
	DisconnectBadDCHash:            "bad_dchash",
	DisconnectFieldConstraint:      "field_constraint",
	DisconnectSessionObjectDeleted: "session_object_deleted",
	DisconnectNoHeartbeat:          "no_heartbeat",
	DisconnectNetworkReadError:     "network_read_error",
	DisconnectNetworkWriteError:    "network_write_error",
}

// String returns a short snake_case name, suitable as a metric label.
func (r DisconnectReason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return strconv.Itoa(int(r))
}

// DisconnectedError is the error reported by a [Client]
// once it has disconnected.
type DisconnectedError struct {
	Reason  DisconnectReason
	Message string
}

func (e DisconnectedError) Error() string {
	return fmt.Sprintf("client disconnected (%s): %s", e.Reason, e.Message)
}
