package cajson

// Message types sent by clients.
const (
	TypeHello          = "hello"
	TypeHeartbeat      = "heartbeat"
	TypeAddInterest    = "add_interest"
	TypeRemoveInterest = "remove_interest"
	TypeSetField       = "set_field"
	TypeDisconnect     = "disconnect"
)

// Message types sent by the agent.
// [TypeSetField] is used in both directions.
const (
	TypeHelloResp    = "hello_resp"
	TypeEject        = "eject"
	TypeDatagram     = "datagram"
	TypeEnterObject  = "enter_object"
	TypeLocation     = "location"
	TypeLeaveObject  = "leave_object"
	TypeInterestDone = "interest_done"
)

// Message is every message of the protocol.
// Only the fields relevant to Type are set.
// Byte slices are base64 in JSON.
type Message struct {
	Type string `json:"type"`

	// Hello.
	DCHash  uint32 `json:"dc_hash,omitempty"`
	Version string `json:"version,omitempty"`

	// Interests.
	Context    uint32   `json:"context,omitempty"`
	InterestID uint16   `json:"interest_id,omitempty"`
	Parent     uint32   `json:"parent,omitempty"`
	Zone       uint32   `json:"zone,omitempty"`
	Zones      []uint32 `json:"zones,omitempty"`

	// Objects and fields.
	DoID    uint32 `json:"do_id,omitempty"`
	ClassID uint16 `json:"class_id,omitempty"`
	Class   string `json:"class,omitempty"`
	FieldID uint16 `json:"field_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Other   bool   `json:"other,omitempty"`
	Owner   bool   `json:"owner,omitempty"`

	// Opaque datagram from another server process.
	Data []byte `json:"data,omitempty"`

	// Eject.
	Reason  uint16 `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}
