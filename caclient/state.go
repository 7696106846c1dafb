package caclient

import "fmt"

// State is the lifecycle state of a [Client].
type State uint8

const (
	// Connected, but no hello received yet.
	StateNew State = iota

	// Hello accepted; not yet authenticated.
	StateAnonymous

	// Authenticated; interest operations are allowed.
	StateEstablished

	// Terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAnonymous:
		return "ANONYMOUS"
	case StateEstablished:
		return "ESTABLISHED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
