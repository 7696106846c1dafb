// Package caclient contains [Client], the per-connection state machine of the client agent.
//
// A Client decides which distributed objects its connection may see.
// The connection adds interests, each naming a parent object and a set of zones;
// the client subscribes to the matching location channels on the bus,
// asks the parent for the objects already present,
// and reports through [Interface] when every such object has arrived.
// Bus updates for objects the connection cannot see are never forwarded.
//
// Each Client runs its own goroutine and exclusively owns its state.
// Protocol layers translate their wire format into calls on the Client
// and implement [Interface] to receive its notifications.
package caclient
