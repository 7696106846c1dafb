// Package clientagent contains the core APIs for running a client agent:
// the process that sits between game clients and the object-replication
// cluster, and decides which distributed objects each client can see.
//
// An [Agent] owns the range of channels handed to its clients,
// a connection to the message bus and the object schema.
// It accepts clients over QUIC ([*Agent.ServeQUIC]) using the legacy binary
// protocol, or over websockets ([*Agent.WebsocketHandler]) using JSON,
// and runs a [github.com/otpgo/clientagent/caclient.Client] for each one.
//
// [LoadFileConfig] reads the YAML file used by the clientagent command.
package clientagent
