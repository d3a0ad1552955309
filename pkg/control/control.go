// ABOUTME: Control-plane interfaces shared by the TCP and WebSocket transports
// ABOUTME: Narrow server/client contracts the coordinator drives
package control

import (
	"github.com/lockstep-av/lockstep/pkg/protocol"
)

// Server disseminates SyncInfo to every attached client session. The
// orchestrator is the only writer; each connected client observes the
// broadcast sequence in order and receives every version at most once,
// never after a newer one.
//
// Callbacks must be installed before Start and are invoked from session
// goroutines.
type Server interface {
	// Start binds and begins accepting sessions.
	Start() error

	// Stop closes the listener and every session and waits for the
	// session tasks to finish.
	Stop()

	// SetSyncInfo stores the new state and wakes every session to
	// deliver it.
	SetSyncInfo(si *protocol.SyncInfo)

	// Addr returns the configured listen address.
	Addr() string

	// Port returns the bound port, resolved after Start when the
	// configured port was 0.
	Port() int

	// OnClientJoined installs the handler fired after a session
	// completes its hello.
	OnClientJoined(fn func(id string, config map[string]any))

	// OnClientLeft installs the handler fired when a session ends for
	// any reason after a successful hello.
	OnClientLeft(fn func(id string))
}

// Client attaches to a control server, performs the hello exchange and
// surfaces each received SyncInfo. Connection loss is fatal: the client
// stops and reports through the error handler; reconnecting is the
// embedder's decision.
type Client interface {
	// Start connects, sends the hello and begins reading.
	Start() error

	// Stop disconnects and waits for the read task to finish.
	Stop()

	// SyncInfo returns the last received document, or nil.
	SyncInfo() *protocol.SyncInfo

	// OnSyncInfo installs the handler invoked for every received
	// document, in arrival order. Install before Start.
	OnSyncInfo(fn func(si *protocol.SyncInfo))

	// OnError installs the handler for fatal session errors. Install
	// before Start.
	OnError(fn func(err error))
}

// ServerFactory builds a control server for addr:port. The sync server
// accepts one so deployments can choose the transport.
type ServerFactory func(addr string, port int) Server

// ClientFactory builds a control client for addr:port with the given
// hello.
type ClientFactory func(addr string, port int, hello *protocol.ClientHello) Client
