// ABOUTME: Control-plane package
// ABOUTME: Session protocol with interchangeable TCP and WebSocket transports
// Package control carries SyncInfo from the coordinator to its clients.
//
// A session is one long-lived connection: the client sends a single
// ClientHello, the server answers with the current SyncInfo and then
// pushes every subsequent state change. Anything the client sends after
// the hello is a protocol error and ends the session.
//
// Two transports implement the same Server/Client contracts: raw TCP with
// newline-delimited JSON (the default) and WebSocket. The sync server and
// client take factories so deployments pick at construction time.
package control
