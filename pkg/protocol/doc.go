// ABOUTME: Lockstep wire protocol package
// ABOUTME: Defines the SyncInfo document, playlist model and frame codec
// Package protocol implements the lockstep control-plane wire format.
//
// The server publishes a SyncInfo document describing what every client
// must do right now: which playlist to play, the shared-clock base time
// playback is aligned to, and the pause/stop flags. Clients send a single
// ClientHello when they attach and then only ever read.
//
// Frames are newline-delimited UTF-8 JSON documents, one document per
// line, capped at MaxFrameSize bytes.
//
// Example:
//
//	si := protocol.NewSyncInfo()
//	si.Playlist = protocol.NewPlaylist([]protocol.Track{{URI: "file:///a.mp4", Duration: 60e9}})
//	data, err := si.Marshal()
package protocol
