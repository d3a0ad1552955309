// ABOUTME: Lockstep embedding API
// ABOUTME: SyncServer orchestrator and SyncClient state machine
// Package lockstep coordinates sample-accurate media playback across a
// fleet of devices.
//
// A SyncServer owns the playlist and publishes a SyncInfo document over
// the control plane; every SyncClient locks onto the shared reference
// clock, derives when each track should have started and drives its local
// media pipeline to render at exactly that timeline, fast-seeking to catch
// up when it joins mid-stream.
//
// Example server:
//
//	srv := lockstep.NewServer(lockstep.ServerConfig{Address: "0.0.0.0", Port: 3695})
//	srv.SetPlaylist(protocol.NewPlaylist([]protocol.Track{{URI: "file:///a.mp4", Duration: 60e9}}))
//	err := srv.Start()
//
// Example client:
//
//	cli := lockstep.NewClient(lockstep.ClientConfig{
//		Address:  "192.0.2.10",
//		Port:     3695,
//		Pipeline: pipeline.NewMP3(),
//	})
//	err := cli.Start()
package lockstep
