// ABOUTME: Media pipeline abstraction package
// ABOUTME: Pipeline interface plus fake and MP3 implementations
// Package pipeline defines the media pipeline the sync coordinator drives.
//
// The coordinator never decodes media itself; it programs a Pipeline with
// a URI, a latency and a base time on the shared reference clock, then
// reacts to the pipeline's bus messages. Two implementations ship with the
// library: Fake, a sink-less clock-driven pipeline used by the server
// orchestrator and the tests, and MP3, a local-file player built on go-mp3
// and oto.
//
// Example:
//
//	p := pipeline.NewFake()
//	p.SetURI("file:///a.mp4")
//	p.SetBaseTime(now)
//	p.SetState(pipeline.StatePlaying)
package pipeline
