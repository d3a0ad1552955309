// ABOUTME: Sync server orchestrator
// ABOUTME: Turns playback intents into SyncInfo mutations and broadcasts them
package lockstep

import (
	"fmt"
	"sync"
	"time"

	"github.com/lockstep-av/lockstep/pkg/clock"
	"github.com/lockstep-av/lockstep/pkg/control"
	"github.com/lockstep-av/lockstep/pkg/pipeline"
	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultLatency is the pipeline latency clients configure unless the
	// server overrides it. Large enough for network buffering plus
	// worst-case audio device latency.
	DefaultLatency = uint64(300 * time.Millisecond)

	// DefaultStreamStartDelay is the grace period between consecutive
	// tracks so slower clients can load before rendering starts.
	DefaultStreamStartDelay = uint64(500 * time.Millisecond)
)

// ServerConfig configures a SyncServer.
type ServerConfig struct {
	// Address and Port are where the control server listens. The same
	// address hosts the clock provider; clients must be able to reach it.
	Address string
	Port    int

	// Latency is the pipeline latency distributed to clients.
	// Defaults to DefaultLatency.
	Latency uint64

	// StreamStartDelay is the inter-track grace period.
	// Defaults to DefaultStreamStartDelay.
	StreamStartDelay uint64

	// ControlFactory selects the control transport. Nil means TCP.
	ControlFactory control.ServerFactory

	// Pipeline is the server's local pipeline, used to follow playback
	// and detect track boundaries. Nil means a sink-less fake pipeline
	// fed the playlist's track durations.
	Pipeline pipeline.Pipeline

	Logger zerolog.Logger
}

// SyncServer publishes the information a fleet of SyncClients needs to
// render the same stream in lockstep. It owns the SyncInfo document: every
// mutation here is published once to the control server, which delivers
// the newest state to every attached session.
type SyncServer struct {
	cfg  ServerConfig
	log  zerolog.Logger
	ctl  control.Server
	clk  *clock.Provider
	pipe pipeline.Pipeline

	// fakePipe is set when the server owns a default fake pipeline and
	// must keep its scripted durations in step with the playlist.
	fakePipe *pipeline.Fake

	// mu guards all orchestrator state below.
	mu             sync.Mutex
	playlist       protocol.Playlist
	transforms     map[string]*protocol.Transform
	baseTime       uint64
	baseTimeOffset uint64
	lastPauseTime  uint64
	lastDuration   uint64
	paused         bool
	stopped        bool
	started        bool

	// OnClientJoined fires when a session completes its hello; the
	// config dictionary is whatever the client sent. OnClientLeft fires
	// on disconnect. OnEndOfStream fires when the current track ends;
	// OnEndOfPlaylist fires when the last one does. Install before
	// Start.
	OnClientJoined  func(id string, config map[string]any)
	OnClientLeft    func(id string)
	OnEndOfStream   func()
	OnEndOfPlaylist func()

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a sync server. The playlist must be installed with
// SetPlaylist before Start.
func NewServer(cfg ServerConfig) *SyncServer {
	if cfg.Latency == 0 {
		cfg.Latency = DefaultLatency
	}
	if cfg.StreamStartDelay == 0 {
		cfg.StreamStartDelay = DefaultStreamStartDelay
	}

	s := &SyncServer{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "sync-server").Logger(),
		pipe:         cfg.Pipeline,
		lastDuration: protocol.UnknownDuration,
		done:         make(chan struct{}),
	}

	if s.pipe == nil {
		fake := pipeline.NewFake()
		s.pipe = fake
		s.fakePipe = fake
	}

	return s
}

// Start binds the control server and the clock provider, programs the
// pipeline with the current playlist and begins broadcasting.
func (s *SyncServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("sync server already started")
	}
	if _, ok := s.playlist.CurrentURI(); !ok {
		return fmt.Errorf("cannot start server without a playlist")
	}

	if s.cfg.ControlFactory == nil {
		log := s.cfg.Logger
		s.cfg.ControlFactory = func(addr string, port int) control.Server {
			return control.NewTCPServer(addr, port, log)
		}
	}

	s.ctl = s.cfg.ControlFactory(s.cfg.Address, s.cfg.Port)
	s.ctl.OnClientJoined(func(id string, config map[string]any) {
		s.log.Info().Str("id", id).Msg("client joined")
		if s.OnClientJoined != nil {
			s.OnClientJoined(id, config)
		}
	})
	s.ctl.OnClientLeft(func(id string) {
		s.log.Info().Str("id", id).Msg("client left")
		if s.OnClientLeft != nil {
			s.OnClientLeft(id)
		}
	})

	if err := s.ctl.Start(); err != nil {
		return err
	}

	s.clk = clock.NewProvider(s.cfg.Address, 0, s.cfg.Logger)
	if err := s.clk.Start(); err != nil {
		s.ctl.Stop()
		return fmt.Errorf("start clock provider: %w", err)
	}

	s.pipe.UseClock(s.clk)
	s.syncFakeDurations()

	s.wg.Add(1)
	go s.busLoop()

	s.started = true
	s.updatePipeline(false)

	return nil
}

// Port returns the control server's bound port, valid after Start.
func (s *SyncServer) Port() int {
	return s.ctl.Port()
}

// ClockPort returns the clock provider's bound port, valid after Start.
func (s *SyncServer) ClockPort() int {
	return s.clk.Port()
}

// SetPlaylist installs a new playlist. If the current track's URI or index
// changes the fleet restarts on the new track; otherwise only the track
// listing is redistributed, so upcoming tracks can be edited without
// disturbing playback.
func (s *SyncServer) SetPlaylist(pl protocol.Playlist) error {
	if _, ok := pl.CurrentURI(); !ok && pl.CurrentTrack() != protocol.NoTrack {
		return fmt.Errorf("playlist cursor %d does not index a track", pl.CurrentTrack())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldURI, _ := s.playlist.CurrentURI()
	oldTrack := s.playlist.CurrentTrack()

	s.playlist = pl
	s.syncFakeDurations()

	if !s.started {
		return nil
	}

	newURI, _ := pl.CurrentURI()
	if oldURI != newURI || oldTrack != pl.CurrentTrack() {
		s.pipe.SetState(pipeline.StateNull)
		s.updatePipeline(false)
	} else {
		s.publish()
	}
	return nil
}

// SetPaused pauses or resumes the whole fleet. Unpausing folds the pause
// duration into the base-time offset so playback resumes exactly where it
// held.
func (s *SyncServer) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused == paused {
		return
	}
	s.paused = paused

	if !s.started {
		return
	}

	if paused {
		s.lastPauseTime = s.clk.Now()
	} else {
		s.baseTimeOffset += s.clk.Now() - s.lastPauseTime
		s.lastPauseTime = 0
		s.log.Debug().
			Uint64("base-time-offset", s.baseTimeOffset).
			Msg("resuming with accumulated offset")
		s.pipe.SetBaseTime(s.baseTime + s.baseTimeOffset)
	}

	if !s.stopped {
		target := pipeline.StatePlaying
		if paused {
			target = pipeline.StatePaused
		}
		if _, err := s.pipe.SetState(target); err != nil {
			s.log.Error().Err(err).Msg("could not change paused state")
		}
	}

	s.publish()
}

// SetStopped stops the fleet or brings it back. Unstopping reuses the
// existing base times, so playback resumes at the position it would have
// reached had it never stopped.
func (s *SyncServer) SetStopped(stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped == stopped {
		return
	}
	s.stopped = stopped

	if !s.started {
		return
	}

	if stopped {
		if _, err := s.pipe.SetState(pipeline.StateNull); err != nil {
			s.log.Error().Err(err).Msg("could not stop pipeline")
		}
	} else {
		if uri, ok := s.playlist.CurrentURI(); ok {
			s.pipe.SetURI(uri)
			s.pipe.SetLatency(s.cfg.Latency)
			s.pipe.SetBaseTime(s.baseTime + s.baseTimeOffset)
			target := pipeline.StatePlaying
			if s.paused {
				target = pipeline.StatePaused
			}
			if _, err := s.pipe.SetState(target); err != nil {
				s.log.Error().Err(err).Msg("could not restart pipeline")
			}
		}
	}

	s.publish()
}

// SetTransforms installs the per-client video transform table distributed
// with the next SyncInfo.
func (s *SyncServer) SetTransforms(transforms map[string]*protocol.Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transforms = transforms
	if s.started {
		s.publish()
	}
}

// updatePipeline programs the pipeline for the current track and publishes
// the resulting SyncInfo. With advance it first accounts the finished
// track into the base-time offset and moves the cursor. Callers hold s.mu.
func (s *SyncServer) updatePipeline(advance bool) {
	if advance {
		cur := s.playlist.CurrentTrack()
		if cur == protocol.NoTrack || cur+1 >= s.playlist.NumTracks() {
			return
		}

		d := s.playlist.Duration(cur)
		if d == protocol.UnknownDuration {
			d = s.lastDuration
		}
		if d == protocol.UnknownDuration {
			// Without a duration there is nothing to offset by; leave
			// the cursor alone until one is known.
			s.log.Warn().Uint64("track", cur).Msg("cannot advance past track of unknown duration")
			return
		}

		s.baseTimeOffset += d + s.cfg.StreamStartDelay
		s.playlist = s.playlist.WithCurrentTrack(cur + 1)
		s.syncFakeDurations()
	}

	uri, ok := s.playlist.CurrentURI()
	if !ok {
		s.publish()
		return
	}

	if err := s.pipe.SetURI(uri); err != nil {
		s.log.Error().Err(err).Str("uri", uri).Msg("could not program pipeline uri")
		return
	}
	s.pipe.SetLatency(s.cfg.Latency)

	if !s.stopped && !s.paused {
		if !advance {
			s.baseTime = s.clk.Now()
			s.baseTimeOffset = 0
			s.log.Debug().Uint64("base-time", s.baseTime).Msg("setting fresh base time")
		}
		s.pipe.SetBaseTime(s.baseTime + s.baseTimeOffset)
	}

	target := pipeline.StatePlaying
	switch {
	case s.stopped:
		target = pipeline.StateNull
	case s.paused:
		target = pipeline.StatePaused
	}
	if _, err := s.pipe.SetState(target); err != nil {
		s.log.Error().Err(err).Str("uri", uri).Msg("could not play uri")
	}

	s.publish()
}

// publish broadcasts the current state. Callers hold s.mu.
func (s *SyncServer) publish() {
	si := protocol.NewSyncInfo()
	si.ClockAddress = s.cfg.Address
	si.ClockPort = uint16(s.clk.Port())
	si.Playlist = s.playlist
	si.BaseTime = s.baseTime
	si.BaseTimeOffset = s.baseTimeOffset
	si.StreamStartDelay = s.cfg.StreamStartDelay
	si.Latency = s.cfg.Latency
	si.Stopped = s.stopped
	si.Paused = s.paused
	si.Transforms = s.transforms

	s.ctl.SetSyncInfo(si)
}

// syncFakeDurations keeps the default fake pipeline's scripted durations
// in step with the playlist. Callers hold s.mu.
func (s *SyncServer) syncFakeDurations() {
	if s.fakePipe == nil {
		return
	}
	for _, t := range s.playlist.Tracks() {
		s.fakePipe.SetTrackDuration(t.URI, t.Duration)
	}
}

// busLoop reacts to the local pipeline: duration discovery, end of stream
// and errors.
func (s *SyncServer) busLoop() {
	defer s.wg.Done()

	for msg := range s.pipe.Messages() {
		switch msg.Type {
		case pipeline.MsgStateChanged:
			if msg.New != pipeline.StatePlaying {
				break
			}
			s.mu.Lock()
			if d, ok := s.pipe.Duration(); ok {
				s.lastDuration = d
			} else {
				s.lastDuration = protocol.UnknownDuration
			}
			s.mu.Unlock()

		case pipeline.MsgEOS:
			s.handleEOS()

		case pipeline.MsgError:
			s.log.Error().Err(msg.Err).Msg("pipeline error")
			s.pipe.SetState(pipeline.StateNull)
		}

		select {
		case <-s.done:
			return
		default:
		}
	}
}

// handleEOS advances to the next track, or parks the fleet at end of
// playlist.
func (s *SyncServer) handleEOS() {
	s.mu.Lock()

	s.pipe.SetState(pipeline.StateNull)

	last := s.playlist.CurrentTrack()+1 >= s.playlist.NumTracks()
	if last {
		s.playlist = s.playlist.WithCurrentTrack(protocol.NoTrack)
		s.publish()
	} else {
		s.updatePipeline(true)
	}
	s.mu.Unlock()

	if s.OnEndOfStream != nil {
		s.OnEndOfStream()
	}
	if last && s.OnEndOfPlaylist != nil {
		s.OnEndOfPlaylist()
	}
}

// Stop disconnects all clients, stops the clock provider and releases the
// pipeline.
func (s *SyncServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.done)

	s.pipe.SetState(pipeline.StateNull)
	s.pipe.Close()
	s.ctl.Stop()
	s.clk.Stop()
	s.wg.Wait()

	s.log.Info().Msg("sync server stopped")
}
