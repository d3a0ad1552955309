// ABOUTME: Sync client playback state machine
// ABOUTME: Consumes SyncInfo, locks the shared clock and aligns the pipeline
package lockstep

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lockstep-av/lockstep/pkg/clock"
	"github.com/lockstep-av/lockstep/pkg/control"
	"github.com/lockstep-av/lockstep/pkg/pipeline"
	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

// DefaultSeekTolerance is the largest position error a joining client
// accepts before issuing an alignment seek.
const DefaultSeekTolerance = uint64(200 * time.Millisecond)

// DefaultClockSyncTimeout bounds how long the client waits for the shared
// clock to synchronise before abandoning the current playback attempt.
const DefaultClockSyncTimeout = 10 * time.Second

// Seek phases. The flag only ever advances NEED -> IN -> DONE for a given
// track; it is atomic because the bus goroutine observes it while the
// update path writes it.
const (
	seekNeed int32 = iota
	seekIn
	seekDone
)

// Phase is the client state machine's observable state.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseConnecting
	PhaseWaitingForClock
	PhaseSeeking
	PhasePlaying
	PhaseLive
	PhasePaused
	PhaseStopped
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseWaitingForClock:
		return "WAITING_FOR_CLOCK"
	case PhaseSeeking:
		return "SEEKING"
	case PhasePlaying:
		return "PLAYING"
	case PhaseLive:
		return "LIVE"
	case PhasePaused:
		return "PAUSED"
	case PhaseStopped:
		return "STOPPED"
	case PhaseIdle:
		return "IDLE"
	}
	return "UNKNOWN"
}

// ClientConfig configures a SyncClient.
type ClientConfig struct {
	// Address and Port locate the control server.
	Address string
	Port    int

	// ID identifies this client to the server. Auto-generated when
	// empty. Uniqueness is not enforced by the server.
	ID string

	// Config is the opaque dictionary sent with the hello.
	Config map[string]any

	// Pipeline renders the media. Nil means a sink-less fake pipeline,
	// useful for headless followers and tests.
	Pipeline pipeline.Pipeline

	// ControlFactory selects the control transport. Nil means TCP.
	ControlFactory control.ClientFactory

	// SeekTolerance overrides DefaultSeekTolerance when non-zero.
	SeekTolerance uint64

	// ClockSyncTimeout overrides DefaultClockSyncTimeout when non-zero.
	ClockSyncTimeout time.Duration

	Logger zerolog.Logger
}

// SyncClient attaches to a SyncServer and drives its pipeline so the
// local render position tracks the fleet. Beyond the last SyncInfo and the
// shared clock the client is stateless: everything it does is derived from
// what the server publishes.
type SyncClient struct {
	cfg  ClientConfig
	id   string
	log  zerolog.Logger
	ctl  control.Client
	pipe pipeline.Pipeline
	clk  *clock.Consumer

	// infoMu is the single state-machine lock: it guards the SyncInfo
	// cache and serializes pipeline reconfiguration across the control,
	// clock-wait and bus goroutines.
	infoMu          sync.Mutex
	info            *protocol.SyncInfo
	synchronised    bool
	clockWaitActive bool
	seekOffset      uint64
	lastDuration    uint64

	seekState atomic.Int32
	phase     atomic.Int32

	// OnError fires when the control session fails; the client is
	// stopped state-wise and will not recover on its own. Install
	// before Start.
	OnError func(err error)

	wg      sync.WaitGroup
	started bool
}

// NewClient creates a sync client.
func NewClient(cfg ClientConfig) *SyncClient {
	if cfg.SeekTolerance == 0 {
		cfg.SeekTolerance = DefaultSeekTolerance
	}
	if cfg.ClockSyncTimeout == 0 {
		cfg.ClockSyncTimeout = DefaultClockSyncTimeout
	}

	id := cfg.ID
	if id == "" {
		u := uuid.New()
		id = fmt.Sprintf("sync-client-%x", u[:])
	}

	c := &SyncClient{
		cfg:          cfg,
		id:           id,
		log:          cfg.Logger.With().Str("component", "sync-client").Str("id", id).Logger(),
		pipe:         cfg.Pipeline,
		lastDuration: protocol.UnknownDuration,
	}
	if c.pipe == nil {
		c.pipe = pipeline.NewFake()
	}

	c.seekState.Store(seekNeed)
	c.phase.Store(int32(PhaseInit))
	return c
}

// ID returns the client identity sent with the hello.
func (c *SyncClient) ID() string {
	return c.id
}

// Phase returns the state machine's current phase.
func (c *SyncClient) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *SyncClient) setPhase(p Phase) {
	old := Phase(c.phase.Swap(int32(p)))
	if old != p {
		c.log.Debug().Stringer("from", old).Stringer("to", p).Msg("phase change")
	}
}

// Start connects to the control server and begins following SyncInfo.
func (c *SyncClient) Start() error {
	if c.started {
		return fmt.Errorf("sync client already started")
	}

	factory := c.cfg.ControlFactory
	if factory == nil {
		log := c.cfg.Logger
		factory = func(addr string, port int, hello *protocol.ClientHello) control.Client {
			return control.NewTCPClient(addr, port, hello, log)
		}
	}

	hello := &protocol.ClientHello{ID: c.id, Config: c.cfg.Config}
	c.ctl = factory(c.cfg.Address, c.cfg.Port, hello)
	c.ctl.OnSyncInfo(c.handleSyncInfo)
	c.ctl.OnError(func(err error) {
		c.log.Error().Err(err).Msg("control session lost")
		if c.OnError != nil {
			c.OnError(err)
		}
	})

	c.setPhase(PhaseConnecting)
	if err := c.ctl.Start(); err != nil {
		c.setPhase(PhaseInit)
		return err
	}

	c.started = true
	return nil
}

// handleSyncInfo is the single entry point for server state. The first
// document attaches the shared clock; afterwards it diffs old against new
// and applies the narrowest possible change.
func (c *SyncClient) handleSyncInfo(si *protocol.SyncInfo) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if c.info == nil {
		c.info = si

		c.clk = clock.NewConsumer(si.ClockAddress, si.ClockPort, c.cfg.Logger)
		if err := c.clk.Start(); err != nil {
			c.log.Error().Err(err).Msg("could not start clock consumer")
			c.info = nil
			c.clk = nil
			return
		}

		c.pipe.UseClock(c.clk)

		c.wg.Add(1)
		go c.busLoop()

		// Hold off programming the pipeline until the clock locks;
		// base times are meaningless before that.
		c.startClockWaitLocked()
		return
	}

	old := c.info
	c.info = si

	if !c.synchronised {
		if !c.clockWaitActive {
			c.startClockWaitLocked()
		}
		return
	}

	switch {
	case old.Stopped != si.Stopped:
		c.log.Info().Bool("stopped", si.Stopped).Msg("stop state change")
		c.pipe.SetState(pipeline.StateNull)
		c.updatePipeline(false)

	case old.Playlist.CurrentTrack() != si.Playlist.CurrentTrack():
		c.log.Info().
			Uint64("from", old.Playlist.CurrentTrack()).
			Uint64("to", si.Playlist.CurrentTrack()).
			Msg("track change")
		c.pipe.SetState(pipeline.StateNull)
		c.updatePipeline(false)

	case old.Paused != si.Paused:
		c.log.Info().Bool("paused", si.Paused).Msg("pause state change")
		if !si.Paused {
			c.setBaseTimeLocked()
		}
		if si.Paused {
			c.pipe.SetState(pipeline.StatePaused)
			c.setPhase(PhasePaused)
		} else {
			c.pipe.SetState(pipeline.StatePlaying)
			c.setPhase(PhasePlaying)
		}

	case old.BaseTime != si.BaseTime:
		c.log.Info().
			Uint64("from", old.BaseTime).
			Uint64("to", si.BaseTime).
			Msg("base time change")
		c.pipe.SetState(pipeline.StateNull)
		c.updatePipeline(false)

	default:
		// Playlist edits beyond the cursor, latency or transform tweaks:
		// reapply parameters without disturbing playback.
		c.pipe.SetLatency(si.Latency)
		c.applyTransformLocked()
	}
}

// startClockWaitLocked arms a bounded wait for clock synchronisation.
// Callers hold c.infoMu.
func (c *SyncClient) startClockWaitLocked() {
	c.clockWaitActive = true
	c.setPhase(PhaseWaitingForClock)

	consumer := c.clk
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		err := consumer.WaitForSync(c.cfg.ClockSyncTimeout)

		c.infoMu.Lock()
		defer c.infoMu.Unlock()
		c.clockWaitActive = false

		if err != nil {
			// Abort this attempt; the next SyncInfo update re-arms the
			// wait.
			c.log.Warn().Err(err).Msg("clock did not synchronise")
			return
		}

		c.log.Info().Msg("clock synchronised, starting playback")
		c.synchronised = true
		c.updatePipeline(false)
	}()
}

// updatePipeline programs the pipeline for the current track. With advance
// it first moves the local cursor past the finished track, mirroring the
// accounting the server will publish, which saves a network round trip of
// silence between tracks. Callers hold c.infoMu.
func (c *SyncClient) updatePipeline(advance bool) {
	if advance {
		pl := c.info.Playlist
		cur := pl.CurrentTrack()

		if cur == protocol.NoTrack || cur+1 >= pl.NumTracks() {
			// Last track finished; the server announces end of playlist.
			return
		}

		d := pl.Duration(cur)
		if d == protocol.UnknownDuration {
			d = c.lastDuration
		}
		if d == protocol.UnknownDuration {
			// No way to know how far to skip forward; wait for the
			// server's reset.
			return
		}

		si := c.info.Copy()
		si.Playlist = pl.WithCurrentTrack(cur + 1)
		si.BaseTimeOffset = c.info.BaseTimeOffset + d + c.info.StreamStartDelay
		c.info = si
	}

	uri, ok := c.info.Playlist.CurrentURI()
	if !ok {
		// End of playlist: stay idle until a new one arrives.
		c.pipe.SetState(pipeline.StateNull)
		c.setPhase(PhaseIdle)
		return
	}

	if err := c.pipe.SetURI(uri); err != nil {
		c.log.Error().Err(err).Str("uri", uri).Msg("could not program pipeline uri")
		return
	}
	c.pipe.SetLatency(c.info.Latency)
	c.applyTransformLocked()

	if c.info.Stopped {
		if _, err := c.pipe.SetState(pipeline.StateNull); err != nil {
			c.log.Warn().Err(err).Msg("error while stopping pipeline")
		}
		c.setPhase(PhaseStopped)
		return
	}

	res, err := c.pipe.SetState(pipeline.StatePaused)
	if err != nil {
		c.log.Warn().Err(err).Str("uri", uri).Msg("could not play uri")
		return
	}
	isLive := res == pipeline.StateChangeNoPreroll
	if isLive {
		c.log.Debug().Msg("detected live pipeline")
	}

	c.seekOffset = 0
	if isLive {
		// Live sources render now by definition; there is nothing to
		// seek to.
		c.seekState.Store(seekDone)
	} else {
		c.seekState.Store(seekNeed)
	}

	if !c.info.Paused {
		c.setBaseTimeLocked()
		c.pipe.SetState(pipeline.StatePlaying)
		if isLive {
			c.setPhase(PhaseLive)
		} else {
			// The alignment check on the PAUSED->PLAYING edge moves the
			// phase on to PLAYING once it has seeked or decided not to.
			c.setPhase(PhaseSeeking)
		}
	} else {
		c.setPhase(PhasePaused)
	}
}

// setBaseTimeLocked applies the fleet base time plus the local post-seek
// correction. Callers hold c.infoMu.
func (c *SyncClient) setBaseTimeLocked() {
	base := c.info.BaseTime + c.info.BaseTimeOffset + c.seekOffset
	c.log.Debug().
		Uint64("base-time", c.info.BaseTime).
		Uint64("base-time-offset", c.info.BaseTimeOffset).
		Uint64("seek-offset", c.seekOffset).
		Msg("updating base time")
	c.pipe.SetBaseTime(base)
}

// applyTransformLocked routes this client's transform, if any, to the
// pipeline. Callers hold c.infoMu.
func (c *SyncClient) applyTransformLocked() {
	ta, ok := c.pipe.(pipeline.TransformApplier)
	if !ok {
		return
	}

	var t *protocol.Transform
	if c.info.Transforms != nil {
		t = c.info.Transforms[c.id]
	}
	if err := ta.ApplyTransform(t); err != nil {
		c.log.Warn().Err(err).Msg("could not apply transform")
	}
}

// busLoop consumes pipeline messages: the PAUSED->PLAYING edge triggers
// the fast-seek alignment, async-done completes it, EOS advances the
// playlist locally.
func (c *SyncClient) busLoop() {
	defer c.wg.Done()

	for msg := range c.pipe.Messages() {
		switch msg.Type {
		case pipeline.MsgStateChanged:
			c.handleStateChanged(msg)

		case pipeline.MsgAsyncDone:
			c.handleAsyncDone()

		case pipeline.MsgEOS:
			c.log.Info().Msg("end of stream, advancing locally")
			c.pipe.SetState(pipeline.StateNull)
			c.infoMu.Lock()
			c.updatePipeline(true)
			c.infoMu.Unlock()

		case pipeline.MsgError:
			// Give up on aligning this track and wait for the server to
			// publish something new.
			c.log.Error().Err(msg.Err).Msg("pipeline error")
			c.seekState.Store(seekDone)
		}
	}
}

// handleStateChanged performs the one-shot alignment check on the first
// transition into PLAYING for a seekable pipeline.
func (c *SyncClient) handleStateChanged(msg pipeline.Message) {
	if c.seekState.Load() != seekNeed {
		return
	}
	if msg.Old != pipeline.StatePaused || msg.New != pipeline.StatePlaying {
		return
	}

	now := c.clk.Now()
	c.seekState.Store(seekIn)

	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	curPos := int64(now) - int64(c.info.BaseTime) - int64(c.info.BaseTimeOffset)

	if curPos > int64(c.cfg.SeekTolerance) {
		// Skip ahead to now to minimise clipping for a mid-stream join.
		c.log.Info().Dur("position", time.Duration(curPos)).Msg("seeking to catch up")
		c.setPhase(PhaseSeeking)

		if !c.pipe.Seek(uint64(curPos), pipeline.SeekFlush|pipeline.SeekKeyUnit|pipeline.SeekSnapAfter) {
			// Accept the larger initial skew rather than stall.
			c.log.Warn().Msg("could not perform seek")
			c.seekState.Store(seekDone)
			c.setPhase(PhasePlaying)
		}
	} else {
		c.log.Debug().Msg("within seek tolerance, not seeking")
		c.seekState.Store(seekDone)
		c.setPhase(PhasePlaying)
	}

	if d, ok := c.pipe.Duration(); ok {
		c.lastDuration = d
	} else {
		c.lastDuration = protocol.UnknownDuration
	}
}

// handleAsyncDone reacquires the base time after a seek lands. The decoder
// may have snapped past the requested position, so the actual position is
// queried and folded into the base time as the seek offset.
func (c *SyncClient) handleAsyncDone() {
	if c.seekState.Load() != seekIn {
		return
	}

	if pos, ok := c.pipe.Position(); ok {
		c.infoMu.Lock()
		c.seekOffset = pos
		c.log.Info().Dur("seek-offset", time.Duration(pos)).Msg("seek landed")
		c.setBaseTimeLocked()
		c.infoMu.Unlock()
	}

	c.seekState.Store(seekDone)
	c.setPhase(PhasePlaying)
}

// Stop disconnects, disposes the pipeline and releases the clock.
func (c *SyncClient) Stop() {
	if !c.started {
		return
	}
	c.started = false

	c.ctl.Stop()
	c.pipe.SetState(pipeline.StateNull)
	c.pipe.Close()
	if c.clk != nil {
		c.clk.Stop()
	}
	c.wg.Wait()

	c.setPhase(PhaseInit)
	c.log.Info().Msg("sync client stopped")
}
