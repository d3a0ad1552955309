// ABOUTME: Clock-driven in-memory pipeline
// ABOUTME: Sink-less rendering used by the server orchestrator and by tests
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/lockstep-av/lockstep/pkg/clock"
	"github.com/lockstep-av/lockstep/pkg/protocol"
)

// Fake is a pipeline with no media sink: it advances its position against
// the slaved clock and reports end of stream when the scripted duration of
// the current URI elapses. The server orchestrator uses it to track
// playback and detect track boundaries without decoding anything, and the
// test suite uses it as a controllable double.
type Fake struct {
	mu sync.Mutex

	clk      clock.Clock
	uri      string
	latency  uint64
	baseTime uint64
	state    State

	durations map[string]uint64
	live      map[string]bool

	// posAtStart is the stream position when PLAYING was last entered;
	// startedAt is the clock instant it was entered.
	posAtStart uint64
	startedAt  uint64

	// snapInterval quantises snap-after seeks up to the next multiple,
	// simulating keyframe granularity. Zero means sample-accurate.
	snapInterval uint64

	eosGen    int
	seekCount int
	msgs      chan Message
	closed    bool

	transformMu sync.Mutex
	transform   *protocol.Transform
}

// NewFake creates a fake pipeline slaved to the system clock until
// UseClock replaces it.
func NewFake() *Fake {
	return &Fake{
		clk:       systemClock{},
		durations: make(map[string]uint64),
		live:      make(map[string]bool),
		msgs:      make(chan Message, 32),
	}
}

type systemClock struct{}

func (systemClock) Now() uint64 {
	return uint64(time.Now().UnixNano())
}

// SetTrackDuration scripts the duration the pipeline will report for uri.
func (f *Fake) SetTrackDuration(uri string, duration uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[uri] = duration
}

// MarkLive makes uri behave as a live source (no preroll, no seeking).
func (f *Fake) MarkLive(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[uri] = true
}

// SetSnapInterval sets the simulated keyframe spacing for snap-after
// seeks.
func (f *Fake) SetSnapInterval(interval uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapInterval = interval
}

func (f *Fake) SetURI(uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uri == "" {
		return fmt.Errorf("pipeline: empty uri")
	}
	f.uri = uri
	f.posAtStart = 0
	return nil
}

func (f *Fake) SetLatency(latency uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = latency
}

func (f *Fake) SetBaseTime(baseTime uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseTime = baseTime
}

func (f *Fake) UseClock(c clock.Clock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clk = c
}

func (f *Fake) SetState(s State) (StateResult, error) {
	f.mu.Lock()

	old := f.state
	if old == s {
		f.mu.Unlock()
		return StateChangeSuccess, nil
	}

	f.eosGen++ // invalidate any scheduled end of stream

	switch s {
	case StateNull:
		f.posAtStart = 0
	case StatePaused:
		if old == StatePlaying {
			f.posAtStart = f.positionLocked()
		}
	case StatePlaying:
		f.startedAt = f.clk.Now()
		f.scheduleEOSLocked()
	}

	f.state = s
	live := f.live[f.uri]
	f.mu.Unlock()

	f.emit(Message{Type: MsgStateChanged, Old: old, New: s})

	if s == StatePaused && live {
		return StateChangeNoPreroll, nil
	}
	return StateChangeSuccess, nil
}

// scheduleEOSLocked arms a timer that fires EOS when the scripted duration
// runs out. Callers hold f.mu.
func (f *Fake) scheduleEOSLocked() {
	duration, ok := f.durations[f.uri]
	if !ok || duration == protocol.UnknownDuration {
		return
	}

	remaining := int64(duration) - int64(f.posAtStart)
	if remaining < 0 {
		remaining = 0
	}

	gen := f.eosGen
	time.AfterFunc(time.Duration(remaining), func() {
		f.mu.Lock()
		stale := f.eosGen != gen || f.state != StatePlaying
		f.mu.Unlock()
		if stale {
			return
		}
		f.emit(Message{Type: MsgEOS})
	})
}

func (f *Fake) positionLocked() uint64 {
	if f.state == StatePlaying {
		return f.posAtStart + (f.clk.Now() - f.startedAt)
	}
	return f.posAtStart
}

func (f *Fake) Position() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uri == "" || f.state == StateNull {
		return 0, false
	}
	return f.positionLocked(), true
}

func (f *Fake) Duration() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.durations[f.uri]
	if !ok || d == protocol.UnknownDuration {
		return 0, false
	}
	return d, true
}

func (f *Fake) Seek(pos uint64, flags SeekFlags) bool {
	f.mu.Lock()

	if f.live[f.uri] || f.state == StateNull {
		f.mu.Unlock()
		return false
	}

	if flags&SeekSnapAfter != 0 && f.snapInterval > 0 {
		if rem := pos % f.snapInterval; rem != 0 {
			pos += f.snapInterval - rem
		}
	}

	f.eosGen++
	f.seekCount++
	f.posAtStart = pos
	f.startedAt = f.clk.Now()
	if f.state == StatePlaying {
		f.scheduleEOSLocked()
	}
	f.mu.Unlock()

	f.emit(Message{Type: MsgAsyncDone})
	return true
}

func (f *Fake) Messages() <-chan Message {
	return f.msgs
}

// EmitError injects a bus error, for tests.
func (f *Fake) EmitError(err error) {
	f.emit(Message{Type: MsgError, Err: err})
}

// EmitEOS injects an end-of-stream, for tests driving EOS by hand instead
// of through scripted durations.
func (f *Fake) EmitEOS() {
	f.emit(Message{Type: MsgEOS})
}

func (f *Fake) emit(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.msgs <- msg:
	default:
		// Bus full: drop rather than block the pipeline.
	}
}

func (f *Fake) ApplyTransform(t *protocol.Transform) error {
	f.transformMu.Lock()
	defer f.transformMu.Unlock()
	f.transform = t
	return nil
}

// URI returns the programmed URI, for tests.
func (f *Fake) URI() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uri
}

// BaseTime returns the applied base time, for tests.
func (f *Fake) BaseTime() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseTime
}

// State returns the current state, for tests.
func (f *Fake) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SeekCount returns how many seeks succeeded, for tests.
func (f *Fake) SeekCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seekCount
}

// Transform returns the last applied transform, for tests.
func (f *Fake) Transform() *protocol.Transform {
	f.transformMu.Lock()
	defer f.transformMu.Unlock()
	return f.transform
}

func (f *Fake) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.state = StateNull
	f.eosGen++
	f.mu.Unlock()
	close(f.msgs)
}
