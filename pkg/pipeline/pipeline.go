// ABOUTME: MediaPipeline abstraction consumed by the sync server and client
// ABOUTME: States, seek flags and the bus message stream
package pipeline

import (
	"github.com/lockstep-av/lockstep/pkg/clock"
	"github.com/lockstep-av/lockstep/pkg/protocol"
)

// State is a pipeline target state.
type State int

const (
	StateNull State = iota
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	}
	return "UNKNOWN"
}

// StateResult describes how a state change completed.
type StateResult int

const (
	// StateChangeSuccess means the transition completed synchronously.
	StateChangeSuccess StateResult = iota
	// StateChangeAsync means the transition will complete later; watch the
	// bus for the StateChanged message.
	StateChangeAsync
	// StateChangeNoPreroll means the source is live: it produces no
	// preroll and cannot be seeked for alignment.
	StateChangeNoPreroll
)

// SeekFlags modify Seek behaviour.
type SeekFlags uint

const (
	// SeekFlush discards queued data so the new position takes effect
	// immediately.
	SeekFlush SeekFlags = 1 << iota
	// SeekKeyUnit lands the seek on a decodable boundary.
	SeekKeyUnit
	// SeekSnapAfter chooses the nearest boundary at or after the
	// requested position.
	SeekSnapAfter
)

// MessageType discriminates bus messages.
type MessageType int

const (
	// MsgClockSynced reports that the pipeline's slaved clock reached
	// synchronisation.
	MsgClockSynced MessageType = iota
	// MsgStateChanged reports a completed state transition.
	MsgStateChanged
	// MsgAsyncDone reports that an asynchronous operation (a flushing
	// seek, an async state change) finished.
	MsgAsyncDone
	// MsgEOS reports end of stream.
	MsgEOS
	// MsgError reports a fatal pipeline error.
	MsgError
)

// Message is a pipeline bus message. Messages are delivered in FIFO order
// with respect to the pipeline that produced them.
type Message struct {
	Type MessageType

	// Old and New are set for MsgStateChanged.
	Old, New State

	// Err is set for MsgError.
	Err error
}

// Pipeline is the abstract media pipeline the coordinator drives. A
// pipeline renders exactly one URI at a time; playback position p is
// rendered at reference-clock instant base-time + p.
type Pipeline interface {
	// SetURI programs the stream to render next.
	SetURI(uri string) error

	// SetLatency configures the target pipeline latency in nanoseconds.
	SetLatency(latency uint64)

	// SetBaseTime anchors position 0 to the given reference-clock
	// instant.
	SetBaseTime(baseTime uint64)

	// UseClock slaves the pipeline to the shared reference clock.
	UseClock(c clock.Clock)

	// SetState requests a transition to the target state.
	SetState(s State) (StateResult, error)

	// Position reports the current stream position in nanoseconds.
	Position() (uint64, bool)

	// Duration reports the current stream duration in nanoseconds.
	Duration() (uint64, bool)

	// Seek jumps to pos. Returns false if the pipeline cannot seek.
	Seek(pos uint64, flags SeekFlags) bool

	// Messages is the pipeline bus.
	Messages() <-chan Message

	// Close releases all pipeline resources; the bus channel is closed.
	Close()
}

// TransformApplier is implemented by pipelines that can apply the
// per-client video transforms carried in SyncInfo. Pipelines without video
// output simply do not implement it.
type TransformApplier interface {
	ApplyTransform(t *protocol.Transform) error
}
