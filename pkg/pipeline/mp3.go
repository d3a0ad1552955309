// ABOUTME: MP3 file pipeline playing through the system audio device
// ABOUTME: go-mp3 decode, oto output, clock-aligned start and byte seeks
package pipeline

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/lockstep-av/lockstep/pkg/clock"
)

// mp3BytesPerFrame is go-mp3's output frame size: stereo 16-bit samples.
const mp3BytesPerFrame = 4

// oto allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

// MP3 is a Pipeline for local MP3 files. It decodes with go-mp3 and plays
// through oto, starting output when the shared clock reaches the
// configured base time so that position p renders at base-time + p.
type MP3 struct {
	mu sync.Mutex

	clk      clock.Clock
	path     string
	latency  uint64
	baseTime uint64
	state    State

	file    *os.File
	decoder *mp3.Decoder
	player  *oto.Player
	reader  *countingReader

	// posBase is the stream position of the first byte handed to the
	// player since the last seek.
	posBase uint64

	gen    int
	msgs   chan Message
	closed bool
}

// NewMP3 creates an MP3 pipeline.
func NewMP3() *MP3 {
	return &MP3{
		clk:  systemClock{},
		msgs: make(chan Message, 32),
	}
}

// countingReader tracks how many decoded bytes the player consumed.
type countingReader struct {
	mu    sync.Mutex
	r     io.Reader
	bytes int64
	eos   func()
	done  bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.mu.Lock()
	c.bytes += int64(n)
	fire := err == io.EOF && !c.done
	if fire {
		c.done = true
	}
	c.mu.Unlock()
	if fire && c.eos != nil {
		c.eos()
	}
	return n, err
}

func (c *countingReader) consumed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (m *MP3) SetURI(uri string) error {
	path := uri
	if strings.Contains(uri, "://") {
		u, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("parse uri: %w", err)
		}
		if u.Scheme != "file" {
			return fmt.Errorf("mp3 pipeline only plays file URIs, got %s", u.Scheme)
		}
		path = u.Path
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	m.path = path
	m.posBase = 0
	return nil
}

func (m *MP3) SetLatency(latency uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = latency
}

func (m *MP3) SetBaseTime(baseTime uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseTime = baseTime
}

func (m *MP3) UseClock(c clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clk = c
}

// preroll opens the file, the decoder and the output player. Callers hold
// m.mu.
func (m *MP3) prerollLocked() error {
	if m.decoder != nil {
		return nil
	}
	if m.path == "" {
		return fmt.Errorf("mp3 pipeline has no uri")
	}

	f, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.path, err)
	}

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("mp3 decoder: %w", err)
	}

	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   dec.SampleRate(),
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	if otoErr != nil {
		f.Close()
		return fmt.Errorf("audio output: %w", otoErr)
	}

	gen := m.gen
	m.reader = &countingReader{r: dec, eos: func() { m.onEOS(gen) }}
	m.file = f
	m.decoder = dec
	m.player = otoCtx.NewPlayer(m.reader)
	return nil
}

func (m *MP3) onEOS(gen int) {
	// The player drains its internal buffer after the reader hits EOF;
	// wait roughly that long before declaring end of stream.
	time.AfterFunc(200*time.Millisecond, func() {
		m.mu.Lock()
		stale := m.gen != gen || m.state != StatePlaying
		m.mu.Unlock()
		if stale {
			return
		}
		m.emit(Message{Type: MsgEOS})
	})
}

func (m *MP3) SetState(s State) (StateResult, error) {
	m.mu.Lock()

	old := m.state
	if old == s {
		m.mu.Unlock()
		return StateChangeSuccess, nil
	}

	switch s {
	case StateNull:
		m.gen++
		m.teardownLocked()

	case StatePaused:
		if err := m.prerollLocked(); err != nil {
			m.mu.Unlock()
			return StateChangeSuccess, err
		}
		if m.player.IsPlaying() {
			m.player.Pause()
		}

	case StatePlaying:
		if err := m.prerollLocked(); err != nil {
			m.mu.Unlock()
			return StateChangeSuccess, err
		}
		m.startWhenDueLocked()
	}

	m.state = s
	m.mu.Unlock()

	m.emit(Message{Type: MsgStateChanged, Old: old, New: s})
	return StateChangeSuccess, nil
}

// startWhenDueLocked begins output once the shared clock reaches
// base-time + current position. Callers hold m.mu.
func (m *MP3) startWhenDueLocked() {
	due := m.baseTime + m.positionLocked()
	now := m.clk.Now()
	gen := m.gen

	if now >= due {
		m.player.Play()
		return
	}

	time.AfterFunc(time.Duration(due-now), func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.state != StatePlaying || m.player == nil {
			return
		}
		m.player.Play()
	})
}

func (m *MP3) positionLocked() uint64 {
	if m.reader == nil || m.decoder == nil {
		return 0
	}
	frames := m.reader.consumed() / mp3BytesPerFrame
	return m.posBase + uint64(frames)*uint64(time.Second)/uint64(m.decoder.SampleRate())
}

func (m *MP3) Position() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decoder == nil {
		return 0, false
	}
	return m.positionLocked(), true
}

func (m *MP3) Duration() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decoder == nil {
		return 0, false
	}
	length := m.decoder.Length()
	if length <= 0 {
		return 0, false
	}
	frames := length / mp3BytesPerFrame
	return uint64(frames) * uint64(time.Second) / uint64(m.decoder.SampleRate()), true
}

func (m *MP3) Seek(pos uint64, flags SeekFlags) bool {
	m.mu.Lock()

	if m.decoder == nil {
		m.mu.Unlock()
		return false
	}

	frame := pos * uint64(m.decoder.SampleRate()) / uint64(time.Second)
	if _, err := m.decoder.Seek(int64(frame)*mp3BytesPerFrame, io.SeekStart); err != nil {
		m.mu.Unlock()
		return false
	}

	// Rebuild the reader so consumed bytes restart from the seek point.
	m.gen++
	gen := m.gen
	wasPlaying := m.player.IsPlaying()
	m.player.Close()
	m.reader = &countingReader{r: m.decoder, eos: func() { m.onEOS(gen) }}
	m.player = otoCtx.NewPlayer(m.reader)
	m.posBase = frame * uint64(time.Second) / uint64(m.decoder.SampleRate())
	if wasPlaying {
		m.player.Play()
	}
	m.mu.Unlock()

	m.emit(Message{Type: MsgAsyncDone})
	return true
}

func (m *MP3) Messages() <-chan Message {
	return m.msgs
}

func (m *MP3) teardownLocked() {
	if m.player != nil {
		m.player.Close()
		m.player = nil
	}
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
	m.decoder = nil
	m.reader = nil
	m.posBase = 0
}

func (m *MP3) emit(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.msgs <- msg:
	default:
	}
}

func (m *MP3) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.teardownLocked()
	m.state = StateNull
	m.closed = true
	m.mu.Unlock()
	close(m.msgs)
}
