// ABOUTME: Tests for the sync client state machine
// ABOUTME: Clock lock, fast-seek alignment, diffs and local EOS advance
package lockstep

import (
	"testing"
	"time"

	"github.com/lockstep-av/lockstep/pkg/clock"
	"github.com/lockstep-av/lockstep/pkg/control"
	"github.com/lockstep-av/lockstep/pkg/pipeline"
	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

// stubControlClient lets a test inject SyncInfo documents directly.
type stubControlClient struct {
	onSync func(si *protocol.SyncInfo)
	onErr  func(err error)
	last   *protocol.SyncInfo
}

func (s *stubControlClient) Start() error { return nil }
func (s *stubControlClient) Stop()        {}

func (s *stubControlClient) SyncInfo() *protocol.SyncInfo { return s.last }

func (s *stubControlClient) OnSyncInfo(fn func(si *protocol.SyncInfo)) { s.onSync = fn }
func (s *stubControlClient) OnError(fn func(err error))                { s.onErr = fn }

func (s *stubControlClient) push(si *protocol.SyncInfo) {
	s.last = si
	s.onSync(si)
}

// testHarness wires a client to a real loopback clock provider and a fake
// pipeline, with SyncInfo injection.
type testHarness struct {
	provider *clock.Provider
	fake     *pipeline.Fake
	stub     *stubControlClient
	client   *SyncClient
}

func newHarness(t *testing.T, id string) *testHarness {
	t.Helper()

	provider := clock.NewProvider("127.0.0.1", 0, zerolog.Nop())
	if err := provider.Start(); err != nil {
		t.Fatalf("failed to start clock provider: %v", err)
	}
	t.Cleanup(provider.Stop)

	fake := pipeline.NewFake()
	stub := &stubControlClient{}

	client := NewClient(ClientConfig{
		Address:  "127.0.0.1",
		Port:     1,
		ID:       id,
		Pipeline: fake,
		ControlFactory: func(addr string, port int, hello *protocol.ClientHello) control.Client {
			return stub
		},
		ClockSyncTimeout: 3 * time.Second,
		Logger:           zerolog.Nop(),
	})
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	t.Cleanup(client.Stop)

	return &testHarness{provider: provider, fake: fake, stub: stub, client: client}
}

// syncInfo builds a document pointing at the harness's clock provider.
func (h *testHarness) syncInfo(tracks []protocol.Track, baseTime uint64) *protocol.SyncInfo {
	si := protocol.NewSyncInfo()
	si.ClockAddress = "127.0.0.1"
	si.ClockPort = uint16(h.provider.Port())
	si.Playlist = protocol.NewPlaylist(tracks)
	si.BaseTime = baseTime
	si.StreamStartDelay = uint64(20 * time.Millisecond)
	si.Latency = DefaultLatency
	return si
}

func waitPhase(t *testing.T, c *SyncClient, want Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %v, stuck in %v", want, c.Phase())
}

func TestClientColdStartNoSeek(t *testing.T) {
	h := newHarness(t, "c1")

	// The fleet starts a second from now, so by the time this client has
	// clock lock its position error is negative: inside the tolerance.
	si := h.syncInfo([]protocol.Track{{URI: "file:///a", Duration: uint64(time.Hour)}}, h.provider.Now()+uint64(time.Second))
	h.stub.push(si)

	waitPhase(t, h.client, PhasePlaying)

	if n := h.fake.SeekCount(); n != 0 {
		t.Errorf("a client within tolerance must not seek, got %d seeks", n)
	}
	if h.fake.State() != pipeline.StatePlaying {
		t.Errorf("pipeline should be playing, got %v", h.fake.State())
	}
	if got := h.fake.BaseTime(); got != si.BaseTime {
		t.Errorf("expected base time %d applied, got %d", si.BaseTime, got)
	}
}

func TestClientMidStreamJoinSeeks(t *testing.T) {
	h := newHarness(t, "c3")
	h.fake.SetSnapInterval(uint64(time.Second))

	// Joining two seconds into the stream: one flushing seek to catch up.
	behind := uint64(2 * time.Second)
	now := h.provider.Now()
	si := h.syncInfo([]protocol.Track{{URI: "file:///a", Duration: uint64(time.Hour)}}, now-behind)
	h.stub.push(si)

	waitPhase(t, h.client, PhasePlaying)

	if n := h.fake.SeekCount(); n != 1 {
		t.Fatalf("expected exactly one alignment seek, got %d", n)
	}

	// The decoder snapped to a keyframe at or after the requested spot,
	// and the applied base time carries the actual landed position.
	pos, ok := h.fake.Position()
	if !ok {
		t.Fatal("expected a position after the seek")
	}
	if pos < behind {
		t.Errorf("snap-after seek landed before the request: %v", time.Duration(pos))
	}

	base := h.fake.BaseTime()
	if base <= si.BaseTime {
		t.Errorf("post-seek base time must include the seek offset: %d", base)
	}
}

func TestClientPauseAndResume(t *testing.T) {
	h := newHarness(t, "c1")

	si := h.syncInfo([]protocol.Track{{URI: "file:///a", Duration: uint64(time.Hour)}}, h.provider.Now())
	h.stub.push(si)
	waitPhase(t, h.client, PhasePlaying)

	pausedSI := si.Copy()
	pausedSI.Paused = true
	h.stub.push(pausedSI)
	waitPhase(t, h.client, PhasePaused)
	if h.fake.State() != pipeline.StatePaused {
		t.Errorf("pipeline should be paused, got %v", h.fake.State())
	}

	resumedSI := pausedSI.Copy()
	resumedSI.Paused = false
	resumedSI.BaseTimeOffset = uint64(5 * time.Second)
	h.stub.push(resumedSI)
	waitPhase(t, h.client, PhasePlaying)

	if h.fake.State() != pipeline.StatePlaying {
		t.Errorf("pipeline should be playing, got %v", h.fake.State())
	}
	if got := h.fake.BaseTime(); got != resumedSI.BaseTime+resumedSI.BaseTimeOffset {
		t.Errorf("resume must reapply base plus offset, got %d", got)
	}
}

func TestClientStoppedTakesPrecedence(t *testing.T) {
	h := newHarness(t, "c1")

	si := h.syncInfo([]protocol.Track{{URI: "file:///a", Duration: uint64(time.Hour)}}, h.provider.Now())
	si.Stopped = true
	si.Paused = true
	h.stub.push(si)

	waitPhase(t, h.client, PhaseStopped)
	if h.fake.State() != pipeline.StateNull {
		t.Errorf("stopped overrides paused; pipeline should be NULL, got %v", h.fake.State())
	}
}

func TestClientTrackChangeRestartsPipeline(t *testing.T) {
	h := newHarness(t, "c1")

	tracks := []protocol.Track{
		{URI: "file:///a", Duration: uint64(time.Hour)},
		{URI: "file:///b", Duration: uint64(time.Hour)},
	}
	si := h.syncInfo(tracks, h.provider.Now())
	h.stub.push(si)
	waitPhase(t, h.client, PhasePlaying)

	next := h.syncInfo(tracks, si.BaseTime)
	next.Playlist = next.Playlist.WithCurrentTrack(1)
	next.BaseTimeOffset = uint64(time.Hour) + si.StreamStartDelay
	h.stub.push(next)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && h.fake.URI() != "file:///b" {
		time.Sleep(5 * time.Millisecond)
	}
	if h.fake.URI() != "file:///b" {
		t.Fatalf("pipeline not reprogrammed, still on %s", h.fake.URI())
	}
}

func TestClientLocalEOSAdvance(t *testing.T) {
	h := newHarness(t, "c1")

	// Long enough that the track outlives clock acquisition, so the EOS
	// arrives on a timeline the client is already aligned to.
	trackA := uint64(time.Second)
	h.fake.SetTrackDuration("file:///a", trackA)
	tracks := []protocol.Track{
		{URI: "file:///a", Duration: trackA},
		{URI: "file:///b", Duration: uint64(time.Hour)},
	}
	si := h.syncInfo(tracks, h.provider.Now())
	h.stub.push(si)
	waitPhase(t, h.client, PhasePlaying)

	// Track A runs out; the client advances without waiting for the
	// server's broadcast.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && h.fake.URI() != "file:///b" {
		time.Sleep(5 * time.Millisecond)
	}
	if h.fake.URI() != "file:///b" {
		t.Fatal("client did not advance locally on EOS")
	}

	want := si.BaseTime + trackA + si.StreamStartDelay
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && h.fake.BaseTime() != want {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.fake.BaseTime(); got != want {
		t.Errorf("expected advanced base %d, got %d", want, got)
	}
}

func TestClientEndOfPlaylistGoesIdle(t *testing.T) {
	h := newHarness(t, "c1")

	si := h.syncInfo([]protocol.Track{{URI: "file:///a", Duration: uint64(time.Hour)}}, h.provider.Now())
	h.stub.push(si)
	waitPhase(t, h.client, PhasePlaying)

	done := si.Copy()
	done.Playlist = done.Playlist.WithCurrentTrack(protocol.NoTrack)
	h.stub.push(done)

	waitPhase(t, h.client, PhaseIdle)
	if h.fake.State() != pipeline.StateNull {
		t.Errorf("idle client should hold the pipeline at NULL, got %v", h.fake.State())
	}
}

func TestClientClockTimeoutKeepsWaiting(t *testing.T) {
	fake := pipeline.NewFake()
	stub := &stubControlClient{}

	client := NewClient(ClientConfig{
		Address:  "127.0.0.1",
		Port:     1,
		ID:       "c1",
		Pipeline: fake,
		ControlFactory: func(addr string, port int, hello *protocol.ClientHello) control.Client {
			return stub
		},
		ClockSyncTimeout: 100 * time.Millisecond,
		Logger:           zerolog.Nop(),
	})
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	defer client.Stop()

	// A clock address nothing answers on: the wait must time out and the
	// pipeline must stay untouched.
	si := protocol.NewSyncInfo()
	si.ClockAddress = "127.0.0.1"
	si.ClockPort = 9
	si.Playlist = protocol.NewPlaylist([]protocol.Track{{URI: "file:///a", Duration: uint64(time.Hour)}})
	si.BaseTime = 1
	stub.push(si)

	time.Sleep(300 * time.Millisecond)

	if client.Phase() != PhaseWaitingForClock {
		t.Errorf("client should still be waiting for the clock, got %v", client.Phase())
	}
	if fake.State() != pipeline.StateNull {
		t.Errorf("pipeline must stay at NULL without a clock, got %v", fake.State())
	}
}

func TestClientTransformRouting(t *testing.T) {
	h := newHarness(t, "wall-left")

	rotate := 1
	si := h.syncInfo([]protocol.Track{{URI: "file:///a", Duration: uint64(time.Hour)}}, h.provider.Now())
	si.Transforms = map[string]*protocol.Transform{
		"wall-left":  {Rotate: &rotate},
		"wall-right": {Crop: &protocol.Box{Left: 99}},
	}
	h.stub.push(si)
	waitPhase(t, h.client, PhasePlaying)

	tr := h.fake.Transform()
	if tr == nil || tr.Rotate == nil || *tr.Rotate != 1 {
		t.Errorf("expected this client's transform to be applied, got %+v", tr)
	}
	if tr != nil && tr.Crop != nil {
		t.Error("another client's transform leaked in")
	}
}

func TestClientAutoGeneratedID(t *testing.T) {
	c := NewClient(ClientConfig{Logger: zerolog.Nop()})

	id := c.ID()
	if len(id) != len("sync-client-")+32 {
		t.Errorf("expected sync-client-<32 hex>, got %q", id)
	}
	if id[:len("sync-client-")] != "sync-client-" {
		t.Errorf("expected sync-client- prefix, got %q", id)
	}

	if other := NewClient(ClientConfig{Logger: zerolog.Nop()}); other.ID() == id {
		t.Error("two clients generated the same id")
	}
}
