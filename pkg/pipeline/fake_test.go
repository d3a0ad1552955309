// ABOUTME: Tests for the clock-driven fake pipeline
// ABOUTME: State transitions, position tracking, seeks and scripted EOS
package pipeline

import (
	"testing"
	"time"
)

func waitMessage(t *testing.T, msgs <-chan Message, want MessageType) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatal("bus closed while waiting for message")
			}
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message type %d", want)
		}
	}
}

func TestFakeStateChangeMessages(t *testing.T) {
	f := NewFake()
	defer f.Close()
	f.SetURI("file:///a")

	res, err := f.SetState(StatePaused)
	if err != nil {
		t.Fatalf("failed to pause: %v", err)
	}
	if res != StateChangeSuccess {
		t.Errorf("expected success for non-live source, got %d", res)
	}

	msg := waitMessage(t, f.Messages(), MsgStateChanged)
	if msg.Old != StateNull || msg.New != StatePaused {
		t.Errorf("unexpected transition %v -> %v", msg.Old, msg.New)
	}
}

func TestFakeLiveSourceNoPreroll(t *testing.T) {
	f := NewFake()
	defer f.Close()
	f.SetURI("rtsp://cam/1")
	f.MarkLive("rtsp://cam/1")

	res, err := f.SetState(StatePaused)
	if err != nil {
		t.Fatalf("failed to pause: %v", err)
	}
	if res != StateChangeNoPreroll {
		t.Errorf("expected no-preroll for live source, got %d", res)
	}

	if f.Seek(1000, SeekFlush) {
		t.Error("live source must refuse to seek")
	}
}

func TestFakePositionAdvancesWhilePlaying(t *testing.T) {
	f := NewFake()
	defer f.Close()
	f.SetURI("file:///a")

	f.SetState(StatePlaying)
	time.Sleep(50 * time.Millisecond)

	pos, ok := f.Position()
	if !ok {
		t.Fatal("expected a position while playing")
	}
	if pos < uint64(30*time.Millisecond) || pos > uint64(500*time.Millisecond) {
		t.Errorf("position %v out of expected range", time.Duration(pos))
	}

	f.SetState(StatePaused)
	frozen, _ := f.Position()
	time.Sleep(30 * time.Millisecond)
	after, _ := f.Position()
	if after != frozen {
		t.Errorf("position advanced while paused: %d -> %d", frozen, after)
	}
}

func TestFakeSeekSnapsAfter(t *testing.T) {
	f := NewFake()
	defer f.Close()
	f.SetURI("file:///a")
	f.SetSnapInterval(uint64(time.Second))
	f.SetState(StatePaused)

	if !f.Seek(uint64(1500*time.Millisecond), SeekFlush|SeekKeyUnit|SeekSnapAfter) {
		t.Fatal("seek failed")
	}
	waitMessage(t, f.Messages(), MsgAsyncDone)

	pos, _ := f.Position()
	if pos != uint64(2*time.Second) {
		t.Errorf("expected snap to 2s, got %v", time.Duration(pos))
	}
}

func TestFakeScriptedEOS(t *testing.T) {
	f := NewFake()
	defer f.Close()
	f.SetURI("file:///short")
	f.SetTrackDuration("file:///short", uint64(30*time.Millisecond))

	f.SetState(StatePlaying)
	waitMessage(t, f.Messages(), MsgEOS)
}

func TestFakeEOSCancelledByStateChange(t *testing.T) {
	f := NewFake()
	defer f.Close()
	f.SetURI("file:///short")
	f.SetTrackDuration("file:///short", uint64(50*time.Millisecond))

	f.SetState(StatePlaying)
	f.SetState(StateNull)

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case msg, ok := <-f.Messages():
			if !ok {
				return
			}
			if msg.Type == MsgEOS {
				t.Fatal("EOS fired after pipeline went to NULL")
			}
		case <-deadline:
			return
		}
	}
}

func TestFakeTransform(t *testing.T) {
	f := NewFake()
	defer f.Close()

	var p Pipeline = f
	if _, ok := p.(TransformApplier); !ok {
		t.Fatal("fake pipeline should accept transforms")
	}
}
