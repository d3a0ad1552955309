// ABOUTME: End-to-end tests over the real TCP control plane and clock pair
// ABOUTME: Cold-start fleet alignment and a mid-stream join
package lockstep

import (
	"testing"
	"time"

	"github.com/lockstep-av/lockstep/pkg/pipeline"
	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

func startRealServer(t *testing.T, tracks []protocol.Track) *SyncServer {
	t.Helper()

	srv := NewServer(ServerConfig{
		Address: "127.0.0.1",
		Port:    0,
		Logger:  zerolog.Nop(),
	})
	if err := srv.SetPlaylist(protocol.NewPlaylist(tracks)); err != nil {
		t.Fatalf("failed to set playlist: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func startRealClient(t *testing.T, srv *SyncServer, id string) (*SyncClient, *pipeline.Fake) {
	t.Helper()

	fake := pipeline.NewFake()
	cli := NewClient(ClientConfig{
		Address:  "127.0.0.1",
		Port:     srv.Port(),
		ID:       id,
		Config:   map[string]any{"zone": "test"},
		Pipeline: fake,
		Logger:   zerolog.Nop(),
	})
	if err := cli.Start(); err != nil {
		t.Fatalf("failed to start client %s: %v", id, err)
	}
	t.Cleanup(cli.Stop)
	return cli, fake
}

func TestTwoClientColdStart(t *testing.T) {
	srv := startRealServer(t, []protocol.Track{{URI: "file:///movie", Duration: uint64(time.Hour)}})

	joined := make(chan string, 4)
	srv.OnClientJoined = func(id string, config map[string]any) {
		if config["zone"] != "test" {
			t.Errorf("client config lost in transit: %v", config)
		}
		joined <- id
	}

	c1, f1 := startRealClient(t, srv, "c1")
	c2, f2 := startRealClient(t, srv, "c2")

	for i := 0; i < 2; i++ {
		select {
		case <-joined:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for join events")
		}
	}

	waitPhase(t, c1, PhasePlaying)
	waitPhase(t, c2, PhasePlaying)

	// Both clients render the same timeline: their positions, sampled
	// together, must agree to well under normal human perception.
	p1, ok1 := f1.Position()
	p2, ok2 := f2.Position()
	if !ok1 || !ok2 {
		t.Fatal("expected positions from both clients")
	}

	diff := int64(p1) - int64(p2)
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(100*time.Millisecond) {
		t.Errorf("clients diverged by %v", time.Duration(diff))
	}
}

func TestMidStreamJoin(t *testing.T) {
	srv := startRealServer(t, []protocol.Track{{URI: "file:///movie", Duration: uint64(time.Hour)}})

	c1, f1 := startRealClient(t, srv, "c1")
	waitPhase(t, c1, PhasePlaying)

	// Let the fleet play for a while, then bring in a late client.
	time.Sleep(1200 * time.Millisecond)

	c3, f3 := startRealClient(t, srv, "c3")
	waitPhase(t, c3, PhasePlaying)

	if f3.SeekCount() == 0 {
		t.Error("a late joiner should fast-seek to catch up")
	}

	p1, _ := f1.Position()
	p3, ok := f3.Position()
	if !ok {
		t.Fatal("late client has no position")
	}

	diff := int64(p1) - int64(p3)
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(200*time.Millisecond) {
		t.Errorf("late joiner off by %v", time.Duration(diff))
	}
}

func TestFleetPauseResume(t *testing.T) {
	srv := startRealServer(t, []protocol.Track{{URI: "file:///movie", Duration: uint64(time.Hour)}})

	c1, f1 := startRealClient(t, srv, "c1")
	waitPhase(t, c1, PhasePlaying)

	srv.SetPaused(true)
	waitPhase(t, c1, PhasePaused)
	if f1.State() != pipeline.StatePaused {
		t.Errorf("expected paused pipeline, got %v", f1.State())
	}

	srv.SetPaused(false)
	waitPhase(t, c1, PhasePlaying)
	if f1.State() != pipeline.StatePlaying {
		t.Errorf("expected playing pipeline, got %v", f1.State())
	}
}
