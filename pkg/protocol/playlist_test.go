// ABOUTME: Tests for the immutable Playlist value type
// ABOUTME: Cursor movement, track replacement and sentinel handling
package protocol

import "testing"

func TestPlaylistImmutability(t *testing.T) {
	orig := NewPlaylist([]Track{{URI: "a", Duration: 1}, {URI: "b", Duration: 2}})

	advanced := orig.WithCurrentTrack(1)
	if orig.CurrentTrack() != 0 {
		t.Errorf("WithCurrentTrack mutated receiver: cursor %d", orig.CurrentTrack())
	}
	if advanced.CurrentTrack() != 1 {
		t.Errorf("expected cursor 1, got %d", advanced.CurrentTrack())
	}

	replaced := orig.WithTracks([]Track{{URI: "c", Duration: 3}})
	if orig.NumTracks() != 2 {
		t.Errorf("WithTracks mutated receiver: %d tracks", orig.NumTracks())
	}
	if replaced.NumTracks() != 1 {
		t.Errorf("expected 1 track, got %d", replaced.NumTracks())
	}

	tracks := orig.Tracks()
	tracks[0].URI = "mutated"
	if uri, _ := orig.CurrentURI(); uri != "a" {
		t.Errorf("Tracks() exposed internal storage: %s", uri)
	}
}

func TestPlaylistCurrentURI(t *testing.T) {
	pl := NewPlaylist([]Track{{URI: "a", Duration: 1}, {URI: "b", Duration: 2}})

	if uri, ok := pl.CurrentURI(); !ok || uri != "a" {
		t.Errorf("expected a, got %q (ok=%v)", uri, ok)
	}

	done := pl.WithCurrentTrack(NoTrack)
	if _, ok := done.CurrentURI(); ok {
		t.Error("expected no URI at NoTrack")
	}
}

func TestPlaylistEmpty(t *testing.T) {
	pl := NewPlaylist(nil)

	if pl.CurrentTrack() != NoTrack {
		t.Errorf("empty playlist should start at NoTrack, got %d", pl.CurrentTrack())
	}
	if _, ok := pl.CurrentURI(); ok {
		t.Error("empty playlist should have no current URI")
	}
}

func TestPlaylistWithTracksClampsCursor(t *testing.T) {
	pl := NewPlaylist([]Track{{URI: "a"}, {URI: "b"}, {URI: "c"}}).WithCurrentTrack(2)

	shrunk := pl.WithTracks([]Track{{URI: "a"}})
	if shrunk.CurrentTrack() != NoTrack {
		t.Errorf("cursor past end should clamp to NoTrack, got %d", shrunk.CurrentTrack())
	}
}

func TestPlaylistDurationOutOfRange(t *testing.T) {
	pl := NewPlaylist([]Track{{URI: "a", Duration: 10}})

	if got := pl.Duration(0); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}
	if got := pl.Duration(5); got != UnknownDuration {
		t.Errorf("expected UnknownDuration out of range, got %d", got)
	}
}
