// ABOUTME: Playlist value type shared between server and clients
// ABOUTME: Immutable track list plus current-track cursor
package protocol

// UnknownDuration marks a track whose duration has not been determined.
// On the wire an unknown duration is carried as 0.
const UnknownDuration = ^uint64(0)

// NoTrack is the current-track sentinel meaning the playlist is exhausted.
const NoTrack = ^uint64(0)

// Track is a single playlist entry. Duration is in nanoseconds and may be
// UnknownDuration.
type Track struct {
	URI      string
	Duration uint64
}

// Playlist is an immutable pair of a current-track cursor and an ordered
// track list. Mutating methods return a new Playlist and leave the receiver
// untouched, so a Playlist held inside a published SyncInfo can be shared
// across sessions without locking.
type Playlist struct {
	current uint64
	tracks  []Track
}

// NewPlaylist creates a playlist positioned at the first track. An empty
// track list yields a playlist with the cursor at NoTrack.
func NewPlaylist(tracks []Track) Playlist {
	p := Playlist{tracks: copyTracks(tracks)}
	if len(tracks) == 0 {
		p.current = NoTrack
	}
	return p
}

// CurrentTrack returns the cursor, which is NoTrack once the playlist is
// exhausted.
func (p Playlist) CurrentTrack() uint64 {
	return p.current
}

// Tracks returns a copy of the track list.
func (p Playlist) Tracks() []Track {
	return copyTracks(p.tracks)
}

// NumTracks returns the number of tracks.
func (p Playlist) NumTracks() uint64 {
	return uint64(len(p.tracks))
}

// WithTracks returns a playlist with the given tracks and the receiver's
// cursor. The cursor is clamped to NoTrack if it no longer indexes a track.
func (p Playlist) WithTracks(tracks []Track) Playlist {
	next := Playlist{current: p.current, tracks: copyTracks(tracks)}
	if next.current != NoTrack && next.current >= uint64(len(tracks)) {
		next.current = NoTrack
	}
	return next
}

// WithCurrentTrack returns a playlist with the cursor moved to track.
func (p Playlist) WithCurrentTrack(track uint64) Playlist {
	return Playlist{current: track, tracks: p.tracks}
}

// CurrentURI returns the URI under the cursor, or false if the cursor is
// NoTrack or out of range.
func (p Playlist) CurrentURI() (string, bool) {
	if p.current == NoTrack || p.current >= uint64(len(p.tracks)) {
		return "", false
	}
	return p.tracks[p.current].URI, true
}

// Duration returns the duration of track i, or UnknownDuration when out of
// range.
func (p Playlist) Duration(i uint64) uint64 {
	if i >= uint64(len(p.tracks)) {
		return UnknownDuration
	}
	return p.tracks[i].Duration
}

func copyTracks(tracks []Track) []Track {
	if len(tracks) == 0 {
		return nil
	}
	out := make([]Track, len(tracks))
	copy(out, tracks)
	return out
}
