// ABOUTME: SyncInfo wire document shared from server to clients
// ABOUTME: JSON (de)serialization with version enforcement
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the wire-format revision this implementation speaks. Clients
// must disconnect when they see any other value.
const Version = 1

var (
	// ErrInvalidFrame reports malformed JSON, a missing required field, or
	// a field of the wrong type.
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	// ErrVersionMismatch reports a SyncInfo with an unsupported version.
	ErrVersionMismatch = errors.New("protocol: unsupported version")
)

// SyncInfo is the document the server publishes and every client consumes.
// All times and durations are in nanoseconds on the shared reference clock.
type SyncInfo struct {
	Version          uint64
	ClockAddress     string
	ClockPort        uint16
	Playlist         Playlist
	BaseTime         uint64
	BaseTimeOffset   uint64
	StreamStartDelay uint64
	Latency          uint64
	Stopped          bool
	Paused           bool

	// Transforms optionally maps client id to a per-client video
	// transform. Clients without an entry apply identity.
	Transforms map[string]*Transform
}

// NewSyncInfo returns a SyncInfo with the current protocol version and all
// other fields zeroed.
func NewSyncInfo() *SyncInfo {
	return &SyncInfo{Version: Version}
}

// Copy returns a shallow copy; the playlist value and the transform map are
// shared, which is safe because both are treated as immutable per version.
func (si *SyncInfo) Copy() *SyncInfo {
	out := *si
	return &out
}

// Transform is a per-client video transform, applied in the fixed order
// crop, rotate, scale, offset.
type Transform struct {
	Crop   *Box  `json:"crop,omitempty"`
	Rotate *int  `json:"rotate,omitempty"`
	Scale  *Size `json:"scale,omitempty"`
	Offset *Box  `json:"offset,omitempty"`
}

// Box holds per-edge pixel counts for crop and offset transforms.
type Box struct {
	Left   int `json:"left"`
	Right  int `json:"right"`
	Top    int `json:"top"`
	Bottom int `json:"bottom"`
}

// Size holds target dimensions for the scale transform.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// wireSyncInfo is the canonical dash-case wire form.
type wireSyncInfo struct {
	Version          uint64                `json:"version"`
	ClockAddress     string                `json:"clock-address"`
	ClockPort        uint16                `json:"clock-port"`
	Playlist         wirePlaylist          `json:"playlist"`
	BaseTime         uint64                `json:"base-time"`
	BaseTimeOffset   uint64                `json:"base-time-offset"`
	StreamStartDelay uint64                `json:"stream-start-delay"`
	Latency          uint64                `json:"latency"`
	Stopped          bool                  `json:"stopped"`
	Paused           bool                  `json:"paused"`
	Transforms       map[string]*Transform `json:"transform,omitempty"`
}

// wirePlaylist marshals as the [current, [[uri, duration], ...]] tuple.
// Unknown durations travel as 0.
type wirePlaylist struct {
	p Playlist
}

func (w wirePlaylist) MarshalJSON() ([]byte, error) {
	tracks := make([][2]any, len(w.p.tracks))
	for i, t := range w.p.tracks {
		dur := t.Duration
		if dur == UnknownDuration {
			dur = 0
		}
		tracks[i] = [2]any{t.URI, dur}
	}
	return json.Marshal([2]any{w.p.current, tracks})
}

func (w *wirePlaylist) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("playlist is not an array: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("playlist tuple has %d elements, want 2", len(tuple))
	}

	var current uint64
	if err := json.Unmarshal(tuple[0], &current); err != nil {
		return fmt.Errorf("current track: %w", err)
	}

	var rawTracks [][]json.RawMessage
	if err := json.Unmarshal(tuple[1], &rawTracks); err != nil {
		return fmt.Errorf("track list: %w", err)
	}

	tracks := make([]Track, len(rawTracks))
	for i, rt := range rawTracks {
		if len(rt) != 2 {
			return fmt.Errorf("track %d has %d elements, want 2", i, len(rt))
		}
		if err := json.Unmarshal(rt[0], &tracks[i].URI); err != nil {
			return fmt.Errorf("track %d uri: %w", i, err)
		}
		if err := json.Unmarshal(rt[1], &tracks[i].Duration); err != nil {
			return fmt.Errorf("track %d duration: %w", i, err)
		}
		if tracks[i].Duration == 0 {
			tracks[i].Duration = UnknownDuration
		}
	}

	w.p = Playlist{current: current, tracks: tracks}
	return nil
}

// Marshal produces the canonical wire form of si.
func (si *SyncInfo) Marshal() ([]byte, error) {
	return json.Marshal(wireSyncInfo{
		Version:          si.Version,
		ClockAddress:     si.ClockAddress,
		ClockPort:        si.ClockPort,
		Playlist:         wirePlaylist{si.Playlist},
		BaseTime:         si.BaseTime,
		BaseTimeOffset:   si.BaseTimeOffset,
		StreamStartDelay: si.StreamStartDelay,
		Latency:          si.Latency,
		Stopped:          si.Stopped,
		Paused:           si.Paused,
		Transforms:       si.Transforms,
	})
}

// requiredKeys must be present (in either dash or snake case) for a frame
// to be accepted. The remaining keys default to zero values so that older
// servers missing newer fields still parse.
var requiredKeys = []string{"version", "clock-address", "clock-port", "playlist", "base-time"}

// UnmarshalSyncInfo parses a SyncInfo frame. Snake_case keys are accepted as
// aliases for the canonical dash-case form. Unknown keys are tolerated as
// long as the version matches; any other version fails with
// ErrVersionMismatch.
func UnmarshalSyncInfo(data []byte) (*SyncInfo, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	norm := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		norm[normalizeKey(k)] = v
	}

	rawVersion, ok := norm["version"]
	if !ok {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidFrame)
	}
	var version uint64
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrInvalidFrame, err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, Version)
	}

	for _, k := range requiredKeys {
		if _, ok := norm[k]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidFrame, k)
		}
	}

	si := &SyncInfo{Version: version}
	var pl wirePlaylist
	for k, dst := range map[string]any{
		"clock-address":      &si.ClockAddress,
		"clock-port":         &si.ClockPort,
		"playlist":           &pl,
		"base-time":          &si.BaseTime,
		"base-time-offset":   &si.BaseTimeOffset,
		"stream-start-delay": &si.StreamStartDelay,
		"latency":            &si.Latency,
		"stopped":            &si.Stopped,
		"paused":             &si.Paused,
		"transform":          &si.Transforms,
	} {
		raw, ok := norm[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, k, err)
		}
	}
	si.Playlist = pl.p

	return si, nil
}

// normalizeKey maps snake_case input keys onto the canonical dash-case form.
func normalizeKey(k string) string {
	out := []byte(k)
	for i := range out {
		if out[i] == '_' {
			out[i] = '-'
		}
	}
	return string(out)
}
