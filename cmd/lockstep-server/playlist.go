// ABOUTME: YAML playlist file parsing
// ABOUTME: Maps human-friendly track entries onto the wire playlist model
package main

import (
	"fmt"
	"time"

	"github.com/lockstep-av/lockstep/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// playlistFile is the on-disk playlist format:
//
//	tracks:
//	  - uri: file:///srv/media/a.mp4
//	    duration: 2m3s
//	  - uri: https://example.com/live.m3u8
//
// A missing duration means unknown.
type playlistFile struct {
	Tracks []trackEntry `yaml:"tracks"`
}

type trackEntry struct {
	URI      string `yaml:"uri"`
	Duration string `yaml:"duration"`
}

func parsePlaylist(data []byte) (protocol.Playlist, error) {
	var file playlistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return protocol.Playlist{}, fmt.Errorf("parse playlist: %w", err)
	}
	if len(file.Tracks) == 0 {
		return protocol.Playlist{}, fmt.Errorf("playlist has no tracks")
	}

	tracks := make([]protocol.Track, len(file.Tracks))
	for i, entry := range file.Tracks {
		if entry.URI == "" {
			return protocol.Playlist{}, fmt.Errorf("track %d has no uri", i)
		}

		duration := protocol.UnknownDuration
		if entry.Duration != "" {
			d, err := time.ParseDuration(entry.Duration)
			if err != nil {
				return protocol.Playlist{}, fmt.Errorf("track %d duration: %w", i, err)
			}
			if d < 0 {
				return protocol.Playlist{}, fmt.Errorf("track %d duration is negative", i)
			}
			duration = uint64(d)
		}

		tracks[i] = protocol.Track{URI: entry.URI, Duration: duration}
	}

	return protocol.NewPlaylist(tracks), nil
}
