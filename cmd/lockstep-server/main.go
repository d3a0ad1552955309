// ABOUTME: Entry point for the lockstep coordinator daemon
// ABOUTME: Flags, YAML playlist loading, live reload and signal handling
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lockstep-av/lockstep/internal/discovery"
	"github.com/lockstep-av/lockstep/pkg/lockstep"
	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	address      = flag.String("address", "0.0.0.0", "Address to listen on (must be reachable by clients)")
	port         = flag.Int("port", 3695, "Control port to listen on")
	playlistPath = flag.String("playlist", "playlist.yaml", "Playlist file (reloaded on change)")
	latencyMs    = flag.Uint64("latency", 300, "Pipeline latency for clients (ms)")
	startDelayMs = flag.Uint64("start-delay", 500, "Grace period between tracks (ms)")
	name         = flag.String("name", "", "Instance name for mDNS (default: hostname)")
	noMDNS       = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	logLevel     = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	pl, err := loadPlaylist(*playlistPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *playlistPath).Msg("could not load playlist")
	}

	srv := lockstep.NewServer(lockstep.ServerConfig{
		Address:          *address,
		Port:             *port,
		Latency:          *latencyMs * uint64(time.Millisecond),
		StreamStartDelay: *startDelayMs * uint64(time.Millisecond),
		Logger:           log,
	})

	srv.OnClientJoined = func(id string, config map[string]any) {
		log.Info().Str("id", id).Interface("config", config).Msg("client joined")
	}
	srv.OnClientLeft = func(id string) {
		log.Info().Str("id", id).Msg("client left")
	}
	srv.OnEndOfStream = func() {
		log.Info().Msg("end of stream")
	}
	srv.OnEndOfPlaylist = func() {
		log.Info().Msg("end of playlist, waiting for a new one")
	}

	if err := srv.SetPlaylist(pl); err != nil {
		log.Fatal().Err(err).Msg("invalid playlist")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("could not start server")
	}
	defer srv.Stop()

	log.Info().Str("address", *address).Int("port", srv.Port()).Int("clock-port", srv.ClockPort()).
		Msg("coordinator running")

	if !*noMDNS {
		serviceName := *name
		if serviceName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				hostname = "lockstep"
			}
			serviceName = hostname
		}

		mdns := discovery.NewManager(discovery.Config{
			ServiceName: serviceName,
			Port:        srv.Port(),
			Logger:      log,
		})
		if err := mdns.Advertise(); err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement failed")
		} else {
			defer mdns.Stop()
		}
	}

	go watchPlaylist(log, srv, *playlistPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	var paused, stopped bool
	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			paused = !paused
			log.Info().Bool("paused", paused).Msg("toggling pause")
			srv.SetPaused(paused)

		case syscall.SIGUSR2:
			stopped = !stopped
			log.Info().Bool("stopped", stopped).Msg("toggling stop")
			srv.SetStopped(stopped)

		default:
			log.Info().Stringer("signal", sig.(syscall.Signal)).Msg("shutting down")
			return
		}
	}
}

// watchPlaylist reloads the playlist file whenever it changes on disk.
func watchPlaylist(log zerolog.Logger, srv *lockstep.SyncServer, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("playlist watching unavailable")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not watch playlist")
		return
	}

	// Editors rewrite files in bursts; debounce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)

		case <-pending:
			pending = nil
			pl, err := loadPlaylist(path)
			if err != nil {
				log.Warn().Err(err).Msg("ignoring unreadable playlist update")
				continue
			}
			if err := srv.SetPlaylist(pl); err != nil {
				log.Warn().Err(err).Msg("ignoring invalid playlist update")
				continue
			}
			log.Info().Uint64("tracks", pl.NumTracks()).Msg("playlist reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("playlist watcher error")
		}
	}
}

// loadPlaylist parses the YAML playlist file into the wire model.
func loadPlaylist(path string) (protocol.Playlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Playlist{}, err
	}
	return parsePlaylist(data)
}
