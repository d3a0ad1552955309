// ABOUTME: Entry point for a lockstep playback client
// ABOUTME: Connects to a coordinator, or discovers one over mDNS
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lockstep-av/lockstep/internal/discovery"
	"github.com/lockstep-av/lockstep/pkg/lockstep"
	"github.com/lockstep-av/lockstep/pkg/pipeline"
	"github.com/rs/zerolog"
)

var (
	server       = flag.String("server", "", "Coordinator address (empty: discover via mDNS)")
	port         = flag.Int("port", 3695, "Coordinator control port")
	id           = flag.String("id", "", "Client id (default: auto-generated)")
	pipelineKind = flag.String("pipeline", "null", "Pipeline to drive: null or mp3")
	logLevel     = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
)

// configFlags collects repeatable -config key=value pairs.
type configFlags map[string]any

func (c configFlags) String() string { return fmt.Sprintf("%v", map[string]any(c)) }

func (c configFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("config must be key=value, got %q", value)
	}
	c[key] = val
	return nil
}

func main() {
	config := configFlags{}
	flag.Var(config, "config", "Client config entry as key=value (repeatable)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	var pipe pipeline.Pipeline
	switch *pipelineKind {
	case "null":
		pipe = pipeline.NewFake()
	case "mp3":
		pipe = pipeline.NewMP3()
	default:
		log.Fatal().Str("pipeline", *pipelineKind).Msg("unknown pipeline kind")
	}

	addr := *server
	ctlPort := *port
	if addr == "" {
		found, err := discover(log)
		if err != nil {
			log.Fatal().Err(err).Msg("no coordinator found")
		}
		addr = found.Host
		ctlPort = found.Port
	}

	cli := lockstep.NewClient(lockstep.ClientConfig{
		Address:  addr,
		Port:     ctlPort,
		ID:       *id,
		Config:   config,
		Pipeline: pipe,
		Logger:   log,
	})

	fatal := make(chan error, 1)
	cli.OnError = func(err error) { fatal <- err }

	if err := cli.Start(); err != nil {
		log.Fatal().Err(err).Msg("could not start client")
	}
	defer cli.Stop()

	log.Info().Str("server", addr).Int("port", ctlPort).Str("id", cli.ID()).Msg("client running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Stringer("signal", sig.(syscall.Signal)).Msg("shutting down")
	case err := <-fatal:
		log.Error().Err(err).Msg("control session lost, exiting")
	}
}

// discover browses mDNS for a coordinator and returns the first hit.
func discover(log zerolog.Logger) (*discovery.ServerInfo, error) {
	mdns := discovery.NewManager(discovery.Config{Logger: log})
	defer mdns.Stop()

	if err := mdns.Browse(); err != nil {
		return nil, err
	}

	select {
	case info := <-mdns.Servers():
		return info, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("discovery timed out")
	}
}
