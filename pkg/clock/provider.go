// ABOUTME: Reference-clock provider served over UDP
// ABOUTME: Answers consumer round-trips with provider-domain timestamps
package clock

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Clock is a monotonic nanosecond clock. Both halves of the clock pair and
// every pipeline implementation consume time through this interface.
type Clock interface {
	Now() uint64
}

// Provider serves the reference clock for a whole deployment. It answers
// each consumer request with receive/transmit timestamps so consumers can
// estimate their offset NTP-style.
type Provider struct {
	addr string
	port int

	epoch time.Time
	conn  *net.UDPConn
	log   zerolog.Logger

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewProvider creates a provider that will bind addr:port on Start. Port 0
// asks the OS for a port; the resolved value is available from Port after
// Start returns.
func NewProvider(addr string, port int, log zerolog.Logger) *Provider {
	return &Provider{
		addr:  addr,
		port:  port,
		epoch: time.Now(),
		log:   log.With().Str("component", "clock-provider").Logger(),
	}
}

// Now returns the reference time in nanoseconds since the provider epoch.
func (p *Provider) Now() uint64 {
	return uint64(time.Since(p.epoch))
}

// Port returns the bound port, valid after Start.
func (p *Provider) Port() int {
	return p.port
}

// Start binds the UDP socket and begins answering requests.
func (p *Provider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("clock provider already started")
	}

	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(p.addr, fmt.Sprintf("%d", p.port)))
	if err != nil {
		return fmt.Errorf("resolve clock address: %w", err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("bind clock provider: %w", err)
	}

	p.conn = conn
	p.port = conn.LocalAddr().(*net.UDPAddr).Port
	p.started = true

	p.log.Info().Str("addr", p.addr).Int("port", p.port).Msg("clock provider listening")

	p.wg.Add(1)
	go p.serve(conn)

	return nil
}

func (p *Provider) serve(conn *net.UDPConn) {
	defer p.wg.Done()

	req := make([]byte, 64)
	resp := make([]byte, responseSize)

	for {
		n, peer, err := conn.ReadFromUDP(req)
		if err != nil {
			// Timeouts are transient; any other error, including the
			// closed socket at shutdown, ends the loop.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		t2 := p.Now()

		t1, ok := decodeRequest(req[:n])
		if !ok {
			p.log.Debug().Int("bytes", n).Msg("short clock request dropped")
			continue
		}

		t3 := p.Now()
		if _, err := conn.WriteToUDP(encodeResponse(resp, t1, t2, t3), peer); err != nil {
			p.log.Debug().Err(err).Msg("clock response write failed")
		}
	}
}

// Stop closes the socket and waits for the serve loop to exit.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	conn := p.conn
	p.mu.Unlock()

	conn.Close()
	p.wg.Wait()
	p.log.Info().Msg("clock provider stopped")
}
