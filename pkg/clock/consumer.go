// ABOUTME: Reference-clock consumer with NTP-style offset estimation
// ABOUTME: Polls the provider, smooths the offset and signals sync
package clock

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// pollInterval is the steady-state gap between round trips once the
	// clock is synchronised.
	pollInterval = 500 * time.Millisecond

	// acquireInterval is the tighter gap used until enough samples have
	// been accepted, so a fresh consumer locks quickly.
	acquireInterval = 100 * time.Millisecond

	// maxRTT is the round-trip ceiling above which a sample is discarded
	// as congested.
	maxRTT = 100 * time.Millisecond

	// smoothingRate is the exponential-smoothing weight for new samples.
	smoothingRate = 0.1

	// minSamples is how many accepted round trips it takes before the
	// consumer declares itself synchronised.
	minSamples = 5
)

// ErrSyncTimeout reports that WaitForSync gave up before the offset
// estimator stabilised.
var ErrSyncTimeout = errors.New("clock: synchronisation timed out")

// Consumer tracks a remote Provider and exposes the reference clock
// locally. Now converges on the provider's Now within bounded skew,
// sub-millisecond on a quiet LAN.
type Consumer struct {
	addr string
	port uint16

	epoch time.Time
	conn  *net.UDPConn
	log   zerolog.Logger

	mu        sync.RWMutex
	offset    int64 // smoothed provider-minus-local offset, ns
	rtt       int64 // latest accepted round trip, ns
	samples   int
	converged bool

	synced  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewConsumer creates a consumer for the provider at addr:port, as
// published in the SyncInfo document.
func NewConsumer(addr string, port uint16, log zerolog.Logger) *Consumer {
	return &Consumer{
		addr:   addr,
		port:   port,
		epoch:  time.Now(),
		log:    log.With().Str("component", "clock-consumer").Logger(),
		synced: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start connects to the provider and begins polling.
func (c *Consumer) Start() error {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.addr, fmt.Sprintf("%d", c.port)))
	if err != nil {
		return fmt.Errorf("resolve clock provider: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial clock provider: %w", err)
	}

	c.conn = conn
	c.started = true

	c.wg.Add(1)
	go c.pollLoop()

	return nil
}

// localNow is the consumer's own monotonic clock.
func (c *Consumer) localNow() uint64 {
	return uint64(time.Since(c.epoch))
}

// Now returns the estimated reference time in nanoseconds.
func (c *Consumer) Now() uint64 {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()

	now := int64(c.localNow()) + offset
	if now < 0 {
		return 0
	}
	return uint64(now)
}

// Synchronised reports whether the offset estimator has stabilised.
func (c *Consumer) Synchronised() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.converged
}

// Stats returns the smoothed offset and latest round-trip time.
func (c *Consumer) Stats() (offset, rtt time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.offset), time.Duration(c.rtt)
}

// WaitForSync blocks until the consumer is synchronised or the timeout
// elapses, in which case it returns ErrSyncTimeout.
func (c *Consumer) WaitForSync(timeout time.Duration) error {
	select {
	case <-c.synced:
		return nil
	case <-c.done:
		return fmt.Errorf("clock: consumer stopped")
	case <-time.After(timeout):
		return ErrSyncTimeout
	}
}

func (c *Consumer) pollLoop() {
	defer c.wg.Done()

	req := make([]byte, requestSize)
	resp := make([]byte, 64)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		t1 := c.localNow()
		if _, err := c.conn.Write(encodeRequest(req, t1)); err != nil {
			c.log.Debug().Err(err).Msg("clock request write failed")
		} else {
			c.readResponse(resp, t1)
		}

		interval := pollInterval
		if !c.Synchronised() {
			interval = acquireInterval
		}

		select {
		case <-c.done:
			return
		case <-time.After(interval):
		}
	}
}

// readResponse consumes replies until one matches the request stamp t1,
// discarding stale replies from earlier rounds.
func (c *Consumer) readResponse(buf []byte, want uint64) {
	deadline := time.Now().Add(pollInterval)

	for {
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}

		t1, t2, t3, ok := decodeResponse(buf[:n])
		if !ok || t1 != want {
			continue
		}

		t4 := c.localNow()
		c.processSample(int64(t1), int64(t2), int64(t3), int64(t4))
		return
	}
}

// processSample folds one round trip into the offset estimator. This is
// the classic NTP calculation: the round trip excludes provider hold time
// and the offset assumes symmetric paths.
func (c *Consumer) processSample(t1, t2, t3, t4 int64) {
	rtt := (t4 - t1) - (t3 - t2)
	offset := ((t2 - t1) + (t3 - t4)) / 2

	if rtt > int64(maxRTT) {
		c.log.Debug().Dur("rtt", time.Duration(rtt)).Msg("discarding congested clock sample")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rtt = rtt
	if c.samples == 0 {
		c.offset = offset
	} else {
		c.offset = int64(float64(c.offset)*(1-smoothingRate) + float64(offset)*smoothingRate)
	}
	c.samples++

	if !c.converged && c.samples >= minSamples {
		c.converged = true
		close(c.synced)
		c.log.Info().
			Dur("offset", time.Duration(c.offset)).
			Dur("rtt", time.Duration(rtt)).
			Msg("clock synchronised")
	}
}

// Stop terminates polling and releases the socket.
func (c *Consumer) Stop() {
	if !c.started {
		return
	}
	c.started = false

	close(c.done)
	c.conn.Close()
	c.wg.Wait()
}
