// ABOUTME: TCP control client
// ABOUTME: Dials the server, sends the hello and streams SyncInfo updates
package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

// TCPClient is the client half of the TCP control transport.
type TCPClient struct {
	addr  string
	port  int
	hello *protocol.ClientHello
	log   zerolog.Logger

	mu   sync.RWMutex
	info *protocol.SyncInfo

	onSync func(si *protocol.SyncInfo)
	onErr  func(err error)

	conn    net.Conn
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewTCPClient creates a control client that will connect to addr:port and
// identify itself with hello.
func NewTCPClient(addr string, port int, hello *protocol.ClientHello, log zerolog.Logger) *TCPClient {
	return &TCPClient{
		addr:  addr,
		port:  port,
		hello: hello,
		log:   log.With().Str("component", "control-client").Logger(),
		done:  make(chan struct{}),
	}
}

// SetAddress updates the server address; only effective before Start.
func (c *TCPClient) SetAddress(addr string) { c.addr = addr }

// SetPort updates the server port; only effective before Start.
func (c *TCPClient) SetPort(port int) { c.port = port }

func (c *TCPClient) OnSyncInfo(fn func(si *protocol.SyncInfo)) { c.onSync = fn }
func (c *TCPClient) OnError(fn func(err error))               { c.onErr = fn }

// SyncInfo returns the last received document, or nil before the first
// update.
func (c *TCPClient) SyncInfo() *protocol.SyncInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Start connects, performs the hello and launches the read loop.
func (c *TCPClient) Start() error {
	if c.started {
		return fmt.Errorf("control client already started")
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(c.addr, fmt.Sprintf("%d", c.port)))
	if err != nil {
		return fmt.Errorf("connect control server: %w", err)
	}

	data, err := c.hello.Marshal()
	if err != nil {
		conn.Close()
		return fmt.Errorf("serialize hello: %w", err)
	}
	if err := protocol.WriteFrame(conn, data); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	c.conn = conn
	c.started = true
	c.log.Info().Str("addr", c.addr).Int("port", c.port).Str("id", c.hello.ID).Msg("connected to control server")

	c.wg.Add(1)
	go c.readLoop()

	return nil
}

func (c *TCPClient) readLoop() {
	defer c.wg.Done()

	br := protocol.NewFrameReader(c.conn)

	for {
		frame, err := protocol.ReadFrame(br)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("control connection closed by server")
			}
			c.fatal(err)
			return
		}

		si, err := protocol.UnmarshalSyncInfo(frame)
		if err != nil {
			// A version we do not speak, or a frame we cannot parse:
			// either way the session is over.
			c.fatal(err)
			return
		}

		c.mu.Lock()
		c.info = si
		c.mu.Unlock()

		if c.onSync != nil {
			c.onSync(si)
		}
	}
}

func (c *TCPClient) fatal(err error) {
	c.log.Error().Err(err).Msg("control session failed")
	c.conn.Close()
	if c.onErr != nil {
		c.onErr(err)
	}
}

// Stop disconnects and waits for the read loop.
func (c *TCPClient) Stop() {
	if !c.started {
		return
	}
	c.started = false

	close(c.done)
	c.conn.Close()
	c.wg.Wait()
}
