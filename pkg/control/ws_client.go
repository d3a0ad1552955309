// ABOUTME: WebSocket control client
// ABOUTME: Dials the /lockstep endpoint and streams SyncInfo updates
package control

import (
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

// WSClient is the client half of the WebSocket control transport.
type WSClient struct {
	addr  string
	port  int
	hello *protocol.ClientHello
	log   zerolog.Logger

	mu   sync.RWMutex
	info *protocol.SyncInfo

	onSync func(si *protocol.SyncInfo)
	onErr  func(err error)

	conn    *websocket.Conn
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewWSClient creates a WebSocket control client for addr:port.
func NewWSClient(addr string, port int, hello *protocol.ClientHello, log zerolog.Logger) *WSClient {
	return &WSClient{
		addr:  addr,
		port:  port,
		hello: hello,
		log:   log.With().Str("component", "control-client-ws").Logger(),
		done:  make(chan struct{}),
	}
}

// SetAddress updates the server address; only effective before Start.
func (c *WSClient) SetAddress(addr string) { c.addr = addr }

// SetPort updates the server port; only effective before Start.
func (c *WSClient) SetPort(port int) { c.port = port }

func (c *WSClient) OnSyncInfo(fn func(si *protocol.SyncInfo)) { c.onSync = fn }
func (c *WSClient) OnError(fn func(err error))               { c.onErr = fn }

// SyncInfo returns the last received document, or nil.
func (c *WSClient) SyncInfo() *protocol.SyncInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Start connects, performs the hello and launches the read loop.
func (c *WSClient) Start() error {
	if c.started {
		return fmt.Errorf("control client already started")
	}

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.addr, fmt.Sprintf("%d", c.port)),
		Path:   WSPath,
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect control server: %w", err)
	}

	data, err := c.hello.Marshal()
	if err != nil {
		conn.Close()
		return fmt.Errorf("serialize hello: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	c.conn = conn
	c.started = true
	c.log.Info().Str("url", u.String()).Str("id", c.hello.ID).Msg("connected to control server")

	c.wg.Add(1)
	go c.readLoop()

	return nil
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.fatal(fmt.Errorf("control connection lost: %w", err))
			return
		}

		si, err := protocol.UnmarshalSyncInfo(frame)
		if err != nil {
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

func (c *WSClient) fatal(err error) {
	c.log.Error().Err(err).Msg("control session failed")
	c.conn.Close()
	if c.onErr != nil {
		c.onErr(err)
	}
}

// Stop disconnects and waits for the read loop.
func (c *WSClient) Stop() {
	if !c.started {
		return
	}
	c.started = false

	close(c.done)
	c.conn.Close()
	c.wg.Wait()
}
