// ABOUTME: WebSocket control server
// ABOUTME: Same session protocol as TCP, one JSON document per text message
package control

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
)

// WSPath is the HTTP path the WebSocket control channel is served on.
const WSPath = "/lockstep"

const wsWriteDeadline = 10 * time.Second

// WSServer serves the control protocol over WebSocket for clients that
// cannot hold a raw TCP socket (browser shells, proxied networks). Framing
// is the WebSocket message boundary instead of newlines; the session
// protocol is identical to the TCP transport.
type WSServer struct {
	addr string
	port int
	log  zerolog.Logger

	upgrader websocket.Upgrader

	infoMu  sync.RWMutex
	info    *protocol.SyncInfo
	version uint64

	sessionsMu sync.Mutex
	sessions   map[*wsSession]struct{}

	joined func(id string, config map[string]any)
	left   func(id string)

	lis        net.Listener
	httpServer *http.Server
	done       chan struct{}
	wg         sync.WaitGroup
	started    bool
}

type wsSession struct {
	conn *websocket.Conn
	id   string
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// NewWSServer creates a WebSocket control server.
func NewWSServer(addr string, port int, log zerolog.Logger) *WSServer {
	return &WSServer{
		addr:     addr,
		port:     port,
		log:      log.With().Str("component", "control-server-ws").Logger(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*wsSession]struct{}),
		done:     make(chan struct{}),
	}
}

func (s *WSServer) Addr() string { return s.addr }
func (s *WSServer) Port() int    { return s.port }

func (s *WSServer) OnClientJoined(fn func(id string, config map[string]any)) {
	s.joined = fn
}

func (s *WSServer) OnClientLeft(fn func(id string)) {
	s.left = fn
}

// Start binds the listener and begins serving upgrades.
func (s *WSServer) Start() error {
	if s.started {
		return fmt.Errorf("control server already started")
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(s.addr, fmt.Sprintf("%d", s.port)))
	if err != nil {
		return fmt.Errorf("bind control server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, s.handleUpgrade)

	s.lis = lis
	s.port = lis.Addr().(*net.TCPAddr).Port
	s.httpServer = &http.Server{Handler: mux}
	s.started = true

	s.log.Info().Str("addr", s.addr).Int("port", s.port).Msg("websocket control server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(lis); err != http.ErrServerClosed {
			s.log.Warn().Err(err).Msg("http server exited")
		}
	}()

	return nil
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleSession(conn)
}

func (s *WSServer) handleSession(conn *websocket.Conn) {
	log := s.log.With().Str("peer", conn.RemoteAddr().String()).Logger()

	_, frame, err := conn.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Msg("session ended before hello")
		conn.Close()
		return
	}

	hello, err := protocol.UnmarshalClientHello(frame)
	if err != nil {
		log.Warn().Err(err).Msg("invalid hello, closing session")
		conn.Close()
		return
	}

	sess := &wsSession{
		conn: conn,
		id:   hello.ID,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()

	log.Info().Str("id", hello.ID).Msg("client joined")
	if s.joined != nil {
		s.joined(hello.ID, hello.Config)
	}

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess)
		s.sessionsMu.Unlock()
		sess.close()

		log.Info().Str("id", hello.ID).Msg("client left")
		if s.left != nil {
			s.left(hello.ID)
		}
	}()

	// Control flows strictly server to client after the hello.
	go func() {
		if _, _, err := conn.ReadMessage(); err == nil {
			log.Warn().Str("id", hello.ID).Msg("unexpected message after hello")
		}
		sess.close()
	}()

	s.writeLoop(sess, log)
}

func (s *WSServer) writeLoop(sess *wsSession, log zerolog.Logger) {
	var sent uint64

	for {
		s.infoMu.RLock()
		info, version := s.info, s.version
		s.infoMu.RUnlock()

		if info != nil && version > sent {
			data, err := info.Marshal()
			if err != nil {
				log.Error().Err(err).Msg("could not serialize sync info")
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("session write failed")
				return
			}
			sent = version
			continue
		}

		select {
		case <-sess.wake:
		case <-sess.done:
			return
		case <-s.done:
			return
		}
	}
}

// SetSyncInfo publishes si to every connected session.
func (s *WSServer) SetSyncInfo(si *protocol.SyncInfo) {
	s.infoMu.Lock()
	s.info = si
	s.version++
	s.infoMu.Unlock()

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		select {
		case sess.wake <- struct{}{}:
		default:
		}
	}
	s.sessionsMu.Unlock()
}

// Stop closes the listener and every session.
func (s *WSServer) Stop() {
	if !s.started {
		return
	}
	s.started = false

	close(s.done)
	s.httpServer.Close()

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.sessionsMu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("websocket control server stopped")
}
