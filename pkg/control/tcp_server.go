// ABOUTME: TCP control server
// ABOUTME: Accept loop, hello-first sessions and versioned SyncInfo fan-out
package control

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lockstep-av/lockstep/pkg/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TCPServer is the default control-plane transport: one long-lived TCP
// connection per client carrying newline-delimited JSON frames.
type TCPServer struct {
	addr string
	port int
	log  zerolog.Logger

	// infoMu guards info and version. The orchestrator writes, every
	// session reads.
	infoMu  sync.RWMutex
	info    *protocol.SyncInfo
	version uint64

	sessionsMu sync.Mutex
	sessions   map[*tcpSession]struct{}

	joined func(id string, config map[string]any)
	left   func(id string)

	lis     net.Listener
	group   *errgroup.Group
	done    chan struct{}
	started bool
}

// tcpSession is one connected client. The writer goroutine owns all sends;
// wake has a single slot so redundant notifications collapse.
type tcpSession struct {
	conn net.Conn
	id   string
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *tcpSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// NewTCPServer creates a TCP control server listening on addr:port once
// started. Port 0 picks a free port, reported by Port after Start.
func NewTCPServer(addr string, port int, log zerolog.Logger) *TCPServer {
	return &TCPServer{
		addr:     addr,
		port:     port,
		log:      log.With().Str("component", "control-server").Logger(),
		sessions: make(map[*tcpSession]struct{}),
		done:     make(chan struct{}),
	}
}

func (s *TCPServer) Addr() string { return s.addr }
func (s *TCPServer) Port() int    { return s.port }

func (s *TCPServer) OnClientJoined(fn func(id string, config map[string]any)) {
	s.joined = fn
}

func (s *TCPServer) OnClientLeft(fn func(id string)) {
	s.left = fn
}

// Start binds the listener and launches the accept loop.
func (s *TCPServer) Start() error {
	if s.started {
		return fmt.Errorf("control server already started")
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(s.addr, fmt.Sprintf("%d", s.port)))
	if err != nil {
		return fmt.Errorf("bind control server: %w", err)
	}

	s.lis = lis
	s.port = lis.Addr().(*net.TCPAddr).Port
	s.started = true
	s.group = &errgroup.Group{}

	s.log.Info().Str("addr", s.addr).Int("port", s.port).Msg("control server listening")

	s.group.Go(s.acceptLoop)
	return nil
}

func (s *TCPServer) acceptLoop() error {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept failure: keep serving other sessions.
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.group.Go(func() error {
			s.handleSession(conn)
			return nil
		})
	}
}

// handleSession runs one client session: hello, register, then stream
// SyncInfo versions until the peer goes away or the server stops.
func (s *TCPServer) handleSession(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	log := s.log.With().Str("peer", peer).Logger()

	br := protocol.NewFrameReader(conn)

	frame, err := protocol.ReadFrame(br)
	if err != nil {
		log.Warn().Err(err).Msg("session ended before hello")
		conn.Close()
		return
	}

	hello, err := protocol.UnmarshalClientHello(frame)
	if err != nil {
		// Protocol error before a valid hello: close without joining.
		log.Warn().Err(err).Msg("invalid hello, closing session")
		conn.Close()
		return
	}

	sess := &tcpSession{
		conn: conn,
		id:   hello.ID,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	s.sessionsMu.Lock()
	duplicate := false
	for other := range s.sessions {
		if other.id == hello.ID {
			duplicate = true
		}
	}
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()

	if duplicate {
		// Ids are opaque and uniqueness is not enforced; note it and
		// carry on.
		log.Warn().Str("id", hello.ID).Msg("duplicate client id")
	}
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

	// The hello is the only frame a client may send. Anything further,
	// including bytes already sitting in the read buffer, is a protocol
	// error that ends the session.
	go func() {
		if _, err := br.ReadByte(); err == nil {
			log.Warn().Str("id", hello.ID).Msg("unexpected data after hello")
		}
		sess.close()
	}()

	s.writeLoop(sess, log)
}

// writeLoop delivers each published version at most once, newest wins. A
// send for one version completes before the next begins.
func (s *TCPServer) writeLoop(sess *tcpSession, log zerolog.Logger) {
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
			if err := protocol.WriteFrame(sess.conn, data); err != nil {
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
func (s *TCPServer) SetSyncInfo(si *protocol.SyncInfo) {
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

// Stop closes the listener and all sessions and waits for their tasks.
func (s *TCPServer) Stop() {
	if !s.started {
		return
	}
	s.started = false

	close(s.done)
	s.lis.Close()

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.sessionsMu.Unlock()

	s.group.Wait()
	s.log.Info().Msg("control server stopped")
}
