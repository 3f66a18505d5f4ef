package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/session"
)

// TCPServer accepts connections and runs one session per connection.
type TCPServer struct {
	cfg      Config
	observer session.Observer
	sessions *table
	log      *logrus.Entry

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPServer creates a server; obs receives the events of every session.
func NewTCPServer(cfg Config, obs session.Observer) *TCPServer {
	return &TCPServer{
		cfg:      cfg.withDefaults(),
		observer: obs,
		sessions: newTable(),
		log:      logger.Scope("tcp-server").WithField("addr", cfg.Addr),
	}
}

// Start binds the listener and starts accepting. It returns once the socket
// is listening.
func (s *TCPServer) Start(ctx context.Context) error {
	lc := session.ListenConfig(s.cfg.ReusePort)
	listener, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.log.WithField("listen", listener.Addr().String()).Info("TCP server listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go s.sweepLoop()
	return nil
}

// Stop closes the listener and every session.
func (s *TCPServer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.listener.Close()
	s.wg.Wait()
	s.sessions.closeAll("server stopped")
}

// Addr is the bound listen address.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) Sessions() []*session.Session { return s.sessions.list() }

func (s *TCPServer) Session(id string) (*session.Session, bool) { return s.sessions.get(id) }

func (s *TCPServer) Count() int { return s.sessions.len() }

// Detach forgets a closed session.
func (s *TCPServer) Detach(sess *session.Session) {
	s.sessions.remove(sess)
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Back off on errors such as EMFILE.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			s.log.WithError(err).Warnf("accept error; retrying in %v", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	sess := session.Accept(conn, s, s.cfg.Session, s.observer)
	s.sessions.add("", sess)
	if err := sess.Open(s.ctx); err != nil {
		s.sessions.remove(sess)
		conn.Close()
		s.log.WithError(err).Warn("failed to open session")
		return
	}
	s.log.WithFields(logrus.Fields{
		"session": sess.ID(),
		"remote":  conn.RemoteAddr().String(),
	}).Debug("new connection")
	if s.cfg.OnOpen != nil {
		s.cfg.OnOpen(sess)
	}
}

func (s *TCPServer) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.sessions.sweep(now, s.cfg.IdleTimeout); n > 0 {
				s.log.WithField("count", n).Info("closed idle sessions")
			}
		}
	}
}
