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
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/session"
)

const datagramSize = 64 << 10

// UDPServer reads one socket with several concurrent receivers and routes
// each datagram to the session of its sender, creating it on first contact.
type UDPServer struct {
	cfg      Config
	observer session.Observer
	sessions *table
	log      *logrus.Entry

	conn   net.PacketConn
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPServer creates a server; obs receives the events of every peer.
func NewUDPServer(cfg Config, obs session.Observer) *UDPServer {
	return &UDPServer{
		cfg:      cfg.withDefaults(),
		observer: obs,
		sessions: newTable(),
		log:      logger.Scope("udp-server").WithField("addr", cfg.Addr),
	}
}

// Start binds the socket and starts the receivers.
func (s *UDPServer) Start(ctx context.Context) error {
	lc := session.ListenConfig(s.cfg.ReusePort)
	conn, err := lc.ListenPacket(ctx, "udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(ctx)

	receivers := s.cfg.Session.MaxAsync
	if receivers <= 0 {
		receivers = 4
	}
	s.log.WithFields(logrus.Fields{
		"listen":    conn.LocalAddr().String(),
		"receivers": receivers,
	}).Info("UDP server listening")

	s.wg.Add(receivers + 1)
	for i := 0; i < receivers; i++ {
		go s.receiveLoop()
	}
	go s.sweepLoop()
	return nil
}

// Stop closes the socket and every peer session.
func (s *UDPServer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.conn.Close()
	s.wg.Wait()
	s.sessions.closeAll("server stopped")
}

func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPServer) Sessions() []*session.Session { return s.sessions.list() }

func (s *UDPServer) Session(id string) (*session.Session, bool) { return s.sessions.get(id) }

func (s *UDPServer) Count() int { return s.sessions.len() }

// Detach forgets a closed peer; its next datagram starts a new session.
func (s *UDPServer) Detach(sess *session.Session) {
	s.sessions.remove(sess)
}

func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, datagramSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			// The socket stays usable after a failed read.
			s.log.WithError(err).Debug("receive error")
			continue
		}
		if n == 0 {
			continue
		}
		peer := s.peer(from)
		if peer == nil {
			continue
		}
		if err := s.deliver(peer, packet.NewSlice(buf, 0, n), from); err != nil {
			s.log.WithError(err).WithField("remote", from.String()).Debug("datagram dropped")
		}
	}
}

// deliver injects a datagram into peer. A peer the idle sweep closed after
// it was looked up is replaced once.
func (s *UDPServer) deliver(peer *session.Session, p *packet.Packet, from net.Addr) error {
	err := peer.Inject(p, from)
	if !errors.Is(err, session.ErrClosed) {
		return err
	}
	s.sessions.remove(peer)
	if peer = s.peer(from); peer == nil {
		return err
	}
	return peer.Inject(p, from)
}

// peer returns the session for from, creating and opening it if needed.
func (s *UDPServer) peer(from net.Addr) *session.Session {
	key := from.String()
	if sess, ok := s.sessions.lookup(key); ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions.lookup(key); ok {
		return sess
	}
	sess := session.NewUDPPeer(s.conn, from, s, s.cfg.Session, s.observer)
	if err := sess.Open(s.ctx); err != nil {
		s.log.WithError(err).Warn("failed to open peer session")
		return nil
	}
	s.sessions.add(key, sess)
	s.log.WithFields(logrus.Fields{
		"session": sess.ID(),
		"remote":  key,
	}).Debug("new peer")
	if s.cfg.OnOpen != nil {
		s.cfg.OnOpen(sess)
	}
	return sess
}

func (s *UDPServer) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.sessions.sweep(now, s.cfg.IdleTimeout); n > 0 {
				s.log.WithField("count", n).Debug("closed idle peers")
			}
		}
	}
}
