package session

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"openfms/netcore/internal/packet"
)

type udpTransport struct {
	addr string
	conn atomic.Pointer[net.UDPConn]
}

// NewUDPClient creates a session on an unconnected UDP socket. Sends go to
// addr, resolved on every call, unless SendTo names another destination.
func NewUDPClient(addr string, cfg Config, obs Observer) *Session {
	return newSession(&udpTransport{addr: addr}, nil, cfg, obs)
}

func (t *udpTransport) open(context.Context) error {
	if _, err := t.resolve(); err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("session: udp socket: %w", err)
	}
	t.conn.Store(conn)
	return nil
}

func (t *udpTransport) resolve() (*net.UDPAddr, error) {
	a, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("session: resolve %s: %w", t.addr, err)
	}
	return a, nil
}

func (t *udpTransport) close() error {
	if c := t.conn.Swap(nil); c != nil {
		return c.Close()
	}
	return nil
}

func (t *udpTransport) send(p *packet.Packet, remote net.Addr) (int, error) {
	c := t.conn.Load()
	if c == nil {
		return 0, net.ErrClosed
	}
	if remote == nil {
		a, err := t.resolve()
		if err != nil {
			return 0, err
		}
		remote = a
	}
	return c.WriteTo(p.ToArray(), remote)
}

func (t *udpTransport) receive(buf []byte) (int, net.Addr, error) {
	c := t.conn.Load()
	if c == nil {
		return 0, nil, net.ErrClosed
	}
	n, from, err := c.ReadFromUDP(buf)
	if from == nil {
		return n, nil, err
	}
	return n, from, err
}

func (t *udpTransport) localAddr() net.Addr {
	if c := t.conn.Load(); c != nil {
		return c.LocalAddr()
	}
	return nil
}

func (t *udpTransport) remoteAddr() net.Addr {
	a, err := t.resolve()
	if err != nil {
		return nil
	}
	return a
}

func (t *udpTransport) stream() bool  { return false }
func (t *udpTransport) reads() bool   { return true }
func (t *udpTransport) redials() bool { return false }

// peerTransport is a server-side view of one remote on a shared socket.
// The server reads the socket and feeds the session through Inject.
type peerTransport struct {
	conn   net.PacketConn
	remote net.Addr
}

// NewUDPPeer creates a session for datagrams exchanged with remote over a
// socket owned by host. Closing the session leaves the socket open.
func NewUDPPeer(conn net.PacketConn, remote net.Addr, host Host, cfg Config, obs Observer) *Session {
	return newSession(&peerTransport{conn: conn, remote: remote}, host, cfg, obs)
}

func (t *peerTransport) open(context.Context) error { return nil }
func (t *peerTransport) close() error               { return nil }

func (t *peerTransport) send(p *packet.Packet, remote net.Addr) (int, error) {
	if remote == nil {
		remote = t.remote
	}
	return t.conn.WriteTo(p.ToArray(), remote)
}

func (t *peerTransport) receive([]byte) (int, net.Addr, error) {
	return 0, nil, net.ErrClosed
}

func (t *peerTransport) localAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *peerTransport) remoteAddr() net.Addr { return t.remote }
func (t *peerTransport) stream() bool         { return false }
func (t *peerTransport) reads() bool          { return false }
func (t *peerTransport) redials() bool        { return false }
