package session

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"openfms/netcore/internal/packet"
)

type tcpTransport struct {
	addr     string
	accepted bool
	used     bool

	conn   atomic.Pointer[net.TCPConn]
	sndBuf atomic.Int64
}

// NewTCPClient creates a session that dials addr on Open and redials after
// transport failures up to cfg.MaxReconnect times.
func NewTCPClient(addr string, cfg Config, obs Observer) *Session {
	return newSession(&tcpTransport{addr: addr}, nil, cfg, obs)
}

// Accept wraps a connection accepted by host. The session still has to be
// opened; once closed it cannot be reopened.
func Accept(conn net.Conn, host Host, cfg Config, obs Observer) *Session {
	t := &tcpTransport{accepted: true}
	if tc, ok := conn.(*net.TCPConn); ok {
		t.conn.Store(tc)
		t.sndBuf.Store(int64(sendBufferSize(tc)))
	}
	return newSession(t, host, cfg, obs)
}

func (t *tcpTransport) open(ctx context.Context) error {
	if t.accepted {
		if t.used || t.conn.Load() == nil {
			return ErrClosed
		}
		t.used = true
		return nil
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		if isTimeout(err) || ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, t.addr)
		}
		return fmt.Errorf("session: dial %s: %w", t.addr, err)
	}
	tc := conn.(*net.TCPConn)
	tc.SetNoDelay(true)
	t.sndBuf.Store(int64(sendBufferSize(tc)))
	t.conn.Store(tc)
	return nil
}

func (t *tcpTransport) close() error {
	c := t.conn.Load()
	if c == nil {
		return nil
	}
	return c.Close()
}

// send writes the whole chain with one vectored write, first growing the
// socket send buffer when the packet is larger than it.
func (t *tcpTransport) send(p *packet.Packet, _ net.Addr) (int, error) {
	c := t.conn.Load()
	if c == nil {
		return 0, net.ErrClosed
	}
	if n := int64(p.Total()); n > t.sndBuf.Load() {
		if err := c.SetWriteBuffer(int(n)); err == nil {
			t.sndBuf.Store(n)
		}
	}
	bufs := p.Buffers()
	n, err := bufs.WriteTo(c)
	return int(n), err
}

func (t *tcpTransport) receive(buf []byte) (int, net.Addr, error) {
	c := t.conn.Load()
	if c == nil {
		return 0, nil, net.ErrClosed
	}
	n, err := c.Read(buf)
	return n, c.RemoteAddr(), err
}

func (t *tcpTransport) localAddr() net.Addr {
	if c := t.conn.Load(); c != nil {
		return c.LocalAddr()
	}
	return nil
}

func (t *tcpTransport) remoteAddr() net.Addr {
	if c := t.conn.Load(); c != nil {
		return c.RemoteAddr()
	}
	return nil
}

func (t *tcpTransport) stream() bool  { return true }
func (t *tcpTransport) reads() bool   { return true }
func (t *tcpTransport) redials() bool { return !t.accepted }
