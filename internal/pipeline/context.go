package pipeline

import (
	"net"
	"time"

	"openfms/netcore/internal/correlator"
	"openfms/netcore/internal/packet"
)

// Session is the view of a session that handlers get through a Context.
type Session interface {
	ID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Send writes raw bytes, bypassing the pipeline. It returns the number
	// of bytes sent or a negative value on failure.
	Send(p *packet.Packet) int
	Set(key string, value any)
	Get(key string) (any, bool)
}

// Context carries one traversal through the pipeline.
type Context struct {
	Session Session
	// Remote is the peer of this message; for datagram sessions it may
	// differ from Session.RemoteAddr.
	Remote net.Addr
	// Frame is the raw inbound frame being decoded, nil on writes.
	Frame *packet.Packet

	// Correlator, when set, lets codecs register outbound requests.
	Correlator *correlator.Correlator
	// Expect is set by callers awaiting a response to the written message.
	Expect bool
	// Timeout bounds the wait for a response.
	Timeout time.Duration
	// Pending is filled by the codec that registered the request.
	Pending *correlator.Pending
}

// Owner is the identity requests are correlated under.
func (c *Context) Owner() any {
	if c.Session == nil {
		return nil
	}
	return c.Session
}
