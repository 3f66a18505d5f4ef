// Package correlator matches unordered responses to outstanding requests.
package correlator

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/packet"
)

// DefaultSweepInterval is how often expired requests are canceled.
const DefaultSweepInterval = time.Second

// ErrCanceled is reported by a Pending that expired or was canceled before a
// response arrived.
var ErrCanceled = errors.New("correlator: request canceled")

// Matcher decides whether response answers request.
type Matcher func(request, response any) bool

// MatchAny accepts any response.
func MatchAny(_, _ any) bool { return true }

// MatchBytesAt compares n bytes at offset of the raw request and response.
// Messages that are not byte payloads never match.
func MatchBytesAt(offset, n int) Matcher {
	return func(request, response any) bool {
		req, resp := packet.From(request), packet.From(response)
		if req == nil || resp == nil {
			return false
		}
		a, b := req.ToArray(), resp.ToArray()
		if len(a) < offset+n || len(b) < offset+n {
			return false
		}
		return bytes.Equal(a[offset:offset+n], b[offset:offset+n])
	}
}

const (
	statePending int32 = iota
	stateCompleted
	stateCanceled
)

// Pending is an outstanding request. It completes at most once: with a
// response, or by cancellation.
type Pending struct {
	owner    any
	remote   net.Addr
	request  any
	deadline time.Time

	state  atomic.Int32
	done   chan struct{}
	result any
}

func newPending(owner any, remote net.Addr, request any, deadline time.Time) *Pending {
	return &Pending{
		owner:    owner,
		remote:   remote,
		request:  request,
		deadline: deadline,
		done:     make(chan struct{}),
	}
}

// Request returns the message the entry was registered with.
func (p *Pending) Request() any { return p.request }

// Deadline is when the entry expires.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done is closed once the entry is completed or canceled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Canceled reports whether the entry ended without a response.
func (p *Pending) Canceled() bool { return p.state.Load() == stateCanceled }

// Wait blocks until the entry resolves. An expired entry returns ErrCanceled;
// ctx cancellation returns ctx.Err() and leaves the entry registered.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.state.Load() == stateCanceled {
		return nil, ErrCanceled
	}
	return p.result, nil
}

func (p *Pending) complete(v any) bool {
	if !p.state.CompareAndSwap(statePending, stateCompleted) {
		return false
	}
	p.result = v
	close(p.done)
	return true
}

func (p *Pending) cancel() bool {
	if !p.state.CompareAndSwap(statePending, stateCanceled) {
		return false
	}
	close(p.done)
	return true
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithMatcher sets the signature predicate.
func WithMatcher(m Matcher) Option {
	return func(c *Correlator) { c.match = m }
}

// WithSweepInterval sets how often expired entries are canceled.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Correlator) { c.interval = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// Correlator tracks pending requests for one listener or session. The sweep
// goroutine starts with the first Add and stops on Close.
type Correlator struct {
	match    Matcher
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	items   []*Pending
	running bool
	closed  bool
	stop    chan struct{}
}

// New creates a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		match:    MatchAny,
		interval: DefaultSweepInterval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a request and returns its awaitable. The entry is canceled
// by the sweep once timeout has passed without a match.
func (c *Correlator) Add(owner any, remote net.Addr, request any, timeout time.Duration) *Pending {
	p := newPending(owner, remote, request, c.now().Add(timeout))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		p.cancel()
		return p
	}
	c.items = append(c.items, p)
	if !c.running {
		c.running = true
		go c.sweepLoop()
	}
	return p
}

// Match completes the first pending entry answered by response and reports
// whether one was found.
func (c *Correlator) Match(owner any, remote net.Addr, response any) bool {
	c.mu.Lock()
	items := append([]*Pending(nil), c.items...)
	c.mu.Unlock()

	for _, p := range items {
		if p.owner != owner || !sameRemote(p.remote, remote) {
			continue
		}
		if !c.match(p.request, response) {
			continue
		}
		if !c.remove(p) {
			// Lost the race with the sweep or another match.
			continue
		}
		if p.complete(response) {
			return true
		}
	}
	return false
}

// Remove drops an entry without resolving it, canceling it for waiters.
func (c *Correlator) Remove(p *Pending) bool {
	if !c.remove(p) {
		return false
	}
	p.cancel()
	return true
}

// Sweep cancels every entry past its deadline and returns how many it did.
func (c *Correlator) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var expired []*Pending
	kept := c.items[:0]
	for _, p := range c.items {
		if now.After(p.deadline) {
			expired = append(expired, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = nil
	}
	c.items = kept
	c.mu.Unlock()

	n := 0
	for _, p := range expired {
		if p.cancel() {
			n++
		}
	}
	if n > 0 {
		logger.Scope("correlator").WithField("count", n).Debug("canceled expired requests")
	}
	return n
}

// CancelOwner cancels every entry registered by owner.
func (c *Correlator) CancelOwner(owner any) int {
	c.mu.Lock()
	var dropped []*Pending
	kept := c.items[:0]
	for _, p := range c.items {
		if p.owner == owner {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = nil
	}
	c.items = kept
	c.mu.Unlock()

	n := 0
	for _, p := range dropped {
		if p.cancel() {
			n++
		}
	}
	return n
}

// Len is the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the sweep and cancels everything still pending.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	items := c.items
	c.items = nil
	close(c.stop)
	c.mu.Unlock()

	for _, p := range items {
		p.cancel()
	}
}

func (c *Correlator) remove(p *Pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.items {
		if cur == p {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Correlator) sweepLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

func sameRemote(a, b net.Addr) bool {
	if a == nil || b == nil {
		return true
	}
	return a.String() == b.String()
}
