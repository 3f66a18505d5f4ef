// Package session runs one network endpoint: it owns the socket, keeps a
// fixed number of receives outstanding, reassembles frames, pushes them
// through the handler pipeline and routes the results to the correlator or
// the observer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"openfms/netcore/internal/correlator"
	"openfms/netcore/internal/frame"
	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
	"openfms/netcore/internal/worker"
)

// State is the lifecycle stage of a session.
type State int32

const (
	Closed State = iota
	Opening
	Active
)

func (st State) String() string {
	switch st {
	case Opening:
		return "opening"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultReconnectDelay = 500 * time.Millisecond
	DefaultReconnectMax   = 10 * time.Second

	streamBufferSize   = 8 << 10
	datagramBufferSize = 64 << 10
)

// Config holds the tunables shared by every transport.
type Config struct {
	// Format frames stream input. Nil passes each received chunk through as
	// one frame.
	Format frame.Format
	// Expire is the staleness window for partial frames.
	Expire time.Duration
	// MaxBuffer caps bytes held for one partial frame.
	MaxBuffer int
	// MaxAsync is the number of concurrent receives; 0 picks 1 for TCP and
	// 4 for UDP.
	MaxAsync int
	// BufferSize is the receive buffer per outstanding receive.
	BufferSize int

	ConnectTimeout time.Duration
	// Timeout bounds SendMessageAsync when the context carries no deadline.
	Timeout time.Duration

	// MaxReconnect is how many times a TCP client redials after a transport
	// failure. Zero disables reconnecting.
	MaxReconnect   int
	ReconnectDelay time.Duration

	Pipeline   *pipeline.Pipeline
	Correlator *correlator.Correlator
	Scheduler  *worker.Scheduler

	// CancelPendingOnClose cancels this session's correlator entries on Close
	// instead of letting them run to their deadline.
	CancelPendingOnClose bool
}

func (c Config) withDefaults(stream bool) Config {
	if c.MaxAsync <= 0 {
		if stream {
			c.MaxAsync = 1
		} else {
			c.MaxAsync = 4
		}
	}
	if c.BufferSize <= 0 {
		if stream {
			c.BufferSize = streamBufferSize
		} else {
			c.BufferSize = datagramBufferSize
		}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRequestTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Pipeline == nil {
		c.Pipeline = pipeline.New()
	}
	if c.Scheduler == nil {
		c.Scheduler = worker.NewScheduler(nil, 0)
	}
	return c
}

// transport is the socket-facing half of a session.
type transport interface {
	open(ctx context.Context) error
	close() error
	send(p *packet.Packet, remote net.Addr) (int, error)
	// receive blocks for one chunk. Transports that are fed through Inject
	// never have it called.
	receive(buf []byte) (int, net.Addr, error)
	localAddr() net.Addr
	remoteAddr() net.Addr
	// stream reports byte-stream semantics (ordering, decoder state).
	stream() bool
	// reads reports whether the session should run its own receivers.
	reads() bool
	// redials reports whether a failed transport may be reopened.
	redials() bool
}

// Session is one logical endpoint bound to a socket.
type Session struct {
	id       string
	cfg      Config
	t        transport
	host     Host
	observer Observer
	decoder  *frame.Decoder
	log      *logrus.Entry

	mu           sync.Mutex
	state        atomic.Int32
	gen          uint64
	manual       bool
	reconnecting atomic.Bool
	quit         chan struct{}

	recvMu     sync.Mutex
	sendMu     sync.Mutex
	depth      atomic.Int32
	lastActive atomic.Int64
	items      sync.Map
}

func newSession(t transport, host Host, cfg Config, obs Observer) *Session {
	cfg = cfg.withDefaults(t.stream())
	if obs == nil {
		obs = ObserverFuncs{}
	}
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		t:        t,
		host:     host,
		observer: obs,
		quit:     make(chan struct{}),
	}
	if t.stream() && cfg.Format != nil {
		opts := []frame.Option{frame.WithMaxBuffer(cfg.MaxBuffer)}
		if cfg.Expire > 0 {
			opts = append(opts, frame.WithExpire(cfg.Expire))
		}
		s.decoder = frame.NewDecoder(cfg.Format, opts...)
	}
	s.log = logger.Scope("session").WithField("session", s.id)
	s.touch()
	return s
}

// ID is a unique identifier assigned at construction.
func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Host is the owning server, nil for client sessions.
func (s *Session) Host() Host { return s.host }

func (s *Session) LocalAddr() net.Addr  { return s.t.localAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.t.remoteAddr() }

// LastActive is the time of the last successful send or receive.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Set stores a per-session value for handlers.
func (s *Session) Set(key string, value any) { s.items.Store(key, value) }

// Get loads a value stored with Set.
func (s *Session) Get(key string) (any, bool) { return s.items.Load(key) }

// Correlator is the correlator the session matches responses against.
func (s *Session) Correlator() *correlator.Correlator { return s.cfg.Correlator }

// Open establishes the transport, fires the pipeline's Open event and starts
// the receivers. Opening an active session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	return s.open(ctx, false)
}

func (s *Session) open(ctx context.Context, redial bool) error {
	s.mu.Lock()
	if s.State() != Closed {
		s.mu.Unlock()
		return nil
	}
	if redial && s.manual {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state.Store(int32(Opening))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err := s.t.open(ctx)
	cancel()
	if err != nil {
		s.state.Store(int32(Closed))
		s.mu.Unlock()
		return err
	}
	if !redial {
		s.manual = false
		s.quit = make(chan struct{})
	}
	s.cfg.Pipeline.Seal()
	s.gen++
	gen := s.gen
	s.touch()
	s.state.Store(int32(Active))
	s.mu.Unlock()

	s.log.WithField("remote", addrString(s.RemoteAddr())).Debug("session opened")
	s.cfg.Pipeline.Open(s.context(nil))
	s.startReceivers(gen)
	return nil
}

// Close tears the session down. It is safe to call repeatedly, concurrently
// and from inside handlers or observer callbacks. A manual Close stops any
// reconnect in progress.
func (s *Session) Close(reason string) {
	s.close(reason, true)
}

func (s *Session) close(reason string, manual bool) bool {
	s.mu.Lock()
	if manual && !s.manual {
		s.manual = true
		close(s.quit)
	}
	if s.State() == Closed {
		s.mu.Unlock()
		return false
	}
	s.state.Store(int32(Closed))
	s.gen++
	s.mu.Unlock()

	s.log.WithField("reason", reason).Debug("session closed")
	s.cfg.Pipeline.Close(s.context(nil), reason)
	if err := s.t.close(); err != nil {
		s.log.WithError(err).Debug("transport close")
	}
	if s.decoder != nil {
		s.decoder.Reset()
	}
	if s.cfg.CancelPendingOnClose && s.cfg.Correlator != nil {
		s.cfg.Correlator.CancelOwner(s)
	}
	s.observer.Closed(s, reason)
	if s.host != nil {
		s.host.Detach(s)
	}
	return true
}

// Send writes p to the session's peer. See SendTo.
func (s *Session) Send(p *packet.Packet) int {
	return s.SendTo(p, nil)
}

// SendTo writes p without passing it through the pipeline. Datagram sessions
// send to remote when it is non-nil; stream sessions ignore it. It returns
// the bytes written or -1 after raising the Error event.
func (s *Session) SendTo(p *packet.Packet, remote net.Addr) int {
	if p == nil || p.Total() == 0 {
		return 0
	}
	if s.State() != Active {
		s.raise(&SendError{Remote: remote, Err: ErrClosed})
		return -1
	}

	if s.t.stream() {
		s.sendMu.Lock()
	}
	n, err := s.t.send(p, remote)
	if s.t.stream() {
		s.sendMu.Unlock()
	}
	if err != nil {
		s.raise(&SendError{Remote: remote, Err: err})
		if s.t.stream() {
			s.fail("send failed")
		}
		return -1
	}
	s.touch()
	return n
}

// SendMessage encodes msg through the pipeline and sends the result.
func (s *Session) SendMessage(msg any) error {
	return s.SendMessageTo(msg, nil)
}

// SendMessageTo is SendMessage with an explicit datagram destination.
func (s *Session) SendMessageTo(msg any, remote net.Addr) error {
	ctx := s.context(remote)
	out := s.cfg.Pipeline.Write(ctx, msg)
	if out == nil {
		return nil
	}
	p := packet.From(out)
	if p == nil {
		return fmt.Errorf("%w: %T", ErrNotEncoded, out)
	}
	if s.SendTo(p, remote) < 0 {
		return ErrSendFailed
	}
	return nil
}

// SendMessageAsync encodes and sends msg, then waits for the response the
// correlator matches to it. A ctx deadline replaces the configured timeout;
// either way a request that times out returns correlator.ErrCanceled.
// Canceling ctx returns context.Canceled.
func (s *Session) SendMessageAsync(ctx context.Context, msg any) (any, error) {
	return s.SendMessageAsyncTo(ctx, msg, nil)
}

// SendMessageAsyncTo is SendMessageAsync with an explicit datagram destination.
func (s *Session) SendMessageAsyncTo(ctx context.Context, msg any, remote net.Addr) (any, error) {
	c := s.cfg.Correlator
	if c == nil {
		return nil, ErrNoCorrelator
	}
	timeout := s.cfg.Timeout
	dl, bounded := ctx.Deadline()
	if bounded {
		timeout = time.Until(dl)
	}

	pc := s.context(remote)
	pc.Expect = true
	pc.Timeout = timeout
	out := s.cfg.Pipeline.Write(pc, msg)
	if out == nil {
		if pc.Pending != nil {
			c.Remove(pc.Pending)
		}
		return nil, ErrSwallowed
	}
	p := packet.From(out)
	if p == nil {
		if pc.Pending != nil {
			c.Remove(pc.Pending)
		}
		return nil, fmt.Errorf("%w: %T", ErrNotEncoded, out)
	}

	pending := pc.Pending
	if pending == nil {
		pending = c.Add(pc.Owner(), remote, out, timeout)
	}
	if s.SendTo(p, remote) < 0 {
		c.Remove(pending)
		return nil, ErrSendFailed
	}

	resp, err := pending.Wait(ctx)
	if err == nil || errors.Is(err, correlator.ErrCanceled) {
		return resp, err
	}
	c.Remove(pending)
	if !pending.Canceled() {
		// Matched while ctx was expiring.
		return pending.Wait(context.Background())
	}
	if bounded && errors.Is(err, context.DeadlineExceeded) {
		return nil, correlator.ErrCanceled
	}
	return nil, err
}

// Inject processes data as if it had been received from remote. Nested
// injections beyond the scheduler's depth limit run on its worker pool with
// a private copy of data.
func (s *Session) Inject(data *packet.Packet, remote net.Addr) error {
	if s.State() != Active {
		return ErrClosed
	}
	s.touch()
	_, err := s.cfg.Scheduler.Run(&s.depth,
		func() { s.process(data, remote) },
		func() { data = data.Clone() },
	)
	return err
}

// SweepFrames discards a partial frame older than the staleness window.
func (s *Session) SweepFrames(now time.Time) bool {
	if s.decoder == nil {
		return false
	}
	return s.decoder.Sweep(now)
}

func (s *Session) startReceivers(gen uint64) {
	if !s.t.reads() {
		return
	}
	for i := 0; i < s.cfg.MaxAsync; i++ {
		go s.receiveLoop(gen)
	}
}

func (s *Session) receiveLoop(gen uint64) {
	buf := make([]byte, s.cfg.BufferSize)
	for s.current(gen) {
		if !s.receiveOnce(gen, buf) {
			return
		}
	}
}

// receiveOnce reads one chunk and processes it before returning, so buf can
// be reused by the next read. Stream sessions hold recvMu across both steps
// to keep frames in wire order.
func (s *Session) receiveOnce(gen uint64, buf []byte) bool {
	if s.t.stream() {
		s.recvMu.Lock()
		defer s.recvMu.Unlock()
	}
	n, remote, err := s.t.receive(buf)
	if n > 0 && s.current(gen) {
		s.touch()
		s.process(packet.NewSlice(buf, 0, n), remote)
	}
	if err != nil {
		return s.receiveFailed(gen, err)
	}
	return true
}

func (s *Session) receiveFailed(gen uint64, err error) bool {
	if !s.current(gen) || errors.Is(err, net.ErrClosed) {
		return false
	}
	if !s.t.stream() {
		// Datagram sockets stay usable after a failed read.
		s.raise(&ReceiveError{Err: err})
		return true
	}
	switch {
	case errors.Is(err, io.EOF):
		s.close("peer closed", false)
	case isReset(err):
		s.raise(&ReceiveError{Reset: true, Err: err})
		s.fail("connection reset")
	default:
		s.raise(&ReceiveError{Err: err})
		s.fail(err.Error())
	}
	return false
}

func (s *Session) process(chunk *packet.Packet, remote net.Addr) {
	var frames []*packet.Packet
	switch {
	case !s.t.stream():
		frames = frame.Split(s.cfg.Format, chunk)
	case s.decoder != nil:
		frames = s.decoder.Parse(chunk)
	default:
		frames = []*packet.Packet{chunk}
	}
	for _, f := range frames {
		s.handleFrame(f, remote)
	}
}

func (s *Session) handleFrame(f *packet.Packet, remote net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			s.raise(&ProcessError{Value: r})
		}
	}()
	if remote == nil {
		remote = s.RemoteAddr()
	}

	ctx := s.context(remote)
	ctx.Frame = f
	msg := s.cfg.Pipeline.Read(ctx, f)
	if msg == nil {
		return
	}
	if c := s.cfg.Correlator; c != nil && c.Len() > 0 {
		if c.Match(ctx.Owner(), remote, own(msg)) {
			return
		}
	}
	s.observer.Received(s, remote, msg)
}

// fail closes a session after a transport error and, for clients allowed
// to, starts reconnecting.
func (s *Session) fail(reason string) {
	if !s.t.redials() || s.cfg.MaxReconnect <= 0 {
		s.close(reason, false)
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	quit := s.quit
	s.mu.Unlock()
	if s.close(reason, false) {
		go s.reconnect(quit)
	} else {
		s.reconnecting.Store(false)
	}
}

func (s *Session) reconnect(quit <-chan struct{}) {
	defer s.reconnecting.Store(false)

	delay := s.cfg.ReconnectDelay
	for attempt := 1; attempt <= s.cfg.MaxReconnect; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-quit:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.open(context.Background(), true)
		if err == nil {
			s.log.WithField("attempt", attempt).Info("reconnected")
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		s.log.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")

		delay *= 2
		if delay > DefaultReconnectMax {
			delay = DefaultReconnectMax
		}
	}
	s.raise(fmt.Errorf("%w after %d attempts", ErrReconnectFailed, s.cfg.MaxReconnect))
}

func (s *Session) raise(err error) {
	s.log.WithError(err).Debug("session error")
	s.cfg.Pipeline.Error(s.context(nil), err)
	s.observer.Error(s, err)
}

func (s *Session) context(remote net.Addr) *pipeline.Context {
	return &pipeline.Context{
		Session:    s,
		Remote:     remote,
		Correlator: s.cfg.Correlator,
		Timeout:    s.cfg.Timeout,
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.State() == Active
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// own copies byte payloads that may still borrow a receive buffer, so a
// completed request keeps valid data.
func own(msg any) any {
	switch m := msg.(type) {
	case *packet.Packet:
		return m.Clone()
	case []byte:
		return append([]byte(nil), m...)
	default:
		return msg
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
