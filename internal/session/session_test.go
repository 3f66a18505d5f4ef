package session

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"openfms/netcore/internal/correlator"
	"openfms/netcore/internal/frame"
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
	"openfms/netcore/internal/worker"
)

// framed builds a frame in the default header-length format.
func framed(payload string) []byte {
	n := len(payload)
	return append([]byte{0xAA, 0xBB, byte(n), byte(n >> 8)}, payload...)
}

type received struct {
	remote net.Addr
	data   string
}

// recorder copies everything it sees, since inbound packets are borrowed.
type recorder struct {
	msgs   chan received
	errs   chan error
	closed chan string
}

func newRecorder() *recorder {
	return &recorder{
		msgs:   make(chan received, 256),
		errs:   make(chan error, 16),
		closed: make(chan string, 16),
	}
}

func (r *recorder) Received(_ *Session, remote net.Addr, msg any) {
	r.msgs <- received{remote: remote, data: packet.From(msg).String()}
}
func (r *recorder) Error(_ *Session, err error)      { r.errs <- err }
func (r *recorder) Closed(_ *Session, reason string) { r.closed <- reason }

func (r *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return received{}
}

// echoServer accepts TCP connections and echoes every frame back through a
// server-side session.
func echoServer(t *testing.T, cfg Config) (string, *recorder) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var sessions []*Session
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range sessions {
			s.Close("test done")
		}
	})

	rec := newRecorder()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			obs := Observers{rec, ObserverFuncs{
				OnReceived: func(s *Session, _ net.Addr, msg any) {
					s.Send(packet.From(msg).Clone())
				},
			}}
			s := Accept(conn, nil, cfg, obs)
			if s.Open(context.Background()) != nil {
				conn.Close()
				continue
			}
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
		}
	}()
	return ln.Addr().String(), rec
}

func TestTCPEchoRoundTrip(t *testing.T) {
	cfg := Config{Format: frame.DefaultHeaderLength}
	addr, _ := echoServer(t, cfg)

	rec := newRecorder()
	c := NewTCPClient(addr, cfg, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")
	if c.State() != Active {
		t.Fatalf("state = %v", c.State())
	}

	// Header and payload as a two-segment chain.
	f := framed("hello")
	p := packet.New(f[:4]).Append(packet.New(f[4:]))
	if n := c.Send(p); n != len(f) {
		t.Fatalf("Send = %d, want %d", n, len(f))
	}
	if got := rec.next(t); got.data != string(f) {
		t.Fatalf("echo = %q", got.data)
	}
}

func TestTCPFramesArriveInWireOrder(t *testing.T) {
	cfg := Config{Format: frame.HeaderLength{Offset: 0, Size: 1}, MaxAsync: 4}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rec := newRecorder()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s := Accept(conn, nil, cfg, rec)
		s.Open(context.Background())
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var stream []byte
	for i := 0; i < 100; i++ {
		stream = append(stream, 1, byte(i))
	}
	// Odd-sized writes so frames straddle reads.
	for len(stream) > 0 {
		n := 7
		if n > len(stream) {
			n = len(stream)
		}
		conn.Write(stream[:n])
		stream = stream[n:]
	}

	for i := 0; i < 100; i++ {
		got := rec.next(t)
		if got.data != string([]byte{1, byte(i)}) {
			t.Fatalf("frame %d = %v", i, []byte(got.data))
		}
	}
}

func TestPeerCloseIsGraceful(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	rec := newRecorder()
	c := NewTCPClient(ln.Addr().String(), Config{MaxReconnect: 3}, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case reason := <-rec.closed:
		if reason != "peer closed" {
			t.Fatalf("reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	select {
	case err := <-rec.errs:
		t.Fatalf("graceful close raised %v", err)
	default:
	}
	time.Sleep(50 * time.Millisecond)
	if c.State() != Closed {
		t.Fatal("graceful close must not reconnect")
	}
}

func TestConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	c := NewTCPClient(ln.Addr().String(), Config{}, nil)
	err = c.Open(ctx)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Open err = %v, want ErrConnectTimeout", err)
	}
	if c.State() != Closed {
		t.Fatalf("state = %v after failed open", c.State())
	}
}

func TestCloseIsIdempotentAndReentrant(t *testing.T) {
	addr, _ := echoServer(t, Config{})

	var closed atomic.Int32
	c := NewTCPClient(addr, Config{}, ObserverFuncs{
		OnClosed: func(s *Session, _ string) {
			closed.Add(1)
			s.Close("again from callback")
		},
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close("concurrent")
		}()
	}
	wg.Wait()

	if closed.Load() != 1 {
		t.Fatalf("Closed fired %d times", closed.Load())
	}
	if c.State() != Closed {
		t.Fatalf("state = %v", c.State())
	}
}

type panicky struct {
	pipeline.Base
}

func (panicky) Read(_ *pipeline.Context, msg any) any {
	if strings.Contains(packet.From(msg).String(), "boom") {
		panic("handler exploded")
	}
	return msg
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	cfg := Config{Format: frame.DefaultHeaderLength}
	addr, _ := echoServer(t, cfg)

	rec := newRecorder()
	clientCfg := cfg
	clientCfg.Pipeline = pipeline.New(&panicky{})
	c := NewTCPClient(addr, clientCfg, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	c.Send(packet.New(append(framed("boom"), framed("fine")...)))

	select {
	case err := <-rec.errs:
		var pe *ProcessError
		if !errors.As(err, &pe) {
			t.Fatalf("error = %v, want ProcessError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not surfaced")
	}
	if got := rec.next(t); got.data != string(framed("fine")) {
		t.Fatalf("next frame = %q", got.data)
	}
	if c.State() != Active {
		t.Fatal("a handler panic must not close the session")
	}
}

func TestSendMessageAsyncMatchesResponse(t *testing.T) {
	format := frame.HeaderLength{Offset: 0, Size: 1}
	addr, _ := echoServer(t, Config{Format: format})

	corr := correlator.New(correlator.WithMatcher(correlator.MatchBytesAt(1, 1)))
	defer corr.Close()
	rec := newRecorder()
	c := NewTCPClient(addr, Config{Format: format, Correlator: corr}, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	resp, err := c.SendMessageAsync(context.Background(), []byte{2, 9, 'x'})
	if err != nil {
		t.Fatalf("SendMessageAsync: %v", err)
	}
	if got := packet.From(resp).ToArray(); string(got) != string([]byte{2, 9, 'x'}) {
		t.Fatalf("response = %v", got)
	}
	select {
	case m := <-rec.msgs:
		t.Fatalf("matched response also reached the observer: %q", m.data)
	default:
	}
}

func TestSendMessageAsyncTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	corr := correlator.New(correlator.WithSweepInterval(20 * time.Millisecond))
	defer corr.Close()
	c := NewTCPClient(ln.Addr().String(), Config{Correlator: corr, Timeout: 100 * time.Millisecond}, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	start := time.Now()
	_, err = c.SendMessageAsync(context.Background(), "ping")
	if !errors.Is(err, correlator.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if el := time.Since(start); el < 100*time.Millisecond || el > time.Second {
		t.Fatalf("canceled after %v", el)
	}
	if corr.Len() != 0 {
		t.Fatal("expired request still registered")
	}
}

func TestSendMessageAsyncNeedsCorrelator(t *testing.T) {
	c := NewTCPClient("127.0.0.1:1", Config{}, nil)
	if _, err := c.SendMessageAsync(context.Background(), "x"); !errors.Is(err, ErrNoCorrelator) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendOnClosedSession(t *testing.T) {
	rec := newRecorder()
	c := NewTCPClient("127.0.0.1:1", Config{}, rec)
	if n := c.Send(packet.New([]byte("x"))); n >= 0 {
		t.Fatalf("Send = %d, want negative", n)
	}
	err := <-rec.errs
	var se *SendError
	if !errors.As(err, &se) || !errors.Is(err, ErrClosed) {
		t.Fatalf("error = %v", err)
	}
	if err := c.SendMessage("x"); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("SendMessage err = %v", err)
	}
}

func TestCancelPendingOnClose(t *testing.T) {
	addr, _ := echoServer(t, Config{})

	for _, cancelOnClose := range []bool{false, true} {
		corr := correlator.New()
		c := NewTCPClient(addr, Config{Correlator: corr, CancelPendingOnClose: cancelOnClose}, nil)
		if err := c.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		p := corr.Add(c, nil, "req", time.Minute)
		c.Close("done")

		if p.Canceled() != cancelOnClose {
			t.Errorf("CancelPendingOnClose=%v: canceled=%v", cancelOnClose, p.Canceled())
		}
		corr.Close()
	}
}

func TestUDPClientEcho(t *testing.T) {
	srv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := srv.ReadFrom(buf)
			if err != nil {
				return
			}
			srv.WriteTo(buf[:n], from)
		}
	}()

	rec := newRecorder()
	c := NewUDPClient(srv.LocalAddr().String(), Config{}, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	if n := c.Send(packet.New([]byte("ping"))); n != 4 {
		t.Fatalf("Send = %d", n)
	}
	got := rec.next(t)
	if got.data != "ping" {
		t.Fatalf("reply = %q", got.data)
	}
	if got.remote.String() != srv.LocalAddr().String() {
		t.Fatalf("remote = %v", got.remote)
	}
}

func TestUDPPeerInjectDefersDeepNesting(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	pool := worker.NewPool(2)
	defer pool.Close()

	const rounds = 10
	var count atomic.Int32
	done := make(chan struct{})
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

	peer := NewUDPPeer(conn, remote, nil, Config{Scheduler: worker.NewScheduler(pool, 2)}, ObserverFuncs{
		OnReceived: func(s *Session, from net.Addr, msg any) {
			if packet.From(msg).String() != "loop" {
				t.Errorf("payload = %q", packet.From(msg).String())
			}
			if count.Add(1) == rounds {
				close(done)
				return
			}
			buf := []byte("loop")
			s.Inject(packet.New(buf), from)
			// A deferred injection must not see later writes to buf.
			copy(buf, "XXXX")
		},
	})
	if err := peer.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	peer.Inject(packet.New([]byte("loop")), remote)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d rounds delivered", count.Load())
	}
	if pool.Completed() == 0 {
		t.Fatal("nesting past the depth limit should use the pool")
	}

	peer.Close("done")
	if err := peer.Inject(packet.New([]byte("x")), remote); !errors.Is(err, ErrClosed) {
		t.Fatalf("Inject after Close: %v", err)
	}
}

func TestReconnectAfterReset(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	rec := newRecorder()
	c := NewTCPClient(ln.Addr().String(), Config{MaxReconnect: 3, ReconnectDelay: 20 * time.Millisecond}, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	first := <-accepted
	first.(*net.TCPConn).SetLinger(0)
	first.Close()

	select {
	case reason := <-rec.closed:
		if reason != "connection reset" {
			t.Fatalf("reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reset not detected")
	}
	select {
	case second := <-accepted:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("client did not redial")
	}

	deadline := time.Now().Add(time.Second)
	for c.State() != Active && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != Active {
		t.Fatalf("state = %v after reconnect", c.State())
	}
}

func TestSessionItems(t *testing.T) {
	s := NewTCPClient("127.0.0.1:1", Config{}, nil)
	s.Set("device", "123")
	if v, ok := s.Get("device"); !ok || v != "123" {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatal("missing key reported present")
	}
	if s.ID() == "" || s.ID() == NewTCPClient("127.0.0.1:1", Config{}, nil).ID() {
		t.Fatal("session IDs must be unique")
	}
}

func TestSendMessageAsyncContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	// The default one second sweep cannot fire before the caller's deadline.
	corr := correlator.New()
	defer corr.Close()
	c := NewTCPClient(ln.Addr().String(), Config{Correlator: corr, Timeout: time.Minute}, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.SendMessageAsync(ctx, "ping")
	if !errors.Is(err, correlator.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if el := time.Since(start); el > 900*time.Millisecond {
		t.Fatalf("canceled after %v", el)
	}
	if corr.Len() != 0 {
		t.Fatal("timed out request still registered")
	}

	// Caller cancellation is not a timeout.
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if _, err := c.SendMessageAsync(ctx, "ping"); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled ctx err = %v", err)
	}
	if corr.Len() != 0 {
		t.Fatal("canceled request still registered")
	}
}

func TestReconnectGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			accepted <- conn
		}
	}()

	rec := newRecorder()
	c := NewTCPClient(ln.Addr().String(), Config{MaxReconnect: 2, ReconnectDelay: 10 * time.Millisecond}, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	first := <-accepted
	ln.Close()
	first.(*net.TCPConn).SetLinger(0)
	first.Close()

	var reset, gaveUp bool
	timeout := time.After(3 * time.Second)
	for !gaveUp {
		select {
		case err := <-rec.errs:
			var re *ReceiveError
			if errors.As(err, &re) && re.Reset {
				reset = true
			}
			gaveUp = errors.Is(err, ErrReconnectFailed)
		case <-timeout:
			t.Fatal("ErrReconnectFailed not raised")
		}
	}
	if !reset {
		t.Error("reset was not reported as a ReceiveError")
	}
	if c.State() != Closed {
		t.Fatalf("state = %v after giving up", c.State())
	}
}

func TestTCPSendFailureReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	rec := newRecorder()
	c := NewTCPClient(ln.Addr().String(), Config{MaxReconnect: 3, ReconnectDelay: 20 * time.Millisecond}, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")
	first := <-accepted
	defer first.Close()

	// Shut down the write side underneath the session so the next write fails.
	c.t.(*tcpTransport).conn.Load().CloseWrite()
	if n := c.Send(packet.New(framed("x"))); n != -1 {
		t.Fatalf("Send = %d, want -1", n)
	}
	var se *SendError
	if err := <-rec.errs; !errors.As(err, &se) {
		t.Fatalf("error = %v, want SendError", err)
	}
	select {
	case reason := <-rec.closed:
		if reason != "send failed" {
			t.Fatalf("reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send failure did not close the session")
	}
	select {
	case second := <-accepted:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("client did not redial after a send failure")
	}

	deadline := time.Now().Add(time.Second)
	for c.State() != Active && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != Active {
		t.Fatalf("state = %v after reconnect", c.State())
	}
}

func TestUDPSendFailureKeepsSession(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	rec := newRecorder()
	c := NewUDPClient(pc.LocalAddr().String(), Config{}, rec)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close("test done")

	// Larger than any UDP datagram.
	if n := c.Send(packet.New(make([]byte, 70000))); n != -1 {
		t.Fatalf("Send = %d, want -1", n)
	}
	select {
	case err := <-rec.errs:
		var se *SendError
		if !errors.As(err, &se) {
			t.Fatalf("error = %v, want SendError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no Error event")
	}
	if c.State() != Active {
		t.Fatalf("state = %v, want active", c.State())
	}
	if n := c.Send(packet.New([]byte("ok"))); n != 2 {
		t.Fatalf("Send after failure = %d", n)
	}
}

func TestTCPSendGrowsSendBuffer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	got := make(chan int, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		n, _ := io.Copy(io.Discard, conn)
		got <- int(n)
	}()

	c := NewTCPClient(ln.Addr().String(), Config{}, nil)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr := c.t.(*tcpTransport)
	initial := int(tr.sndBuf.Load())
	if initial == 0 {
		t.Skip("send buffer size unavailable on this platform")
	}

	size := initial + 4096
	if n := c.Send(packet.New(make([]byte, size))); n != size {
		t.Fatalf("Send = %d, want %d", n, size)
	}
	if got := int(tr.sndBuf.Load()); got != size {
		t.Fatalf("send buffer = %d, want %d", got, size)
	}
	c.Close("done")
	select {
	case n := <-got:
		if n != size {
			t.Fatalf("peer read %d bytes", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive the packet")
	}
}
