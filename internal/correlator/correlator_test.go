package correlator

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type owner struct{ name string }

func TestMatchCompletesOnlyOne(t *testing.T) {
	c := New(WithSweepInterval(20 * time.Millisecond))
	defer c.Close()

	o := &owner{"a"}
	first := c.Add(o, nil, "sig", 300*time.Millisecond)
	second := c.Add(o, nil, "sig", 300*time.Millisecond)

	if !c.Match(o, nil, "reply") {
		t.Fatal("expected a match")
	}

	resolved := 0
	var other *Pending
	for _, p := range []*Pending{first, second} {
		select {
		case <-p.Done():
			resolved++
		default:
			other = p
		}
	}
	if resolved != 1 || other == nil {
		t.Fatalf("resolved = %d, want exactly 1", resolved)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	// The other stays pending until its own deadline.
	select {
	case <-other.Done():
		t.Fatal("second request resolved early")
	case <-time.After(100 * time.Millisecond):
	}
	_, err := other.Wait(context.Background())
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Wait err = %v, want ErrCanceled", err)
	}
}

func TestWaitReturnsResponse(t *testing.T) {
	c := New()
	defer c.Close()

	o := &owner{"a"}
	p := c.Add(o, nil, []byte{0, 7}, time.Second)
	go c.Match(o, nil, []byte{1, 7})

	v, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(v.([]byte)) != string([]byte{1, 7}) {
		t.Fatalf("response = %v", v)
	}
	if p.Canceled() {
		t.Error("completed entry reports canceled")
	}
}

func TestTimeoutBound(t *testing.T) {
	c := New() // default 1s sweep
	defer c.Close()

	start := time.Now()
	p := c.Add(&owner{"a"}, nil, "sig", 100*time.Millisecond)

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("request never canceled")
	}
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond || elapsed > 1100*time.Millisecond+150*time.Millisecond {
		t.Fatalf("canceled after %v, want within [100ms, 1.1s]", elapsed)
	}
	if !p.Canceled() {
		t.Fatal("expired entry should be canceled")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after expiry", c.Len())
	}
}

func TestOwnerAndRemoteFiltering(t *testing.T) {
	c := New()
	defer c.Close()

	a, b := &owner{"a"}, &owner{"b"}
	ra := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1000}
	rb := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2000}

	p := c.Add(a, ra, "x", time.Second)

	if c.Match(b, ra, "x") {
		t.Fatal("matched a different owner")
	}
	if c.Match(a, rb, "x") {
		t.Fatal("matched a different remote")
	}
	if !c.Match(a, nil, "x") {
		t.Fatal("unknown remote should not block a match")
	}
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestMatchBytesAt(t *testing.T) {
	c := New(WithMatcher(MatchBytesAt(1, 1)))
	defer c.Close()

	o := &owner{"a"}
	p5 := c.Add(o, nil, []byte{0x01, 5, 0xaa}, time.Second)
	p6 := c.Add(o, nil, []byte{0x01, 6, 0xaa}, time.Second)

	if !c.Match(o, nil, []byte{0x81, 6, 0xbb}) {
		t.Fatal("sequence 6 should match")
	}
	select {
	case <-p6.Done():
	default:
		t.Fatal("p6 not completed")
	}
	select {
	case <-p5.Done():
		t.Fatal("p5 completed by the wrong sequence")
	default:
	}
	if c.Match(o, nil, "not bytes") {
		t.Fatal("non-byte response matched")
	}
}

func TestExpiryAndMatchRace(t *testing.T) {
	now := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New(WithClock(clock), WithSweepInterval(time.Hour))
	defer c.Close()

	o := &owner{"a"}
	for i := 0; i < 100; i++ {
		p := c.Add(o, nil, i, time.Millisecond)
		mu.Lock()
		now = now.Add(2 * time.Millisecond)
		mu.Unlock()

		var wg sync.WaitGroup
		var matched bool
		var swept int
		wg.Add(2)
		go func() { defer wg.Done(); matched = c.Match(o, nil, "late") }()
		go func() { defer wg.Done(); swept = c.Sweep() }()
		wg.Wait()

		if matched == (swept == 1) {
			t.Fatalf("iteration %d: matched=%v swept=%d, want exactly one winner", i, matched, swept)
		}
		if matched == p.Canceled() {
			t.Fatalf("iteration %d: entry state disagrees with winner", i)
		}
	}
}

func TestCancelOwnerAndClose(t *testing.T) {
	c := New()
	a, b := &owner{"a"}, &owner{"b"}
	pa := c.Add(a, nil, 1, time.Minute)
	pb := c.Add(b, nil, 2, time.Minute)

	if n := c.CancelOwner(a); n != 1 {
		t.Fatalf("CancelOwner = %d", n)
	}
	if !pa.Canceled() || pb.Canceled() {
		t.Fatal("wrong entry canceled")
	}

	c.Close()
	if !pb.Canceled() {
		t.Fatal("Close should cancel remaining entries")
	}
	if late := c.Add(a, nil, 3, time.Minute); !late.Canceled() {
		t.Fatal("Add after Close should return a canceled entry")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c := New()
	defer c.Close()
	p := c.Add(&owner{"a"}, nil, 1, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v", err)
	}
	if c.Len() != 1 {
		t.Fatal("context cancellation must leave the entry registered")
	}
}
