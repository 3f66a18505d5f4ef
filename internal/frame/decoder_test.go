package frame

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"openfms/netcore/internal/packet"
)

// lengthFrame builds a frame for DefaultHeaderLength: 2 placeholder bytes,
// a little-endian uint16 length and the payload.
func lengthFrame(tag byte, payload string) []byte {
	f := []byte{tag, 0, byte(len(payload)), byte(len(payload) >> 8)}
	return append(f, payload...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestHeaderLengthSingleChunk(t *testing.T) {
	// Two header bytes carrying the length, then the payload "HI".
	dec := NewDecoder(HeaderLength{Offset: 0, Size: 2, BigEndian: true})
	frames := dec.Parse(packet.New([]byte{0x00, 0x02, 0x48, 0x49}))
	if len(frames) != 1 || frames[0].Total() != 4 {
		t.Fatalf("frames = %v", frames)
	}
	if got := string(frames[0].Bytes()[2:]); got != "HI" {
		t.Fatalf("payload = %q", got)
	}

	// Default format: two placeholder bytes, then a little-endian length.
	dec = NewDecoder(DefaultHeaderLength)
	frames = dec.Parse(packet.New([]byte{0x00, 0x01, 0x02, 0x00, 0x48, 0x49}))
	if len(frames) != 1 || frames[0].Total() != 6 {
		t.Fatalf("default format frames = %v", frames)
	}
	if got := string(frames[0].Bytes()[4:]); got != "HI" {
		t.Fatalf("default format payload = %q", got)
	}
}

func TestFastPathReturnsChunk(t *testing.T) {
	dec := NewDecoder(DefaultHeaderLength)
	chunk := packet.New(lengthFrame(1, "hello"))
	frames := dec.Parse(chunk)
	if len(frames) != 1 || frames[0] != chunk {
		t.Fatal("single complete frame should be returned without copying")
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered = %d", dec.Buffered())
	}
}

func TestFrameRoundTripArbitrarySplits(t *testing.T) {
	full := lengthFrame(7, "the quick brown fox jumps over the lazy dog")
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		dec := NewDecoder(DefaultHeaderLength)
		var got []*packet.Packet
		rest := full
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			got = append(got, dec.Parse(packet.New(append([]byte(nil), rest[:n]...)))...)
			rest = rest[n:]
		}
		if len(got) != 1 {
			t.Fatalf("iteration %d: got %d frames", i, len(got))
		}
		if !bytes.Equal(got[0].ToArray(), full) {
			t.Fatalf("iteration %d: frame mismatch", i)
		}
	}
}

func TestMultiFrameBatch(t *testing.T) {
	f1, f2, f3 := lengthFrame(1, "a"), lengthFrame(2, "bb"), lengthFrame(3, "ccc")
	buf := append(append(append([]byte(nil), f1...), f2...), f3...)

	frames := NewDecoder(DefaultHeaderLength).Parse(packet.New(buf))
	if len(frames) != 3 {
		t.Fatalf("got %d frames", len(frames))
	}
	for i, want := range [][]byte{f1, f2, f3} {
		if !bytes.Equal(frames[i].ToArray(), want) {
			t.Errorf("frame %d = %v, want %v", i, frames[i].ToArray(), want)
		}
	}
}

func TestDrainAndDeferredLength(t *testing.T) {
	dec := NewDecoder(DefaultHeaderLength)
	full := lengthFrame(1, "payload")

	if frames := dec.Parse(packet.New(full[:5])); len(frames) != 0 {
		t.Fatalf("partial frame produced %d frames", len(frames))
	}
	if frames := dec.Parse(nil); len(frames) != 0 {
		t.Fatal("drain with partial buffer must not emit")
	}
	if frames := dec.Parse(packet.New(full[5:])); len(frames) != 1 {
		t.Fatalf("completion produced %d frames", len(frames))
	}
	if frames := dec.Parse(packet.New(nil)); len(frames) != 0 {
		t.Fatal("drain on empty decoder must not emit")
	}
}

func TestStalenessIsolation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	dec := NewDecoder(DefaultHeaderLength, WithClock(clock.Now), WithExpire(500*time.Millisecond))

	partial := lengthFrame(1, "AAAAAAAA")[:6]
	if frames := dec.Parse(packet.New(partial)); len(frames) != 0 {
		t.Fatal("partial frame emitted")
	}

	clock.Advance(600 * time.Millisecond)

	// Unrelated burst: a frame of its own, with trailing noise.
	burst := append(lengthFrame(2, "BB"), 9, 9)
	frames := dec.Parse(packet.New(burst))
	if len(frames) != 1 {
		t.Fatalf("got %d frames", len(frames))
	}
	if bytes.Contains(frames[0].ToArray(), []byte("A")) {
		t.Fatal("frame mixes bytes from the stale burst")
	}
	if dec.Discarded() != 1 {
		t.Errorf("Discarded = %d, want 1", dec.Discarded())
	}
}

func TestSweepResetsStaleBuffer(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	dec := NewDecoder(DefaultHeaderLength, WithClock(clock.Now))
	dec.Parse(packet.New([]byte{1, 0, 10}))

	if dec.Sweep(clock.Now().Add(100 * time.Millisecond)) {
		t.Fatal("fresh buffer swept")
	}
	if !dec.Sweep(clock.Now().Add(time.Second)) {
		t.Fatal("stale buffer kept")
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered = %d after sweep", dec.Buffered())
	}
}

func TestMaxBuffer(t *testing.T) {
	dec := NewDecoder(Delimiter{Sep: []byte("\n")}, WithMaxBuffer(8))
	dec.Parse(packet.New([]byte("0123456789")))
	if dec.Buffered() != 0 {
		t.Fatalf("oversize buffer kept %d bytes", dec.Buffered())
	}
	frames := dec.Parse(packet.New([]byte("ok\n")))
	if len(frames) != 1 || frames[0].String() != "ok\n" {
		t.Fatalf("frames = %v", frames)
	}
}

func TestHeaderLengthWidths(t *testing.T) {
	tests := []struct {
		name string
		h    HeaderLength
		data []byte
		want int
	}{
		{"u8", HeaderLength{Size: 1}, []byte{3, 'a', 'b', 'c'}, 4},
		{"u16be", HeaderLength{Size: 2, BigEndian: true}, []byte{0, 1, 'x'}, 3},
		{"u32le", HeaderLength{Size: 4}, []byte{2, 0, 0, 0, 'x', 'y'}, 6},
		{"varint", HeaderLength{Size: 0}, append([]byte{0x81, 0x01}, make([]byte, 129)...), 131},
		{"short header", HeaderLength{Offset: 2, Size: 2}, []byte{0, 0, 1}, 0},
		{"adjust", HeaderLength{Offset: 2, Size: 1, Adjust: 2}, []byte{0x78, 0x78, 1, 0x13, 0x0d, 0x0a}, 6},
		{"bad width", HeaderLength{Size: 3}, []byte{1, 2, 3}, -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.h.FrameLength(tt.data); got != tt.want {
				t.Errorf("FrameLength = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTextDelimited(t *testing.T) {
	dec := NewDecoder(TextDelimited{})

	req := "POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	next := "GET /b HTTP/1.1\r\nHost: x\r\ncontent-length: 0\r\n\r\n"
	frames := dec.Parse(packet.New([]byte(req + next)))
	if len(frames) != 2 {
		t.Fatalf("got %d frames", len(frames))
	}
	if frames[0].String() != req || frames[1].String() != next {
		t.Fatalf("frames = %q, %q", frames[0].String(), frames[1].String())
	}

	// Body arrives later.
	frames = dec.Parse(packet.New([]byte("POST / HTTP/1.1\r\nContent-Length: 4\r\n\r\nab")))
	if len(frames) != 0 {
		t.Fatal("incomplete body emitted")
	}
	frames = dec.Parse(packet.New([]byte("cd")))
	if len(frames) != 1 {
		t.Fatalf("got %d frames after body completed", len(frames))
	}
}

func TestTextDelimitedWithoutLengthTakesBuffer(t *testing.T) {
	msg := "HTTP/1.1 200 OK\r\nServer: x\r\n\r\nbody bytes"
	frames := NewDecoder(TextDelimited{}).Parse(packet.New([]byte(msg)))
	if len(frames) != 1 || frames[0].String() != msg {
		t.Fatalf("frames = %v", frames)
	}
}

func TestMarkerResync(t *testing.T) {
	dec := NewDecoder(Marker{Start: 0x7e, End: 0x7e})
	frames := dec.Parse(packet.New([]byte{0x01, 0x02, 0x7e, 0xaa, 0xbb, 0x7e, 0x7e, 0xcc}))
	if len(frames) != 1 || !bytes.Equal(frames[0].Bytes(), []byte{0x7e, 0xaa, 0xbb, 0x7e}) {
		t.Fatalf("frames = %v", frames)
	}
	if dec.Buffered() != 2 {
		t.Fatalf("Buffered = %d, want 2", dec.Buffered())
	}
	frames = dec.Parse(packet.New([]byte{0x7e}))
	if len(frames) != 1 || !bytes.Equal(frames[0].Bytes(), []byte{0x7e, 0xcc, 0x7e}) {
		t.Fatalf("second frame = %v", frames)
	}
}

func TestConcurrentParseAndSweep(t *testing.T) {
	dec := NewDecoder(DefaultHeaderLength)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			dec.Parse(packet.New(lengthFrame(1, "abc")[:3]))
			dec.Parse(packet.New(lengthFrame(1, "abc")[3:]))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			dec.Sweep(time.Now())
		}
	}()
	wg.Wait()
}

func TestSplitDatagram(t *testing.T) {
	format := HeaderLength{Offset: 0, Size: 1}
	dgram := packet.New([]byte{2, 'a', 'b', 1, 'c', 5, 'x'})

	frames := Split(format, dgram)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].String() != "\x02ab" || frames[1].String() != "\x01c" {
		t.Fatalf("frames = %q, %q", frames[0].String(), frames[1].String())
	}
	if &frames[0].Data[0] != &dgram.Data[0] {
		t.Error("datagram frames should borrow the receive buffer")
	}
	if got := Split(nil, dgram); len(got) != 1 || got[0] != dgram {
		t.Error("nil format should return the datagram untouched")
	}
}
