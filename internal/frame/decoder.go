// Package frame reassembles protocol frames from raw receive chunks.
package frame

import (
	"sync"
	"time"

	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/packet"
)

const (
	// DefaultExpire is how long a partial frame may wait for its remainder.
	DefaultExpire = 500 * time.Millisecond
	// DefaultMaxBuffer caps the bytes held for one incomplete frame.
	DefaultMaxBuffer = 4 << 20
)

// Option configures a Decoder.
type Option func(*Decoder)

// WithExpire sets the staleness expiry. Zero disables it.
func WithExpire(d time.Duration) Option {
	return func(dec *Decoder) { dec.expire = d }
}

// WithMaxBuffer caps buffered bytes; the buffer is reset when exceeded.
func WithMaxBuffer(n int) Option {
	return func(dec *Decoder) { dec.maxBuffer = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(dec *Decoder) { dec.now = now }
}

// Decoder is a per-connection reassembler. It is safe for concurrent use;
// the buffer is shared between the receive path and the staleness sweep.
type Decoder struct {
	format    Format
	expire    time.Duration
	maxBuffer int
	now       func() time.Time

	mu        sync.Mutex
	buf       []byte
	last      time.Time
	discarded int
}

// NewDecoder creates a decoder for the given wire format.
func NewDecoder(format Format, opts ...Option) *Decoder {
	d := &Decoder{
		format:    format,
		expire:    DefaultExpire,
		maxBuffer: DefaultMaxBuffer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Parse feeds one raw chunk and returns every frame completed by it, in wire
// order. An empty or nil chunk only drains frames already buffered.
//
// When nothing is buffered and the chunk is exactly one frame it is returned
// as is, still borrowing the caller's buffer. Frames cut from the internal
// buffer are owned copies.
func (d *Decoder) Parse(chunk *packet.Packet) []*packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if len(d.buf) > 0 && d.stale(now) {
		d.resetLocked("stale")
	}

	var data []byte
	if chunk != nil {
		if chunk.Next != nil {
			chunk = packet.New(chunk.ToArray())
		}
		data = chunk.Bytes()
	}

	if len(d.buf) == 0 && len(data) > 0 {
		if n := d.format.FrameLength(data); n == len(data) {
			d.last = now
			return []*packet.Packet{chunk}
		}
	}

	if len(data) > 0 {
		d.buf = append(d.buf, data...)
		d.last = now
	}

	var frames []*packet.Packet
	for len(d.buf) > 0 {
		n := d.format.FrameLength(d.buf)
		if n < 0 {
			drop := -n
			if drop > len(d.buf) {
				drop = len(d.buf)
			}
			d.buf = d.buf[drop:]
			continue
		}
		if n == 0 || n > len(d.buf) {
			break
		}
		f := make([]byte, n)
		copy(f, d.buf[:n])
		frames = append(frames, packet.New(f))
		d.buf = d.buf[n:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	} else if d.maxBuffer > 0 && len(d.buf) > d.maxBuffer {
		d.resetLocked("oversize")
	}
	return frames
}

// Sweep discards a stale partial frame and reports whether it did.
func (d *Decoder) Sweep(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 || !d.stale(now) {
		return false
	}
	d.resetLocked("stale")
	return true
}

// Buffered reports how many bytes wait for the rest of a frame.
func (d *Decoder) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Discarded counts buffer resets caused by staleness or size.
func (d *Decoder) Discarded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discarded
}

// Reset drops any buffered data.
func (d *Decoder) Reset() {
	d.mu.Lock()
	d.buf = nil
	d.mu.Unlock()
}

func (d *Decoder) stale(now time.Time) bool {
	return d.expire > 0 && now.Sub(d.last) > d.expire
}

func (d *Decoder) resetLocked(why string) {
	logger.Scope("frame").WithField("bytes", len(d.buf)).Debugf("discarding partial frame (%s)", why)
	d.buf = nil
	d.discarded++
}

// Split cuts frames out of a self-contained datagram. Frames borrow the
// datagram's buffer; a trailing partial frame is dropped. A nil format
// returns the datagram as one frame.
func Split(format Format, datagram *packet.Packet) []*packet.Packet {
	if datagram == nil || datagram.Total() == 0 {
		return nil
	}
	if format == nil {
		return []*packet.Packet{datagram}
	}
	if datagram.Next != nil {
		datagram = packet.New(datagram.ToArray())
	}

	var frames []*packet.Packet
	off := 0
	for off < datagram.Count {
		n := format.FrameLength(datagram.Data[datagram.Offset+off : datagram.Offset+datagram.Count])
		if n < 0 {
			off -= n
			continue
		}
		if n == 0 || off+n > datagram.Count {
			break
		}
		frames = append(frames, datagram.Slice(off, n))
		off += n
	}
	return frames
}
