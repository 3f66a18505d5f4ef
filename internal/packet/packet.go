// Package packet provides a view over a byte range with optional chaining,
// so that headers and payloads can be sent together without copying.
package packet

import (
	"fmt"
	"net"
)

// Packet is an Offset/Count window into Data. Next links another packet that
// is transmitted after this one.
//
// Packets handed out by a receive path borrow the receive buffer and are only
// valid until the handler returns; call Clone to keep one.
type Packet struct {
	Data   []byte
	Offset int
	Count  int
	Next   *Packet
}

// New wraps the whole of data.
func New(data []byte) *Packet {
	return &Packet{Data: data, Count: len(data)}
}

// NewSlice wraps data[offset:offset+count]. A negative count means "to the end".
func NewSlice(data []byte, offset, count int) *Packet {
	if count < 0 {
		count = len(data) - offset
	}
	if offset < 0 || count < 0 || offset+count > len(data) {
		panic(fmt.Sprintf("packet: window [%d:%d] out of range for %d bytes", offset, offset+count, len(data)))
	}
	return &Packet{Data: data, Offset: offset, Count: count}
}

// Bytes returns the bytes of this segment only, without copying.
func (p *Packet) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.Data[p.Offset : p.Offset+p.Count]
}

// Total is the byte count of the whole chain.
func (p *Packet) Total() int {
	n := 0
	for cur := p; cur != nil; cur = cur.Next {
		n += cur.Count
	}
	return n
}

// Append links next at the end of the chain and returns p.
func (p *Packet) Append(next *Packet) *Packet {
	cur := p
	for cur.Next != nil {
		cur = cur.Next
	}
	cur.Next = next
	return p
}

// Slice returns a view starting offset bytes into this segment. A negative
// count takes the rest of the segment. Chained packets are flattened first.
func (p *Packet) Slice(offset, count int) *Packet {
	if p.Next != nil {
		return New(p.ToArray()).Slice(offset, count)
	}
	if count < 0 {
		count = p.Count - offset
	}
	if offset < 0 || count < 0 || offset+count > p.Count {
		panic(fmt.Sprintf("packet: slice [%d:%d] out of range for %d bytes", offset, offset+count, p.Count))
	}
	return &Packet{Data: p.Data, Offset: p.Offset + offset, Count: count}
}

// ToArray returns the chain as one contiguous slice. A single segment that
// already spans its whole buffer is returned without copying.
func (p *Packet) ToArray() []byte {
	if p == nil {
		return nil
	}
	if p.Next == nil && p.Offset == 0 && p.Count == len(p.Data) {
		return p.Data
	}
	buf := make([]byte, 0, p.Total())
	for cur := p; cur != nil; cur = cur.Next {
		buf = append(buf, cur.Bytes()...)
	}
	return buf
}

// Clone copies the chain into a single owned packet.
func (p *Packet) Clone() *Packet {
	buf := make([]byte, 0, p.Total())
	for cur := p; cur != nil; cur = cur.Next {
		buf = append(buf, cur.Bytes()...)
	}
	return New(buf)
}

// Buffers exposes the chain for vectored writes.
func (p *Packet) Buffers() net.Buffers {
	var bufs net.Buffers
	for cur := p; cur != nil; cur = cur.Next {
		if cur.Count > 0 {
			bufs = append(bufs, cur.Bytes())
		}
	}
	return bufs
}

func (p *Packet) String() string {
	return string(p.ToArray())
}

// From converts the common payload shapes into a packet. It returns nil for
// unsupported types.
func From(v any) *Packet {
	switch m := v.(type) {
	case *Packet:
		return m
	case []byte:
		return New(m)
	case string:
		return New([]byte(m))
	default:
		return nil
	}
}
