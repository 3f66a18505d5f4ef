package codec

import (
	"encoding/binary"

	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
)

// LengthField strips a fixed-width length prefix on read and prepends one on
// write. Pair it with frame.HeaderLength{Offset: 0, Size: Size}.
type LengthField struct {
	pipeline.Base
	// Size is 1, 2 or 4.
	Size      int
	BigEndian bool
}

func (h *LengthField) order() binary.ByteOrder {
	if h.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (h *LengthField) Read(_ *pipeline.Context, msg any) any {
	p := packet.From(msg)
	if p == nil {
		return msg
	}
	if p.Total() < h.Size {
		return nil
	}
	return p.Slice(h.Size, -1)
}

func (h *LengthField) Write(_ *pipeline.Context, msg any) any {
	p := packet.From(msg)
	if p == nil {
		return msg
	}
	n := p.Total()
	hdr := make([]byte, h.Size)
	switch h.Size {
	case 1:
		if n > 0xFF {
			return nil
		}
		hdr[0] = byte(n)
	case 2:
		if n > 0xFFFF {
			return nil
		}
		h.order().PutUint16(hdr, uint16(n))
	case 4:
		h.order().PutUint32(hdr, uint32(n))
	default:
		return nil
	}
	return packet.New(hdr).Append(p)
}
