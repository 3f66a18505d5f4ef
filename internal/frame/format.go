package frame

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// Format locates frame boundaries in a byte stream.
type Format interface {
	// FrameLength inspects the start of data and returns the length of the
	// first complete frame, 0 when more data is needed, or -n to discard n
	// leading bytes that cannot begin a frame.
	FrameLength(data []byte) int
}

// HeaderLength frames messages carrying a length field at a fixed offset.
// The total frame length is Offset + field width + declared length + Adjust.
type HeaderLength struct {
	Offset int
	// Size is the field width: 1, 2 or 4 bytes, or 0 for a 7-bit encoded
	// variable-length integer.
	Size      int
	BigEndian bool
	// Adjust is added to the declared length, for protocols whose length
	// field does not count a trailer.
	Adjust int
}

// DefaultHeaderLength is a 2-byte little-endian length at offset 2.
var DefaultHeaderLength = HeaderLength{Offset: 2, Size: 2}

func (h HeaderLength) FrameLength(data []byte) int {
	if len(data) < h.Offset+1 {
		return 0
	}
	field := data[h.Offset:]

	var declared, width int
	switch h.Size {
	case 1:
		declared, width = int(field[0]), 1
	case 2:
		if len(field) < 2 {
			return 0
		}
		if h.BigEndian {
			declared = int(binary.BigEndian.Uint16(field))
		} else {
			declared = int(binary.LittleEndian.Uint16(field))
		}
		width = 2
	case 4:
		if len(field) < 4 {
			return 0
		}
		var v uint32
		if h.BigEndian {
			v = binary.BigEndian.Uint32(field)
		} else {
			v = binary.LittleEndian.Uint32(field)
		}
		if v > uint32(maxDeclared) {
			return -len(data)
		}
		declared, width = int(v), 4
	case 0:
		v, n := binary.Uvarint(field)
		if n == 0 {
			return 0
		}
		if n < 0 || v > uint64(maxDeclared) {
			return -len(data)
		}
		declared, width = int(v), n
	default:
		return -len(data)
	}

	total := h.Offset + width + declared + h.Adjust
	if total <= 0 {
		return -len(data)
	}
	return total
}

// maxDeclared bounds declared lengths so corrupt headers cannot overflow.
const maxDeclared = 1 << 30

var (
	headerEnd     = []byte("\r\n\r\n")
	contentLength = []byte("content-length:")
)

// TextDelimited frames HTTP/1.x style messages: a header block terminated by
// a blank line, followed by Content-Length bytes of body.
//
// Without a Content-Length header every byte buffered after the blank line is
// taken as the body. That is lossy for pipelined messages lacking a length and
// is kept as a limitation of the format.
type TextDelimited struct{}

func (TextDelimited) FrameLength(data []byte) int {
	idx := bytes.Index(data, headerEnd)
	if idx < 0 {
		return 0
	}
	head := idx + len(headerEnd)

	cl, ok := parseContentLength(data[:idx])
	if !ok {
		return len(data)
	}
	if cl < 0 {
		return -len(data)
	}
	return head + cl
}

func parseContentLength(header []byte) (int, bool) {
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		if len(line) < len(contentLength) || !bytes.EqualFold(line[:len(contentLength)], contentLength) {
			continue
		}
		v := bytes.TrimSpace(line[len(contentLength):])
		n, err := strconv.Atoi(string(v))
		if err != nil || n > maxDeclared {
			return -1, true
		}
		return n, true
	}
	return 0, false
}

// Marker frames messages enclosed by start and end bytes, e.g. JT808's 0x7E.
// Bytes ahead of the start marker are discarded.
type Marker struct {
	Start byte
	End   byte
}

func (m Marker) FrameLength(data []byte) int {
	start := bytes.IndexByte(data, m.Start)
	if start < 0 {
		return -len(data)
	}
	if start > 0 {
		return -start
	}
	end := bytes.IndexByte(data[1:], m.End)
	if end < 0 {
		return 0
	}
	return end + 2
}

// Delimiter frames messages terminated by Sep, e.g. "\r\n" for line protocols.
type Delimiter struct {
	Sep []byte
}

func (d Delimiter) FrameLength(data []byte) int {
	if len(d.Sep) == 0 {
		return len(data)
	}
	idx := bytes.Index(data, d.Sep)
	if idx < 0 {
		return 0
	}
	return idx + len(d.Sep)
}
