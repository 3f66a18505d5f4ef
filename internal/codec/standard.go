// Package codec provides message codecs that run as pipeline handlers.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"openfms/netcore/internal/frame"
	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
)

// Header flag bits of a standard message.
const (
	FlagReply  byte = 0x80
	FlagError  byte = 0x40
	FlagOneWay byte = 0x20
)

// HeaderSize is flag(1) + seq(1) + length(2, little-endian).
const HeaderSize = 4

const maxPayload = 0xFFFF

var (
	ErrShortMessage = errors.New("codec: message shorter than its header")
	ErrLength       = errors.New("codec: declared length does not match frame")
	ErrTooLarge     = errors.New("codec: payload exceeds 65535 bytes")
)

// StandardFormat frames standard messages on a stream.
var StandardFormat frame.Format = frame.DefaultHeaderLength

// Message is one standard message.
type Message struct {
	Flag    byte
	Seq     byte
	Payload []byte
}

func (m *Message) IsReply() bool  { return m.Flag&FlagReply != 0 }
func (m *Message) IsError() bool  { return m.Flag&FlagError != 0 }
func (m *Message) IsOneWay() bool { return m.Flag&FlagOneWay != 0 }

// Reply builds the response to m carrying payload.
func (m *Message) Reply(payload []byte) *Message {
	return &Message{Flag: FlagReply, Seq: m.Seq, Payload: payload}
}

// ErrorReply builds an error response to m.
func (m *Message) ErrorReply(text string) *Message {
	return &Message{Flag: FlagReply | FlagError, Seq: m.Seq, Payload: []byte(text)}
}

func (m *Message) String() string {
	return fmt.Sprintf("msg(flag=%#02x seq=%d len=%d)", m.Flag, m.Seq, len(m.Payload))
}

// Encode returns the header chained to the payload, without copying it.
func (m *Message) Encode() (*packet.Packet, error) {
	if len(m.Payload) > maxPayload {
		return nil, ErrTooLarge
	}
	hdr := make([]byte, HeaderSize)
	hdr[0] = m.Flag
	hdr[1] = m.Seq
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(m.Payload)))
	p := packet.New(hdr)
	if len(m.Payload) > 0 {
		p.Append(packet.New(m.Payload))
	}
	return p, nil
}

// Decode parses one framed message. The payload aliases p.
func Decode(p *packet.Packet) (*Message, error) {
	data := p.Bytes()
	if p.Next != nil {
		data = p.ToArray()
	}
	if len(data) < HeaderSize {
		return nil, ErrShortMessage
	}
	n := int(binary.LittleEndian.Uint16(data[2:]))
	if HeaderSize+n != len(data) {
		return nil, fmt.Errorf("%w: header says %d, frame has %d", ErrLength, n, len(data)-HeaderSize)
	}
	return &Message{Flag: data[0], Seq: data[1], Payload: data[HeaderSize:]}, nil
}

// MatchSequence pairs a reply with the request of the same sequence number.
func MatchSequence(request, response any) bool {
	req, ok := request.(*Message)
	if !ok {
		return false
	}
	resp, ok := response.(*Message)
	if !ok {
		return false
	}
	return resp.IsReply() && resp.Seq == req.Seq
}

// Standard decodes frames into *Message and encodes outbound messages.
// Outbound requests get the next sequence number; when the caller expects a
// response they are registered with the context's correlator.
type Standard struct {
	pipeline.Base
	seq atomic.Uint32
}

// Read decodes a frame. Reply payloads are copied so they outlive the
// receive buffer; other payloads borrow it until the handler chain returns.
func (h *Standard) Read(ctx *pipeline.Context, msg any) any {
	p := packet.From(msg)
	if p == nil {
		return msg
	}
	m, err := Decode(p)
	if err != nil {
		logger.Scope("codec").WithError(err).Debug("dropping malformed frame")
		return nil
	}
	if m.IsReply() {
		m.Payload = append([]byte(nil), m.Payload...)
	}
	return m
}

// Write encodes *Message, []byte, string or *packet.Packet payloads.
func (h *Standard) Write(ctx *pipeline.Context, msg any) any {
	var m *Message
	switch v := msg.(type) {
	case *Message:
		m = v
	default:
		p := packet.From(msg)
		if p == nil {
			return msg
		}
		m = &Message{Payload: p.ToArray()}
	}

	if !m.IsReply() {
		m.Seq = byte(h.seq.Add(1))
		if ctx.Expect && ctx.Correlator != nil && !m.IsOneWay() {
			ctx.Pending = ctx.Correlator.Add(ctx.Owner(), ctx.Remote, m, ctx.Timeout)
		}
	}
	p, err := m.Encode()
	if err != nil {
		logger.Scope("codec").WithError(err).Warn("cannot encode message")
		return nil
	}
	return p
}
