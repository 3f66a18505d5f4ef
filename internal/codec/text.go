package codec

import (
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
)

// String turns frames into owned strings and strings into bytes. Trim, when
// set, is cut from the end of inbound frames and appended to outbound ones.
type String struct {
	pipeline.Base
	Trim string
}

func (h *String) Read(_ *pipeline.Context, msg any) any {
	p := packet.From(msg)
	if p == nil {
		return msg
	}
	s := string(p.ToArray())
	if n := len(h.Trim); n > 0 && len(s) >= n && s[len(s)-n:] == h.Trim {
		s = s[:len(s)-n]
	}
	return s
}

func (h *String) Write(_ *pipeline.Context, msg any) any {
	s, ok := msg.(string)
	if !ok {
		return msg
	}
	return []byte(s + h.Trim)
}
