package adapter

import "openfms/netcore/internal/protocol"

type matcher interface {
	protocol.Adapter
	Match(header []byte) bool
}

// Detector picks an adapter from the first bytes of a frame. It also frames
// a stream carrying any of its protocols, so one port can serve them all.
type Detector struct {
	adapters []matcher
}

// NewDetector detects among adapters; with none it uses JT808, GT06 and
// Wialon. Adapters without a Match method are ignored.
func NewDetector(adapters ...protocol.Adapter) *Detector {
	if len(adapters) == 0 {
		adapters = []protocol.Adapter{NewJT808Adapter(), NewGT06Adapter(), NewWialonAdapter()}
	}
	d := &Detector{}
	for _, a := range adapters {
		if m, ok := a.(matcher); ok {
			d.adapters = append(d.adapters, m)
		}
	}
	return d
}

// Match detects the protocol from header bytes.
func (d *Detector) Match(header []byte) (protocol.Adapter, bool) {
	for _, a := range d.adapters {
		if a.Match(header) {
			return a, true
		}
	}
	return nil, false
}

// FrameLength delegates to the format of the detected protocol and skips
// bytes no protocol can start with.
func (d *Detector) FrameLength(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	if a, ok := d.Match(data); ok {
		return a.Format().FrameLength(data)
	}
	return -1
}
