package adapter

import (
	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
	"openfms/netcore/internal/protocol"
)

// Session item keys set by Handler.
const (
	DeviceKey  = "device_id"
	AdapterKey = "adapter"
)

// Handler turns a protocol adapter into a pipeline handler. Inbound frames
// become *protocol.StandardMessage, acknowledged on the spot when the
// protocol requires it; outbound protocol.StandardCommand values become
// frames.
//
// With a nil Adapter the protocol is detected from the first frame of each
// session and remembered in the session's items.
type Handler struct {
	pipeline.Base
	Adapter  protocol.Adapter
	Detector protocol.Detector
}

// NewHandler wraps a fixed adapter.
func NewHandler(a protocol.Adapter) *Handler {
	return &Handler{Adapter: a}
}

// NewDetectingHandler detects the protocol per session.
func NewDetectingHandler(d protocol.Detector) *Handler {
	return &Handler{Detector: d}
}

// AdapterOf returns the adapter a session was bound to, if any.
func AdapterOf(s pipeline.Session) (protocol.Adapter, bool) {
	v, ok := s.Get(AdapterKey)
	if !ok {
		return nil, false
	}
	a, ok := v.(protocol.Adapter)
	return a, ok
}

// DeviceOf returns the device ID a session authenticated as.
func DeviceOf(s pipeline.Session) (string, bool) {
	v, ok := s.Get(DeviceKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func (h *Handler) adapterFor(ctx *pipeline.Context, data []byte) protocol.Adapter {
	if h.Adapter != nil {
		return h.Adapter
	}
	if ctx.Session == nil {
		return nil
	}
	if a, ok := AdapterOf(ctx.Session); ok {
		return a
	}
	if h.Detector == nil || len(data) == 0 {
		return nil
	}
	a, ok := h.Detector.Match(data)
	if !ok {
		return nil
	}
	ctx.Session.Set(AdapterKey, a)
	logger.Scope("adapter").WithField("session", ctx.Session.ID()).
		Infof("Protocol detected: %s", a.Protocol())
	return a
}

func (h *Handler) Read(ctx *pipeline.Context, msg any) any {
	p := packet.From(msg)
	if p == nil {
		return msg
	}
	data := p.ToArray()
	log := logger.Scope("adapter")
	if ctx.Session != nil {
		log = log.WithField("session", ctx.Session.ID())
	}

	a := h.adapterFor(ctx, data)
	if a == nil {
		log.Debug("Unknown protocol, frame dropped")
		return nil
	}
	if h.Adapter != nil && ctx.Session != nil {
		if _, ok := AdapterOf(ctx.Session); !ok {
			ctx.Session.Set(AdapterKey, a)
		}
	}

	m, err := a.Decode(data)
	if err != nil {
		log.WithError(err).Debugf("%s decode error", a.Protocol())
		return nil
	}
	m.Protocol = a.Protocol()

	if ctx.Session != nil {
		if m.DeviceID == "" {
			m.DeviceID, _ = DeviceOf(ctx.Session)
		} else if _, ok := DeviceOf(ctx.Session); !ok {
			ctx.Session.Set(DeviceKey, m.DeviceID)
		}

		ack, err := a.Ack(data)
		if err != nil {
			log.WithError(err).Debug("cannot build ack")
		} else if ack != nil {
			ctx.Session.Send(packet.New(ack))
		}
	}
	return m
}

func (h *Handler) Write(ctx *pipeline.Context, msg any) any {
	var cmd protocol.StandardCommand
	switch v := msg.(type) {
	case protocol.StandardCommand:
		cmd = v
	case *protocol.StandardCommand:
		cmd = *v
	default:
		return msg
	}

	a := h.adapterFor(ctx, nil)
	if a == nil {
		logger.Scope("adapter").WithField("command", cmd.Type).Warn("Protocol not determined, command dropped")
		return nil
	}
	if cmd.DeviceID == "" && ctx.Session != nil {
		cmd.DeviceID, _ = DeviceOf(ctx.Session)
	}

	data, err := a.Encode(cmd)
	if err != nil {
		logger.Scope("adapter").WithError(err).Warnf("%s encode error", a.Protocol())
		return nil
	}
	if ctx.Expect && ctx.Correlator != nil {
		if _, ok := a.(protocol.Acknowledger); ok {
			ctx.Pending = ctx.Correlator.Add(ctx.Owner(), ctx.Remote, &Request{Adapter: a, Frame: data}, ctx.Timeout)
		}
	}
	return data
}

// Request is what Handler registers with a correlator for an awaited command.
type Request struct {
	Adapter protocol.Adapter
	Frame   []byte
}

// MatchAck is a correlator matcher pairing device acknowledgements with the
// commands registered by Handler.
func MatchAck(request, response any) bool {
	req, ok := request.(*Request)
	if !ok {
		return false
	}
	msg, ok := response.(*protocol.StandardMessage)
	if !ok {
		return false
	}
	ack, ok := req.Adapter.(protocol.Acknowledger)
	return ok && ack.Acknowledges(req.Frame, msg)
}
