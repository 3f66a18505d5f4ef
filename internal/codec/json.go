package codec

import (
	"github.com/goccy/go-json"

	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
)

// JSON decodes byte frames into values and marshals outbound values.
type JSON struct {
	pipeline.Base
	// New returns the value a frame is decoded into. Nil decodes into
	// map[string]any.
	New func() any
}

func (h *JSON) Read(_ *pipeline.Context, msg any) any {
	p := packet.From(msg)
	if p == nil {
		return msg
	}
	var v any
	if h.New != nil {
		v = h.New()
	} else {
		v = &map[string]any{}
	}
	if err := json.Unmarshal(p.ToArray(), v); err != nil {
		logger.Scope("codec").WithError(err).Debug("dropping invalid JSON frame")
		return nil
	}
	if m, ok := v.(*map[string]any); ok && h.New == nil {
		return *m
	}
	return v
}

func (h *JSON) Write(_ *pipeline.Context, msg any) any {
	switch msg.(type) {
	case *packet.Packet, []byte:
		return msg
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Scope("codec").WithError(err).Warn("cannot marshal message")
		return nil
	}
	return data
}
