package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/goccy/go-json"

	"openfms/netcore/internal/adapter"
	"openfms/netcore/internal/bus"
	"openfms/netcore/internal/codec"
	"openfms/netcore/internal/httpapi"
	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/packet"
	"openfms/netcore/internal/pipeline"
	"openfms/netcore/internal/protocol"
	"openfms/netcore/internal/session"
)

// deviceObserver tracks device sessions and forwards their reports.
type deviceObserver struct {
	g *Gateway
}

func (o *deviceObserver) Received(s *session.Session, remote net.Addr, msg any) {
	m, ok := msg.(*protocol.StandardMessage)
	if !ok {
		return
	}
	g := o.g
	log := logger.Scope("gateway").WithField("session", s.ID())

	if m.DeviceID != "" && g.bind(m.DeviceID, s) {
		log.WithField("device", m.DeviceID).Infof("%s device online from %s", m.Protocol, addrString(remote))
		if g.registry != nil {
			ctx, cancel := g.storeCtx()
			if err := g.registry.Register(ctx, m.DeviceID, s.ID(), hostOf(remote)); err != nil {
				log.WithError(err).Warn("Failed to register session")
			}
			cancel()
		}
	}

	if g.registry != nil && m.DeviceID != "" {
		ctx, cancel := g.storeCtx()
		var err error
		switch m.Type {
		case protocol.MsgTypeHeartbeat:
			err = g.registry.Refresh(ctx, m.DeviceID)
		case protocol.MsgTypeLocation, protocol.MsgTypeAlarm:
			err = g.registry.Update(ctx, m)
		}
		cancel()
		if err != nil {
			log.WithError(err).Warn("Failed to update registry")
		}
	}

	g.hub.Publish(httpapi.Event{Type: "message", DeviceID: m.DeviceID, Data: m})

	if g.bridge != nil {
		if err := g.bridge.Publish(m); err != nil {
			log.WithError(err).Warn("Failed to publish uplink")
			return
		}
		log.Debugf("Published %s message from device %s", m.Type, m.DeviceID)
	}
}

func (o *deviceObserver) Error(s *session.Session, err error) {
	var pe *session.ProcessError
	if errors.As(err, &pe) {
		logger.Scope("gateway").WithField("session", s.ID()).WithError(err).Warn("Frame processing failed")
	}
}

func (o *deviceObserver) Closed(s *session.Session, reason string) {
	g := o.g
	log := logger.Scope("gateway").WithField("session", s.ID())
	log.Debugf("Connection closed: %s", reason)

	id, ok := adapter.DeviceOf(s)
	if !ok || !g.unbind(id, s) {
		return
	}
	log.WithField("device", id).Info("Device offline")
	if g.registry != nil {
		ctx, cancel := g.storeCtx()
		if err := g.registry.Unregister(ctx, id, s.ID()); err != nil {
			log.WithError(err).Warn("Failed to unregister session")
		}
		cancel()
	}
	g.hub.Publish(httpapi.Event{Type: "offline", DeviceID: id, Data: map[string]string{"reason": reason}})
}

// rpcObserver serves JSON command calls carried by the standard codec.
// One-way calls are delivered without waiting for the device.
type rpcObserver struct {
	g *Gateway
}

func (o *rpcObserver) Received(s *session.Session, remote net.Addr, msg any) {
	req, ok := msg.(*codec.Message)
	if !ok || req.IsReply() {
		return
	}
	// The payload borrows the receive buffer.
	req = &codec.Message{Flag: req.Flag, Seq: req.Seq, Payload: bytes.Clone(req.Payload)}
	g := o.g
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		reply := g.call(req)
		if req.IsOneWay() {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			s.SendMessageTo(req.ErrorReply(err.Error()), remote)
			return
		}
		out := req.Reply(data)
		if reply.Status != "ok" {
			out.Flag |= codec.FlagError
		}
		if err := s.SendMessageTo(out, remote); err != nil {
			logger.Scope("gateway").WithError(err).Debug("RPC reply not sent")
		}
	}()
}

func (g *Gateway) call(req *codec.Message) bus.Reply {
	var call bus.Request
	if err := json.Unmarshal(req.Payload, &call); err != nil {
		return bus.Reply{Status: "error", Error: err.Error()}
	}
	timeout := g.cfg.RequestTimeout
	if call.TimeoutMs > 0 {
		timeout = time.Duration(call.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(g.ctx, timeout)
	defer cancel()

	resp, err := g.SendCommand(ctx, call.StandardCommand, !req.IsOneWay())
	if err != nil {
		return bus.Reply{Status: "error", Error: err.Error()}
	}
	return bus.Reply{Status: "ok", Response: resp}
}

func (o *rpcObserver) Error(*session.Session, error)   {}
func (o *rpcObserver) Closed(*session.Session, string) {}

// frameTap shows raw device frames on the websocket monitor.
type frameTap struct {
	pipeline.Base
	hub *httpapi.Hub
}

func (t *frameTap) Read(ctx *pipeline.Context, msg any) any {
	t.publish(ctx, "in", msg)
	return msg
}

func (t *frameTap) Write(ctx *pipeline.Context, msg any) any {
	t.publish(ctx, "out", msg)
	return msg
}

func (t *frameTap) publish(ctx *pipeline.Context, dir string, msg any) {
	if t.hub.ClientCount() == 0 || ctx.Session == nil {
		return
	}
	p := packet.From(msg)
	if p == nil {
		return
	}
	id, _ := adapter.DeviceOf(ctx.Session)
	t.hub.Publish(httpapi.Event{Type: "frame", DeviceID: id, Data: map[string]string{
		"session": ctx.Session.ID(),
		"dir":     dir,
		"hex":     hex.EncodeToString(p.ToArray()),
	}})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
