// Package bus bridges gateway sessions and NATS: device reports go out as
// uplinks, commands come in as downlinks or request/reply calls.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/protocol"
)

// Subjects
const (
	UplinkAll       = "fms.uplink.all"
	uplinkPrefix    = "fms.uplink."
	downlinkPrefix  = "gateway.downlink."
	rpcPrefix       = "gateway.rpc."
	DefaultRPCLimit = 30 * time.Second
)

// UplinkSubject is the subject messages of msgType are published on.
func UplinkSubject(msgType string) string { return uplinkPrefix + msgType }

// DownlinkSubject is the fire-and-forget command subject of a gateway node.
func DownlinkSubject(gatewayID string) string { return downlinkPrefix + gatewayID }

// RPCSubject is the request/reply command subject of a gateway node.
func RPCSubject(gatewayID string) string { return rpcPrefix + gatewayID }

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Commander delivers commands to connected devices. With wait set it
// returns the device's acknowledgement.
type Commander interface {
	SendCommand(ctx context.Context, cmd protocol.StandardCommand, wait bool) (*protocol.StandardMessage, error)
}

// Request is the payload of an RPC call.
type Request struct {
	protocol.StandardCommand
	// TimeoutMs bounds the wait for the device, capped by DefaultRPCLimit.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Reply answers an RPC call.
type Reply struct {
	Status   string                    `json:"status"`
	Error    string                    `json:"error,omitempty"`
	Response *protocol.StandardMessage `json:"response,omitempty"`
}

// Bridge publishes uplinks and serves command subjects for one gateway node.
type Bridge struct {
	conn      Conn
	gatewayID string
	Timeout   time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
	wg   sync.WaitGroup
}

// New creates a bridge; Timeout defaults to 5s for RPC calls without one.
func New(conn Conn, gatewayID string) *Bridge {
	return &Bridge{conn: conn, gatewayID: gatewayID, Timeout: 5 * time.Second}
}

// Publish sends msg on its type subject and on fms.uplink.all.
func (b *Bridge) Publish(msg *protocol.StandardMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode uplink: %w", err)
	}
	if err := b.conn.Publish(UplinkSubject(msg.Type), data); err != nil {
		return err
	}
	return b.conn.Publish(UplinkAll, data)
}

// Start subscribes to the node's downlink and RPC subjects.
func (b *Bridge) Start(cmd Commander) error {
	down, err := b.conn.Subscribe(DownlinkSubject(b.gatewayID), b.downlink(cmd))
	if err != nil {
		return fmt.Errorf("subscribe downlink: %w", err)
	}
	rpc, err := b.conn.Subscribe(RPCSubject(b.gatewayID), b.rpc(cmd))
	if err != nil {
		down.Unsubscribe()
		return fmt.Errorf("subscribe rpc: %w", err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, down, rpc)
	b.mu.Unlock()
	logger.Scope("bus").Infof("Serving commands on %s and %s", DownlinkSubject(b.gatewayID), RPCSubject(b.gatewayID))
	return nil
}

// Stop unsubscribes and waits for RPC calls in flight.
func (b *Bridge) Stop() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	b.wg.Wait()
}

func (b *Bridge) downlink(cmd Commander) nats.MsgHandler {
	return func(m *nats.Msg) {
		log := logger.Scope("bus")
		var c protocol.StandardCommand
		if err := json.Unmarshal(m.Data, &c); err != nil {
			log.WithError(err).Warn("Failed to unmarshal command")
			return
		}
		if _, err := cmd.SendCommand(context.Background(), c, false); err != nil {
			log.WithError(err).WithField("device", c.DeviceID).Warnf("Command %s not sent", c.Type)
			return
		}
		log.WithField("device", c.DeviceID).Debugf("Command sent: %s", c.Type)
	}
}

// rpc answers on the message's reply subject once the device acknowledged
// or the call timed out. Calls run concurrently.
func (b *Bridge) rpc(cmd Commander) nats.MsgHandler {
	return func(m *nats.Msg) {
		var req Request
		if err := json.Unmarshal(m.Data, &req); err != nil {
			b.reply(m.Reply, Reply{Status: "error", Error: err.Error()})
			return
		}
		timeout := b.Timeout
		if req.TimeoutMs > 0 {
			timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}
		timeout = min(timeout, DefaultRPCLimit)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := cmd.SendCommand(ctx, req.StandardCommand, true)
			if err != nil {
				b.reply(m.Reply, Reply{Status: "error", Error: err.Error()})
				return
			}
			b.reply(m.Reply, Reply{Status: "ok", Response: resp})
		}()
	}
}

func (b *Bridge) reply(subject string, r Reply) {
	if subject == "" {
		return
	}
	data, err := json.Marshal(r)
	if err == nil {
		err = b.conn.Publish(subject, data)
	}
	if err != nil {
		logger.Scope("bus").WithError(err).Warn("Failed to reply")
	}
}
