package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"openfms/netcore/internal/protocol"
)

// JetStream streams persisting uplinks.
const (
	StreamUplink = "FMS_UPLINK"
	StreamAlarms = "FMS_ALARMS"
)

// StreamManager is the subset of nats.JetStreamContext used to declare
// streams.
type StreamManager interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Streams returns the stream definitions for uplink persistence. Every
// message is retained for retention; alarms are kept four times as long.
func Streams(retention time.Duration) []*nats.StreamConfig {
	return []*nats.StreamConfig{
		{
			Name:      StreamUplink,
			Subjects:  []string{UplinkAll},
			Retention: nats.LimitsPolicy,
			MaxMsgs:   -1,
			MaxAge:    retention,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      StreamAlarms,
			Subjects:  []string{UplinkSubject(protocol.MsgTypeAlarm)},
			Retention: nats.LimitsPolicy,
			MaxMsgs:   -1,
			MaxAge:    4 * retention,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}
}

// EnsureStreams creates the uplink streams, updating any that exist.
func EnsureStreams(js StreamManager, retention time.Duration) error {
	for _, cfg := range Streams(retention) {
		_, err := js.AddStream(cfg)
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			_, err = js.UpdateStream(cfg)
		}
		if err != nil {
			return fmt.Errorf("stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
