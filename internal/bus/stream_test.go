package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type streamRecorder struct {
	existing map[string]bool
	added    []string
	updated  []string
	fail     error
}

func (r *streamRecorder) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	if r.existing[cfg.Name] {
		return nil, nats.ErrStreamNameAlreadyInUse
	}
	r.added = append(r.added, cfg.Name)
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (r *streamRecorder) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	r.updated = append(r.updated, cfg.Name)
	return &nats.StreamInfo{Config: *cfg}, nil
}

func TestStreamsCoverUplinks(t *testing.T) {
	s := Streams(24 * time.Hour)
	if s[0].Subjects[0] != UplinkAll || s[0].MaxAge != 24*time.Hour {
		t.Fatalf("uplink stream %+v", s[0])
	}
	if s[1].Subjects[0] != "fms.uplink.ALARM" || s[1].MaxAge != 96*time.Hour {
		t.Fatalf("alarm stream %+v", s[1])
	}
}

func TestEnsureStreams(t *testing.T) {
	r := &streamRecorder{existing: map[string]bool{StreamAlarms: true}}
	if err := EnsureStreams(r, time.Hour); err != nil {
		t.Fatal(err)
	}
	if len(r.added) != 1 || r.added[0] != StreamUplink {
		t.Fatalf("added %v", r.added)
	}
	if len(r.updated) != 1 || r.updated[0] != StreamAlarms {
		t.Fatalf("updated %v", r.updated)
	}

	boom := errors.New("jetstream not enabled")
	if err := EnsureStreams(&streamRecorder{fail: boom}, time.Hour); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
