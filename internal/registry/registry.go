// Package registry records which gateway node and session each device is
// connected through, so other services can route commands to it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"openfms/netcore/internal/protocol"
)

const (
	DefaultTTL       = 300 * time.Second
	DefaultShadowTTL = 24 * time.Hour
)

// ErrNotFound is returned by Lookup for devices with no live session.
var ErrNotFound = errors.New("registry: device not registered")

// Client is the subset of *redis.Client the registry uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Entry is the registration of one device.
type Entry struct {
	GatewayID string `json:"gateway_id"`
	SessionID string `json:"session_id"`
	ClientIP  string `json:"client_ip"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s:%s:%s", e.GatewayID, e.SessionID, e.ClientIP)
}

func parseEntry(v string) (Entry, error) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) != 3 {
		return Entry{}, fmt.Errorf("registry: malformed entry %q", v)
	}
	return Entry{GatewayID: parts[0], SessionID: parts[1], ClientIP: parts[2]}, nil
}

// Registry keeps fms:sess:<device> keys alive while devices report, and a
// fms:shadow:<device> hash with the last known state.
type Registry struct {
	client    Client
	gatewayID string
	TTL       time.Duration
	ShadowTTL time.Duration
	now       func() time.Time
}

// New creates a registry for the gateway node gatewayID.
func New(client Client, gatewayID string) *Registry {
	return &Registry{
		client:    client,
		gatewayID: gatewayID,
		TTL:       DefaultTTL,
		ShadowTTL: DefaultShadowTTL,
		now:       time.Now,
	}
}

func sessionKey(deviceID string) string { return "fms:sess:" + deviceID }
func shadowKey(deviceID string) string  { return "fms:shadow:" + deviceID }

// Register binds deviceID to a session on this gateway.
func (r *Registry) Register(ctx context.Context, deviceID, sessionID, clientIP string) error {
	e := Entry{GatewayID: r.gatewayID, SessionID: sessionID, ClientIP: clientIP}
	if err := r.client.Set(ctx, sessionKey(deviceID), e.String(), r.TTL).Err(); err != nil {
		return fmt.Errorf("register %s: %w", deviceID, err)
	}
	return nil
}

// Refresh extends the registration and stamps the device shadow.
func (r *Registry) Refresh(ctx context.Context, deviceID string) error {
	if err := r.client.Expire(ctx, sessionKey(deviceID), r.TTL).Err(); err != nil {
		return fmt.Errorf("refresh %s: %w", deviceID, err)
	}
	return r.shadow(ctx, deviceID, "ts", r.now().Unix())
}

// Update writes the position of a location report into the device shadow.
func (r *Registry) Update(ctx context.Context, msg *protocol.StandardMessage) error {
	if msg.DeviceID == "" {
		return nil
	}
	return r.shadow(ctx, msg.DeviceID,
		"ts", r.now().Unix(),
		"gps_ts", msg.Timestamp,
		"lat", msg.Lat,
		"lon", msg.Lon,
		"speed", msg.Speed,
		"direction", msg.Direction,
		"protocol", msg.Protocol,
	)
}

func (r *Registry) shadow(ctx context.Context, deviceID string, values ...interface{}) error {
	key := shadowKey(deviceID)
	if err := r.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("shadow %s: %w", deviceID, err)
	}
	return r.client.Expire(ctx, key, r.ShadowTTL).Err()
}

// Lookup returns where deviceID is connected.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (Entry, error) {
	v, err := r.client.Get(ctx, sessionKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %s: %w", deviceID, err)
	}
	return parseEntry(v)
}

// Unregister removes the registration if it still belongs to sessionID. A
// device that already reconnected elsewhere keeps its newer entry.
func (r *Registry) Unregister(ctx context.Context, deviceID, sessionID string) error {
	e, err := r.Lookup(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.GatewayID != r.gatewayID || e.SessionID != sessionID {
		return nil
	}
	return r.client.Del(ctx, sessionKey(deviceID)).Err()
}
