package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"openfms/netcore/internal/server"
	"openfms/netcore/internal/session"
)

// Config holds all configuration for the gateway
type Config struct {
	GatewayID   string
	GatewayPort int // multi-protocol detection, JT808 first
	GT06Port    int
	WialonPort  int // TCP and UDP
	RPCPort     int // standard codec, TCP and UDP
	HTTPPort    int

	RedisURL     string
	RedisEnabled bool
	NATSURL      string
	NATSEnabled  bool
	JWTSecret    string
	LogLevel     string

	// JetStreamRetention persists uplinks in JetStream for this long. 0
	// leaves them on core NATS only.
	JetStreamRetention time.Duration
	// CommandRateLimit caps send-command calls per client IP per minute
	// across the cluster. 0 disables it; it needs redis.
	CommandRateLimit int

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	SessionTimeout time.Duration
	FrameExpire    time.Duration
	SweepInterval  time.Duration
	MaxAsyncTCP    int
	MaxAsyncUDP    int
	MaxReconnect   int
	Workers        int
}

// Load loads configuration from environment variables. A port of 0
// disables that listener.
func Load() *Config {
	return &Config{
		GatewayID:   getEnv("GATEWAY_ID", "node-01"),
		GatewayPort: getEnvAsInt("GATEWAY_PORT", 8080),
		GT06Port:    getEnvAsInt("GT06_PORT", 8082),
		WialonPort:  getEnvAsInt("WIALON_PORT", 8083),
		RPCPort:     getEnvAsInt("RPC_PORT", 8084),
		HTTPPort:    getEnvAsInt("HTTP_PORT", 8081),

		RedisURL:     getEnv("REDIS_URL", "localhost:6379"),
		RedisEnabled: getEnvAsBool("REDIS_ENABLED", true),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSEnabled:  getEnvAsBool("NATS_ENABLED", true),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		JetStreamRetention: time.Duration(getEnvAsInt("JETSTREAM_RETENTION_HOURS", 0)) * time.Hour,
		CommandRateLimit:   getEnvAsInt("COMMAND_RATE_LIMIT", 60),

		ConnectTimeout: getEnvAsMillis("CONNECT_TIMEOUT_MS", session.DefaultConnectTimeout),
		RequestTimeout: getEnvAsMillis("REQUEST_TIMEOUT_MS", session.DefaultRequestTimeout),
		SessionTimeout: getEnvAsMillis("SESSION_TIMEOUT_MS", server.DefaultIdleTimeout),
		FrameExpire:    getEnvAsMillis("FRAME_EXPIRE_MS", 500*time.Millisecond),
		SweepInterval:  getEnvAsMillis("SWEEP_INTERVAL_MS", server.DefaultSweepInterval),
		MaxAsyncTCP:    getEnvAsInt("MAX_ASYNC_TCP", 1),
		MaxAsyncUDP:    getEnvAsInt("MAX_ASYNC_UDP", 4),
		MaxReconnect:   getEnvAsInt("MAX_RECONNECT", 3),
		Workers:        getEnvAsInt("WORKERS", runtime.NumCPU()),
	}
}

// Session derives the session tunables. stream selects the TCP or UDP
// concurrency. Format, pipeline and correlator are left to the caller.
func (c *Config) Session(stream bool) session.Config {
	cfg := session.Config{
		Expire:         c.FrameExpire,
		ConnectTimeout: c.ConnectTimeout,
		Timeout:        c.RequestTimeout,
		MaxAsync:       c.MaxAsyncUDP,
	}
	if stream {
		cfg.MaxAsync = c.MaxAsyncTCP
		cfg.MaxReconnect = c.MaxReconnect
	}
	return cfg
}

// Server derives a listener configuration for port.
func (c *Config) Server(port int, stream bool) server.Config {
	return server.Config{
		Addr:          ":" + strconv.Itoa(port),
		Session:       c.Session(stream),
		IdleTimeout:   c.SessionTimeout,
		SweepInterval: c.SweepInterval,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if ms := getEnvAsInt(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
