// Package server accepts TCP connections and demultiplexes UDP datagrams
// into sessions, and keeps those sessions swept for idleness.
package server

import (
	"time"

	"openfms/netcore/internal/session"
)

const (
	DefaultSweepInterval = time.Second
	DefaultIdleTimeout   = 300 * time.Second
)

// Config configures a TCP or UDP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// Session is applied to every session the server creates. Its Pipeline
	// and Correlator are shared by all of them.
	Session session.Config
	// IdleTimeout closes sessions without traffic for this long. Negative
	// disables it, zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions and stale frames are swept.
	SweepInterval time.Duration
	// ReusePort sets SO_REUSEPORT on the listening socket.
	ReusePort bool
	// OnOpen is called for every new session after it opened.
	OnOpen func(s *session.Session)
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}
