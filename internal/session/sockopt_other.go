//go:build !linux && !darwin && !freebsd

package session

import (
	"net"
	"syscall"
)

// ListenConfig returns the default listener configuration; socket reuse
// options are only applied on unix platforms.
func ListenConfig(bool) net.ListenConfig {
	return net.ListenConfig{}
}

func sendBufferSize(syscall.Conn) int { return 0 }
