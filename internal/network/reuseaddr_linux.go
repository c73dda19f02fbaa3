//go:build linux

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding. This allows immediate rebinding to ports
// that are still held by a previous process.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return setSockopts(c, syscall.SO_REUSEADDR)
		},
	}
}

// BroadcastListenConfig returns a net.ListenConfig for the discovery socket:
// SO_REUSEADDR so several instances on one host share the port, and
// SO_BROADCAST so announces may be sent to broadcast addresses.
func BroadcastListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return setSockopts(c, syscall.SO_REUSEADDR, syscall.SO_BROADCAST)
		},
	}
}

func setSockopts(c syscall.RawConn, opts ...int) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range opts {
			if opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, opt, 1); opErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
