//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return setSockopts(c, syscall.SO_REUSEADDR)
		},
	}
}

// BroadcastListenConfig returns a net.ListenConfig for the discovery socket.
// BSD kernels only share a UDP port between processes with SO_REUSEPORT.
func BroadcastListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return setSockopts(c, syscall.SO_REUSEADDR, syscall.SO_REUSEPORT, syscall.SO_BROADCAST)
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
