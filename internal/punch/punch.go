// Package punch prepares a NAT-traversed UDP socket for internet sessions:
// it learns the socket's public endpoint over STUN and encodes it as the
// room code published to the lobby.
package punch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/util"
)

const (
	// DefaultTimeout bounds one STUN binding exchange.
	DefaultTimeout = 3 * time.Second

	retransmitInterval = 500 * time.Millisecond
)

// ErrNoMapping is returned when no STUN binding response arrived in time.
var ErrNoMapping = errors.New("no STUN binding response")

// Open binds a UDP socket on localPort (0 for ephemeral) and discovers its
// public endpoint through server. The caller owns the returned socket; it
// is meant to be injected into the session so the transport keeps the
// mapping alive.
func Open(ctx context.Context, server string, localPort int) (net.PacketConn, netip.AddrPort, error) {
	lc := network.ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("failed to bind punch socket on port %d: %w", localPort, err)
	}

	mapped, err := Discover(ctx, pc, server)
	if err != nil {
		pc.Close()
		return nil, netip.AddrPort{}, err
	}
	return pc, mapped, nil
}

// Discover sends STUN binding requests from pc to server and returns the
// XOR-mapped address of the first matching success response. Requests are
// retransmitted every 500ms until DefaultTimeout or the context deadline.
// Datagrams from other sources are discarded.
func Discover(ctx context.Context, pc net.PacketConn, server string) (netip.AddrPort, error) {
	logger := util.ComponentLogger("punch")

	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
	}

	deadline := time.Now().Add(DefaultTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	defer pc.SetReadDeadline(time.Time{})

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	buf := make([]byte, 1500)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, err
		}
		if _, err := pc.WriteTo(req.Raw, serverAddr); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to send STUN request: %w", err)
		}

		wait := time.Now().Add(retransmitInterval)
		if wait.After(deadline) {
			wait = deadline
		}
		pc.SetReadDeadline(wait)

		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				return netip.AddrPort{}, fmt.Errorf("failed to read STUN response: %w", err)
			}
			if !sameEndpoint(from, serverAddr) {
				continue
			}
			mapped, ok := parseBindingResponse(buf[:n], req.TransactionID)
			if !ok {
				continue
			}
			logger.Info().
				Str("server", server).
				Str("mapped", mapped.String()).
				Str("local", pc.LocalAddr().String()).
				Msg("public endpoint discovered")
			return mapped, nil
		}
	}

	logger.Warn().Str("server", server).Msg("STUN binding timed out")
	return netip.AddrPort{}, ErrNoMapping
}

func parseBindingResponse(data []byte, txID [stun.TransactionIDSize]byte) (netip.AddrPort, bool) {
	if !stun.IsMessage(data) {
		return netip.AddrPort{}, false
	}
	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		return netip.AddrPort{}, false
	}
	if msg.Type != stun.BindingSuccess || msg.TransactionID != txID {
		return netip.AddrPort{}, false
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(msg); err != nil {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(xor.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(xor.Port)), true
}

func sameEndpoint(from net.Addr, want *net.UDPAddr) bool {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	return udp.IP.Equal(want.IP) && udp.Port == want.Port
}
