package punch

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
)

// RoomCodeLen is the length of an encoded room code.
const RoomCodeLen = 12

// EncodeRoomCode renders a public IPv4 endpoint as 12 lowercase hex chars:
// four address bytes followed by the big-endian port.
func EncodeRoomCode(ep netip.AddrPort) (string, error) {
	addr := ep.Addr().Unmap()
	if !addr.Is4() {
		return "", fmt.Errorf("room codes carry IPv4 endpoints only, got %s", ep)
	}
	if ep.Port() == 0 {
		return "", fmt.Errorf("room code endpoint %s has no port", ep)
	}

	var raw [6]byte
	ip := addr.As4()
	copy(raw[:4], ip[:])
	binary.BigEndian.PutUint16(raw[4:], ep.Port())
	return hex.EncodeToString(raw[:]), nil
}

// DecodeRoomCode parses a room code produced by EncodeRoomCode.
func DecodeRoomCode(code string) (netip.AddrPort, error) {
	if len(code) != RoomCodeLen {
		return netip.AddrPort{}, fmt.Errorf("room code %q must be %d chars", code, RoomCodeLen)
	}
	raw, err := hex.DecodeString(code)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("room code %q is not hex: %w", code, err)
	}

	port := binary.BigEndian.Uint16(raw[4:])
	if port == 0 {
		return netip.AddrPort{}, fmt.Errorf("room code %q has no port", code)
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(raw[:4])), port), nil
}
