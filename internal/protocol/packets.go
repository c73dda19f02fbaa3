// Package protocol implements the binary datagram formats used between
// netplay peers: the LAN discovery announce and the session sync/ping
// packets. All fields use little-endian byte order.
package protocol

// Datagram magics. The first four bytes of every packet identify its family.
const (
	AnnounceMagic uint32 = 0x4450504E // "NPPD"
	SyncMagic     uint32 = 0x53594E43 // "CNYS"
)

// ProtocolVersion is carried in every datagram; mismatching packets are dropped.
const ProtocolVersion byte = 1

// Sync packet kinds exchanged by the session transport.
const (
	SyncRequest byte = 0x01 // Sync probe, also opens the NAT mapping
	SyncReply   byte = 0x02 // Echo of a sync probe
	Ping        byte = 0x03 // Latency probe while running
	Pong        byte = 0x04 // Echo of a ping
	Bye         byte = 0x05 // Peer is leaving the session
)

// Announce field limits.
const (
	MaxNameLen = 31
	MaxSeenIDs = 32
)

// Announce flag bits.
const (
	FlagAutoConnect byte = 1 << 0
)

// MaxDatagramSize bounds the receive buffer for any netplay datagram.
const MaxDatagramSize = 1500

// announceHeaderSize is magic + version + instance + target + flags + game port.
const announceHeaderSize = 4 + 1 + 4 + 4 + 1 + 2

// syncPacketSize is magic + version + kind + sender + seq + timestamp.
const syncPacketSize = 4 + 1 + 1 + 4 + 4 + 8

// Announce is the periodic LAN discovery broadcast. The challenge target
// doubles as the signaling channel: a peer whose ChallengeTarget equals our
// instance id wants to connect to us.
type Announce struct {
	InstanceID       uint32
	ChallengeTarget  uint32
	WantsAutoConnect bool
	GamePort         uint16
	Name             string
	// SeenIDs lists the instance ids the sender currently holds in its peer
	// table. A receiver listed here knows the sender has observed it.
	SeenIDs []uint32
}

// Sees reports whether the announce lists the given instance id.
func (a *Announce) Sees(id uint32) bool {
	for _, seen := range a.SeenIDs {
		if seen == id {
			return true
		}
	}
	return false
}

// SyncPacket is a session transport datagram.
type SyncPacket struct {
	Kind   byte
	Sender uint32
	Seq    uint32
	// Timestamp is set by the originator and echoed unchanged in replies.
	Timestamp int64
}
