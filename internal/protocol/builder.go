package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs little-endian binary datagrams.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteInt64 writes an int64 in little-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteString writes a length-prefixed string.
// Format: [length:1][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf.WriteByte(byte(len(data)))
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// BuildAnnounce encodes a discovery announce.
// Format: [magic:4][version:1][instance:4][target:4][flags:1][game_port:2]
// [name:len8+bytes][seen_count:1][seen_ids:4*n]
func BuildAnnounce(a *Announce) ([]byte, error) {
	if len(a.Name) > MaxNameLen {
		return nil, fmt.Errorf("announce name is %d bytes (max %d)", len(a.Name), MaxNameLen)
	}
	if len(a.SeenIDs) > MaxSeenIDs {
		return nil, fmt.Errorf("announce lists %d peers (max %d)", len(a.SeenIDs), MaxSeenIDs)
	}

	var flags byte
	if a.WantsAutoConnect {
		flags |= FlagAutoConnect
	}

	b := NewPacketBuilder()
	b.WriteUint32(AnnounceMagic)
	b.WriteUint8(ProtocolVersion)
	b.WriteUint32(a.InstanceID)
	b.WriteUint32(a.ChallengeTarget)
	b.WriteUint8(flags)
	b.WriteUint16(a.GamePort)
	b.WriteString(a.Name)
	b.WriteUint8(byte(len(a.SeenIDs)))
	for _, id := range a.SeenIDs {
		b.WriteUint32(id)
	}
	return b.Build(), nil
}

// BuildSync encodes a session transport packet.
// Format: [magic:4][version:1][kind:1][sender:4][seq:4][timestamp:8]
func BuildSync(p *SyncPacket) []byte {
	b := NewPacketBuilder()
	b.WriteUint32(SyncMagic)
	b.WriteUint8(ProtocolVersion)
	b.WriteUint8(p.Kind)
	b.WriteUint32(p.Sender)
	b.WriteUint32(p.Seq)
	b.WriteInt64(p.Timestamp)
	return b.Build()
}
