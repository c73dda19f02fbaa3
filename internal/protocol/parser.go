package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Decode errors. Callers drop the datagram on any of them.
var (
	ErrBadMagic   = errors.New("unknown packet magic")
	ErrBadVersion = errors.New("unsupported protocol version")
	ErrTruncated  = errors.New("truncated packet")
)

// PeekMagic returns the packet family of a datagram without decoding it.
func PeekMagic(data []byte) (uint32, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data[:4]), true
}

// ParseAnnounce decodes a discovery announce. Trailing bytes are ignored so
// later versions can append fields.
func ParseAnnounce(data []byte) (*Announce, error) {
	if len(data) < announceHeaderSize {
		return nil, ErrTruncated
	}
	r := bytes.NewReader(data)

	if err := readHeader(r, AnnounceMagic); err != nil {
		return nil, err
	}

	a := &Announce{}
	var flags byte
	fields := []any{&a.InstanceID, &a.ChallengeTarget, &flags, &a.GamePort}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, ErrTruncated
		}
	}
	a.WantsAutoConnect = flags&FlagAutoConnect != 0

	name, err := readString(r)
	if err != nil {
		return nil, ErrTruncated
	}
	if len(name) > MaxNameLen {
		return nil, fmt.Errorf("announce name is %d bytes (max %d)", len(name), MaxNameLen)
	}
	a.Name = name

	count, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if int(count) > MaxSeenIDs {
		return nil, fmt.Errorf("announce lists %d peers (max %d)", count, MaxSeenIDs)
	}
	if count > 0 {
		a.SeenIDs = make([]uint32, count)
		if err := binary.Read(r, binary.LittleEndian, a.SeenIDs); err != nil {
			return nil, ErrTruncated
		}
	}

	return a, nil
}

// ParseSync decodes a session transport packet.
func ParseSync(data []byte) (*SyncPacket, error) {
	if len(data) < syncPacketSize {
		return nil, ErrTruncated
	}
	r := bytes.NewReader(data)

	if err := readHeader(r, SyncMagic); err != nil {
		return nil, err
	}

	p := &SyncPacket{}
	kind, _ := r.ReadByte()
	p.Kind = kind
	if p.Kind < SyncRequest || p.Kind > Bye {
		return nil, fmt.Errorf("unknown sync kind: 0x%02X", p.Kind)
	}
	fields := []any{&p.Sender, &p.Seq, &p.Timestamp}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, ErrTruncated
		}
	}
	return p, nil
}

func readHeader(r *bytes.Reader, want uint32) error {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return ErrTruncated
	}
	if magic != want {
		return ErrBadMagic
	}
	version, err := r.ReadByte()
	if err != nil {
		return ErrTruncated
	}
	if version != ProtocolVersion {
		return ErrBadVersion
	}
	return nil
}

// readString reads a length-prefixed string from a reader.
// Format: [length:1][string bytes...]
func readString(r *bytes.Reader) (string, error) {
	length, err := r.ReadByte()
	if err != nil {
		return "", err
	}

	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	// Trim null bytes
	return string(bytes.TrimRight(buf, "\x00")), nil
}
