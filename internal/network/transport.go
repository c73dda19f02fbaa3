package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netplay/internal/protocol"
	"github.com/energizer-project/netplay/internal/util"
)

// NetworkStats is the per-frame telemetry surfaced while a session runs.
type NetworkStats struct {
	Delay    int `json:"delay"`    // input delay in frames
	PingMS   int `json:"ping_ms"`  // smoothed round trip time
	Rollback int `json:"rollback"` // frames resimulated on the last correction
}

// TransportStatus is the connection state reported by a session transport.
type TransportStatus int

const (
	TransportIdle TransportStatus = iota
	TransportSynchronizing
	TransportRunning
	TransportDisconnected
)

var transportStatusStrings = map[TransportStatus]string{
	TransportIdle:          "idle",
	TransportSynchronizing: "synchronizing",
	TransportRunning:       "running",
	TransportDisconnected:  "disconnected",
}

// String returns the string representation of TransportStatus.
func (s TransportStatus) String() string {
	if str, ok := transportStatusStrings[s]; ok {
		return str
	}
	return "idle"
}

// MarshalJSON serializes TransportStatus as a JSON string (e.g. "running").
func (s TransportStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// TransportParams describes the session a transport must establish.
type TransportParams struct {
	LocalPort    int
	Remote       netip.AddrPort
	PlayerNumber int // 1 or 2
	InputDelay   int
	// Conn is an already NAT-traversed socket to reuse. When nil the
	// transport binds its own socket on LocalPort.
	Conn net.PacketConn
}

const (
	syncInterval      = 200 * time.Millisecond
	syncRoundtrips    = 5
	syncTimeout       = 15 * time.Second
	pingInterval      = time.Second
	disconnectTimeout = 5 * time.Second
	rttSmoothing      = 8
)

// ErrAlreadyStarted is returned by Start on a transport with an open session.
var ErrAlreadyStarted = errors.New("transport already started")

// TransportOption customises a SyncTransport.
type TransportOption func(*SyncTransport)

// WithTransportClock replaces the wall clock used for pacing and timeouts.
func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *SyncTransport) { t.now = now }
}

// SyncTransport is a minimal UDP session transport. It repeats sync probes
// until enough round trips complete, which also keeps a hole-punched NAT
// mapping open, then measures latency with pings and reports a disconnect
// when the peer goes silent. It is polled from the game loop and spawns no
// goroutines.
type SyncTransport struct {
	logger zerolog.Logger
	now    func() time.Time
	sender uint32

	conn     net.PacketConn
	ownsConn bool
	remote   netip.AddrPort
	params   TransportParams
	buf      []byte

	status      TransportStatus
	seq         uint32
	syncReplies int
	startedAt   time.Time
	lastSent    time.Time
	lastHeard   time.Time
	rtt         time.Duration
}

// NewSyncTransport creates an idle transport.
func NewSyncTransport(opts ...TransportOption) *SyncTransport {
	t := &SyncTransport{
		logger: util.ComponentLogger("transport"),
		now:    time.Now,
		sender: randomInstanceID(),
		buf:    make([]byte, protocol.MaxDatagramSize),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens the session towards params.Remote.
func (t *SyncTransport) Start(params TransportParams) error {
	if t.conn != nil {
		return ErrAlreadyStarted
	}
	if !params.Remote.IsValid() {
		return fmt.Errorf("invalid remote address %q", params.Remote)
	}

	if params.Conn != nil {
		t.conn = params.Conn
		t.ownsConn = false
	} else {
		lc := ReuseAddrListenConfig()
		pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", params.LocalPort))
		if err != nil {
			return fmt.Errorf("failed to bind transport socket on port %d: %w", params.LocalPort, err)
		}
		t.conn = pc
		t.ownsConn = true
	}

	now := t.now()
	t.params = params
	t.remote = netip.AddrPortFrom(params.Remote.Addr().Unmap(), params.Remote.Port())
	t.status = TransportSynchronizing
	t.seq = 0
	t.syncReplies = 0
	t.rtt = 0
	t.startedAt = now
	t.lastHeard = now
	t.send(protocol.SyncRequest, now.UnixNano())
	t.lastSent = now

	t.logger.Info().
		Str("remote", t.remote.String()).
		Str("local", t.conn.LocalAddr().String()).
		Int("player", params.PlayerNumber).
		Bool("punched", !t.ownsConn).
		Msg("transport synchronizing")
	return nil
}

// Poll drains inbound packets, advances timers and returns the current status.
func (t *SyncTransport) Poll() TransportStatus {
	if t.conn == nil || t.status == TransportDisconnected {
		return t.status
	}
	now := t.now()

	t.drain(now)
	if t.status == TransportDisconnected {
		return t.status
	}

	switch t.status {
	case TransportSynchronizing:
		if now.Sub(t.startedAt) > syncTimeout {
			t.disconnect("sync timed out")
			return t.status
		}
		if now.Sub(t.lastSent) >= syncInterval {
			t.send(protocol.SyncRequest, now.UnixNano())
			t.lastSent = now
		}
	case TransportRunning:
		if now.Sub(t.lastHeard) > disconnectTimeout {
			t.disconnect("peer went silent")
			return t.status
		}
		if now.Sub(t.lastSent) >= pingInterval {
			t.send(protocol.Ping, now.UnixNano())
			t.lastSent = now
		}
	}
	return t.status
}

// Stats returns the latest network telemetry.
func (t *SyncTransport) Stats() NetworkStats {
	return NetworkStats{
		Delay:  t.params.InputDelay,
		PingMS: int(t.rtt / time.Millisecond),
	}
}

// Close notifies the peer and releases the socket if the transport opened it.
// An injected socket is left open for its owner.
func (t *SyncTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	if t.status != TransportDisconnected {
		t.send(protocol.Bye, t.now().UnixNano())
	}

	var err error
	if t.ownsConn {
		err = t.conn.Close()
	} else {
		t.conn.SetReadDeadline(time.Time{})
	}
	t.conn = nil
	t.status = TransportIdle
	t.logger.Info().Msg("transport closed")
	return err
}

func (t *SyncTransport) drain(now time.Time) {
	for i := 0; i < maxDrainPerUpdate; i++ {
		t.conn.SetReadDeadline(time.Now().Add(drainDeadline))
		n, from, err := t.conn.ReadFrom(t.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Debug().Err(err).Msg("transport read failed")
			}
			return
		}
		if !t.fromRemote(from) {
			continue
		}
		t.handlePacket(t.buf[:n], now)
		if t.status == TransportDisconnected {
			return
		}
	}
}

func (t *SyncTransport) fromRemote(from net.Addr) bool {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	ap := udp.AddrPort()
	return ap.Addr().Unmap() == t.remote.Addr() && ap.Port() == t.remote.Port()
}

func (t *SyncTransport) handlePacket(data []byte, now time.Time) {
	p, err := protocol.ParseSync(data)
	if err != nil {
		t.logger.Trace().Err(err).Msg("dropping datagram")
		return
	}
	if p.Sender == t.sender {
		return
	}
	t.lastHeard = now

	switch p.Kind {
	case protocol.SyncRequest:
		t.reply(protocol.SyncReply, p)
	case protocol.SyncReply:
		t.observeRTT(now, p.Timestamp)
		if t.status != TransportSynchronizing {
			return
		}
		t.syncReplies++
		if t.syncReplies >= syncRoundtrips {
			t.status = TransportRunning
			t.lastSent = now
			t.logger.Info().
				Str("remote", t.remote.String()).
				Int("ping_ms", int(t.rtt/time.Millisecond)).
				Msg("transport synchronized")
		}
	case protocol.Ping:
		t.reply(protocol.Pong, p)
	case protocol.Pong:
		t.observeRTT(now, p.Timestamp)
	case protocol.Bye:
		t.disconnect("peer left")
	}
}

func (t *SyncTransport) observeRTT(now time.Time, sentNanos int64) {
	sample := now.Sub(time.Unix(0, sentNanos))
	if sample < 0 {
		return
	}
	if t.rtt == 0 {
		t.rtt = sample
		return
	}
	t.rtt += (sample - t.rtt) / rttSmoothing
}

func (t *SyncTransport) send(kind byte, timestamp int64) {
	t.seq++
	t.write(&protocol.SyncPacket{Kind: kind, Sender: t.sender, Seq: t.seq, Timestamp: timestamp})
}

func (t *SyncTransport) reply(kind byte, req *protocol.SyncPacket) {
	t.write(&protocol.SyncPacket{Kind: kind, Sender: t.sender, Seq: req.Seq, Timestamp: req.Timestamp})
}

func (t *SyncTransport) write(p *protocol.SyncPacket) {
	if _, err := t.conn.WriteTo(protocol.BuildSync(p), net.UDPAddrFromAddrPort(t.remote)); err != nil {
		t.logger.Debug().Err(err).Str("remote", t.remote.String()).Msg("transport send failed")
	}
}

func (t *SyncTransport) disconnect(reason string) {
	t.status = TransportDisconnected
	t.logger.Warn().Str("remote", t.remote.String()).Str("reason", reason).Msg("transport disconnected")
}
