// Package network implements the netplay sockets: LAN peer discovery over
// UDP broadcast and the reference session transport.
package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"go4.org/netipx"

	"github.com/energizer-project/netplay/internal/protocol"
	"github.com/energizer-project/netplay/internal/util"
)

const (
	DefaultDiscoveryPort    = 47800
	DefaultAnnounceInterval = 500 * time.Millisecond
	DefaultPeerTimeout      = 5 * time.Second

	// MaxIPLen bounds the textual peer address kept in a peer record.
	MaxIPLen = 63

	maxDrainPerUpdate = 64
	drainDeadline     = time.Millisecond

	// Per-source-IP announce budget, see announceBudget.
	minAnnounceBudget = 50
	maxUpdateRate     = 240 // Update cadence assumed when announcing every Update
	instancesPerHost  = 4
)

// ErrNameTooLong is returned when the local display name does not fit an announce.
var ErrNameTooLong = fmt.Errorf("discovery name exceeds %d bytes", protocol.MaxNameLen)

// Peer is a discovered LAN instance.
type Peer struct {
	Name       string `json:"name"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"` // game port advertised by the peer
	InstanceID uint32 `json:"instance_id"`

	WantsAutoConnect bool `json:"wants_auto_connect"`
	// PeerReady is set once the peer's announces list our instance id.
	PeerReady bool `json:"peer_ready"`
	// IsChallengingMe is set while the peer's challenge target is our instance id.
	IsChallengingMe bool      `json:"is_challenging_me"`
	LastSeen        time.Time `json:"last_seen"`
}

// Addr returns the peer's game endpoint.
func (p Peer) Addr() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(p.IP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid peer address %q: %w", p.IP, err)
	}
	return netip.AddrPortFrom(ip.Unmap(), p.Port), nil
}

// DiscoveryConfig holds the settings of a LAN discovery session.
type DiscoveryConfig struct {
	Name        string
	Port        int    // UDP discovery port, 0 picks an ephemeral port
	GamePort    uint16 // advertised to peers
	AutoConnect bool

	// AnnounceInterval of 0 announces on every Update.
	AnnounceInterval time.Duration
	PeerTimeout      time.Duration
}

// DiscoveryOption customises a Discovery.
type DiscoveryOption func(*Discovery)

// WithClock replaces the wall clock used for announce pacing and eviction.
func WithClock(now func() time.Time) DiscoveryOption {
	return func(d *Discovery) { d.now = now }
}

// WithInstanceID fixes the instance id instead of drawing a random one.
func WithInstanceID(id uint32) DiscoveryOption {
	return func(d *Discovery) { d.instanceID = id }
}

// WithTargets replaces the broadcast destinations computed at Start.
func WithTargets(targets ...netip.AddrPort) DiscoveryOption {
	return func(d *Discovery) { d.targets = targets }
}

// Discovery finds peers on the local network. Each Update drains inbound
// announces, evicts silent peers and broadcasts our own announce. It spawns
// no goroutines; the owner polls it from the game loop.
type Discovery struct {
	cfg        DiscoveryConfig
	logger     zerolog.Logger
	instanceID uint32
	now        func() time.Time

	conn    net.PacketConn
	targets []netip.AddrPort
	buf     []byte
	limiter *rateTracker

	peers           []*Peer
	challengeTarget uint32
	lastAnnounce    time.Time
}

// NewDiscovery creates a discovery session. The socket is not opened until Start.
func NewDiscovery(cfg DiscoveryConfig, opts ...DiscoveryOption) (*Discovery, error) {
	if len(cfg.Name) > protocol.MaxNameLen {
		return nil, ErrNameTooLong
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.AnnounceInterval < 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}

	d := &Discovery{
		cfg:     cfg,
		now:     time.Now,
		buf:     make([]byte, protocol.MaxDatagramSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.limiter = newRateTracker(announceBudget(cfg.AnnounceInterval, len(d.targets)))
	if d.instanceID == 0 {
		d.instanceID = randomInstanceID()
	}
	d.logger = util.ComponentLogger("discovery").With().Uint32("instance_id", d.instanceID).Logger()
	return d, nil
}

// Start binds the discovery socket. Calling Start on a running session is a no-op.
func (d *Discovery) Start() error {
	if d.conn != nil {
		return nil
	}

	lc := BroadcastListenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", d.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind discovery socket on port %d: %w", d.cfg.Port, err)
	}
	d.conn = pc

	if d.targets == nil {
		port := d.cfg.Port
		if udp, ok := pc.LocalAddr().(*net.UDPAddr); ok && port == 0 {
			port = udp.Port
		}
		d.targets = BroadcastTargets(uint16(port))
		d.limiter = newRateTracker(announceBudget(d.cfg.AnnounceInterval, len(d.targets)))
	}
	d.lastAnnounce = time.Time{}

	d.logger.Info().
		Str("local", pc.LocalAddr().String()).
		Int("targets", len(d.targets)).
		Msg("LAN discovery started")
	return nil
}

// Running reports whether the socket is open.
func (d *Discovery) Running() bool {
	return d.conn != nil
}

// LocalAddr returns the bound socket address, or nil before Start.
func (d *Discovery) LocalAddr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// InstanceID returns this process's discovery identity.
func (d *Discovery) InstanceID() uint32 {
	return d.instanceID
}

// Update runs one discovery tick.
func (d *Discovery) Update() {
	if d.conn == nil {
		return
	}
	now := d.now()

	d.drain(now)
	d.evict(now)
	d.autoConnect()

	if d.cfg.AnnounceInterval == 0 || d.lastAnnounce.IsZero() || now.Sub(d.lastAnnounce) >= d.cfg.AnnounceInterval {
		d.announce()
		d.lastAnnounce = now
	}
	d.limiter.prune(now)
}

// Close shuts the socket and forgets all peers. Safe to call repeatedly.
func (d *Discovery) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.peers = nil
	d.challengeTarget = 0
	d.logger.Info().Msg("LAN discovery stopped")
	return err
}

// Peers returns a snapshot of the peer table in discovery order.
func (d *Discovery) Peers() []Peer {
	out := make([]Peer, len(d.peers))
	for i, p := range d.peers {
		out[i] = *p
	}
	return out
}

// Peer returns the record for an instance id.
func (d *Discovery) Peer(id uint32) (Peer, bool) {
	if p := d.find(id); p != nil {
		return *p, true
	}
	return Peer{}, false
}

// SetChallengeTarget declares the peer we want to connect to; 0 clears it.
// The next Update announces the change immediately.
func (d *Discovery) SetChallengeTarget(id uint32) {
	if d.challengeTarget == id {
		return
	}
	d.challengeTarget = id
	d.lastAnnounce = time.Time{}
	d.logger.Info().Uint32("target", id).Msg("challenge target changed")
}

// GetChallengeTarget returns the current challenge target, 0 when none.
func (d *Discovery) GetChallengeTarget() uint32 {
	return d.challengeTarget
}

// Challenge targets a known peer. It returns false for unknown ids.
func (d *Discovery) Challenge(id uint32) bool {
	if d.find(id) == nil {
		return false
	}
	d.SetChallengeTarget(id)
	return true
}

// AcceptChallenge challenges back a peer that is challenging us.
func (d *Discovery) AcceptChallenge(id uint32) bool {
	p := d.find(id)
	if p == nil || !p.IsChallengingMe {
		return false
	}
	d.SetChallengeTarget(id)
	return true
}

// Matched returns the peer once the challenge is mutual and the peer has
// observed us.
func (d *Discovery) Matched() (Peer, bool) {
	if d.challengeTarget == 0 {
		return Peer{}, false
	}
	p := d.find(d.challengeTarget)
	if p == nil || !p.PeerReady || !p.IsChallengingMe {
		return Peer{}, false
	}
	return *p, true
}

func (d *Discovery) find(id uint32) *Peer {
	if id == 0 {
		return nil
	}
	for _, p := range d.peers {
		if p.InstanceID == id {
			return p
		}
	}
	return nil
}

func (d *Discovery) drain(now time.Time) {
	for i := 0; i < maxDrainPerUpdate; i++ {
		// A deadline already in the past fails before checking the socket.
		d.conn.SetReadDeadline(time.Now().Add(drainDeadline))
		n, from, err := d.conn.ReadFrom(d.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			if !errors.Is(err, net.ErrClosed) {
				d.logger.Debug().Err(err).Msg("discovery read failed")
			}
			return
		}
		d.handlePacket(d.buf[:n], from, now)
	}
}

func (d *Discovery) handlePacket(data []byte, from net.Addr, now time.Time) {
	ip := extractIP(from)
	if !d.limiter.allow(ip, now) {
		return
	}

	a, err := protocol.ParseAnnounce(data)
	if err != nil {
		d.logger.Trace().Err(err).Str("from", ip).Msg("dropping datagram")
		return
	}
	if a.InstanceID == 0 || a.InstanceID == d.instanceID {
		return
	}
	if len(ip) > MaxIPLen {
		return
	}

	p := d.find(a.InstanceID)
	if p == nil {
		if len(d.peers) >= protocol.MaxSeenIDs {
			d.logger.Debug().Uint32("peer", a.InstanceID).Msg("peer table full, ignoring announce")
			return
		}
		p = &Peer{InstanceID: a.InstanceID}
		d.peers = append(d.peers, p)
		d.logger.Info().
			Uint32("peer", a.InstanceID).
			Str("name", a.Name).
			Str("ip", ip).
			Msg("peer discovered")
	}

	challenging := a.ChallengeTarget == d.instanceID
	if challenging && !p.IsChallengingMe {
		d.logger.Info().Uint32("peer", a.InstanceID).Str("name", a.Name).Msg("peer is challenging us")
	}

	p.Name = a.Name
	p.IP = ip
	p.Port = a.GamePort
	p.WantsAutoConnect = a.WantsAutoConnect
	p.PeerReady = a.Sees(d.instanceID)
	p.IsChallengingMe = challenging
	p.LastSeen = now
}

func (d *Discovery) evict(now time.Time) {
	kept := d.peers[:0]
	for _, p := range d.peers {
		if now.Sub(p.LastSeen) <= d.cfg.PeerTimeout {
			kept = append(kept, p)
			continue
		}
		d.logger.Debug().Uint32("peer", p.InstanceID).Str("name", p.Name).Msg("peer timed out")
		if p.InstanceID == d.challengeTarget {
			d.challengeTarget = 0
			d.lastAnnounce = time.Time{}
		}
	}
	for i := len(kept); i < len(d.peers); i++ {
		d.peers[i] = nil
	}
	d.peers = kept
}

// autoConnect accepts the first challenger, otherwise challenges the first
// ready peer. It does nothing while a target is set.
func (d *Discovery) autoConnect() {
	if !d.cfg.AutoConnect || d.challengeTarget != 0 {
		return
	}
	for _, p := range d.peers {
		if p.PeerReady && p.IsChallengingMe {
			d.SetChallengeTarget(p.InstanceID)
			return
		}
	}
	for _, p := range d.peers {
		if p.PeerReady {
			d.SetChallengeTarget(p.InstanceID)
			return
		}
	}
}

func (d *Discovery) announce() {
	seen := make([]uint32, 0, len(d.peers))
	for _, p := range d.peers {
		seen = append(seen, p.InstanceID)
	}

	raw, err := protocol.BuildAnnounce(&protocol.Announce{
		InstanceID:       d.instanceID,
		ChallengeTarget:  d.challengeTarget,
		WantsAutoConnect: d.cfg.AutoConnect,
		GamePort:         d.cfg.GamePort,
		Name:             d.cfg.Name,
		SeenIDs:          seen,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to build announce")
		return
	}

	for _, target := range d.targets {
		if _, err := d.conn.WriteTo(raw, net.UDPAddrFromAddrPort(target)); err != nil {
			d.logger.Debug().Err(err).Str("target", target.String()).Msg("announce send failed")
		}
	}
}

// BroadcastTargets returns the limited broadcast address plus the directed
// broadcast address of every up, broadcast-capable IPv4 interface.
func BroadcastTargets(port uint16) []netip.AddrPort {
	targets := []netip.AddrPort{netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), port)}
	seen := map[netip.Addr]bool{targets[0].Addr(): true}

	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			prefix, ok := netipx.FromStdIPNet(ipNet)
			if !ok || !prefix.Addr().Is4() || prefix.Bits() >= 31 {
				continue
			}
			bcast := netipx.PrefixLastIP(prefix.Masked())
			if seen[bcast] {
				continue
			}
			seen[bcast] = true
			targets = append(targets, netip.AddrPortFrom(bcast, port))
		}
	}
	return targets
}

// announceBudget is how many datagrams per second one source IP may send.
// Peers are assumed to announce at our cadence to as many broadcast targets
// as we do, each copy arriving separately, with a few instances sharing a
// host. An interval of 0 announces on every Update, up to maxUpdateRate.
func announceBudget(interval time.Duration, targets int) int {
	perSec := maxUpdateRate
	if interval > 0 {
		perSec = int((time.Second + interval - 1) / interval)
	}
	return max(minAnnounceBudget, perSec*max(targets, 1)*instancesPerHost)
}

func randomInstanceID() uint32 {
	var b [4]byte
	for {
		rand.Read(b[:])
		if id := binary.LittleEndian.Uint32(b[:]); id != 0 {
			return id
		}
	}
}
