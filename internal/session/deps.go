package session

import (
	"context"
	"net/netip"
	"time"

	"github.com/energizer-project/netplay/internal/connector"
	"github.com/energizer-project/netplay/internal/network"
)

// Discovery is the LAN discovery surface the machine drives.
// *network.Discovery implements it.
type Discovery interface {
	Start() error
	Update()
	Close() error
	Running() bool
	InstanceID() uint32
	Peers() []network.Peer
	Challenge(id uint32) bool
	AcceptChallenge(id uint32) bool
	SetChallengeTarget(id uint32)
	GetChallengeTarget() uint32
	Matched() (network.Peer, bool)
}

// Lobby is the internet lobby surface. *connector.LobbyClient implements it.
type Lobby interface {
	Configured() bool
	PlayerID() string
	UpdatePresence(ctx context.Context, p connector.LobbyPlayer) bool
	StartSearching(ctx context.Context) bool
	StopSearching(ctx context.Context) bool
	GetSearching(ctx context.Context, region string) []connector.LobbyPlayer
	Leave(ctx context.Context) bool
}

// Transport is the rollback session transport. *network.SyncTransport
// implements it; a rollback engine plugs in the same way.
type Transport interface {
	Start(params network.TransportParams) error
	Poll() network.TransportStatus
	Stats() network.NetworkStats
	Close() error
}

// GameHooks lets the game report where its menus are.
type GameHooks interface {
	// AtPreMatchCheckpoint reports whether the game sits at the screen the
	// match starts from.
	AtPreMatchCheckpoint() bool
}

// GameHooksFunc adapts a function to GameHooks.
type GameHooksFunc func() bool

// AtPreMatchCheckpoint calls f.
func (f GameHooksFunc) AtPreMatchCheckpoint() bool { return f() }

// Observer is notified of lifecycle changes and running stats.
type Observer interface {
	StateChanged(from, to State)
	StatsUpdated(stats network.NetworkStats)
}

// Recorder is notified when a session starts and ends.
type Recorder interface {
	SessionStarted(rec Record)
	SessionEnded(rec Record)
}

// Session outcomes recorded when a session ends.
const (
	OutcomeCompleted    = "completed"    // left from RUNNING
	OutcomeAborted      = "aborted"      // left before RUNNING
	OutcomeDisconnected = "disconnected" // transport lost the peer
	OutcomeFailed       = "failed"       // transport could not start
)

// Target is the established connection target.
type Target struct {
	Path         Path           `json:"path"`
	PeerName     string         `json:"peer_name"`
	PeerID       string         `json:"peer_id"`
	Remote       netip.AddrPort `json:"remote"`
	PlayerNumber int            `json:"player_number"`
}

// Record describes one session for recorders.
type Record struct {
	Target
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	ReachedRunning bool      `json:"reached_running"`
	Outcome        string    `json:"outcome,omitempty"`
}
