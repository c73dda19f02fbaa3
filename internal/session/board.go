package session

import (
	"sync"
	"time"

	"github.com/energizer-project/netplay/internal/connector"
	"github.com/energizer-project/netplay/internal/network"
)

// Snapshot is a copy of the machine's observable state.
type Snapshot struct {
	State      State                   `json:"state"`
	Target     *Target                 `json:"target,omitempty"`
	Stats      network.NetworkStats    `json:"stats"`
	InstanceID uint32                  `json:"instance_id"`
	Peers      []network.Peer          `json:"peers"`
	Challenge  uint32                  `json:"challenge_target"`
	Ready      bool                    `json:"ready"`
	RoomCode   string                  `json:"room_code"`
	Searching  bool                    `json:"searching"`
	Candidates []connector.LobbyPlayer `json:"candidates"`
	Invites    []connector.LobbyPlayer `json:"invites"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// Board hands snapshots from the loop goroutine to readers such as the
// status API. It is the only state shared across goroutines.
type Board struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewBoard creates a board holding an IDLE snapshot.
func NewBoard() *Board {
	return &Board{}
}

// Publish replaces the current snapshot.
func (b *Board) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = s
}

// Snapshot returns the latest published snapshot. Slices are shared with
// the publisher's copy and must not be modified.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}
