package main

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/session"
)

// lanPeer is a discovery that already holds a mutual challenge with one peer.
type lanPeer struct {
	matched bool
	target  uint32
	updates int
}

func (l *lanPeer) Start() error                   { return nil }
func (l *lanPeer) Update()                        { l.updates++ }
func (l *lanPeer) Close() error                   { return nil }
func (l *lanPeer) Running() bool                  { return true }
func (l *lanPeer) InstanceID() uint32             { return 100 }
func (l *lanPeer) Peers() []network.Peer          { return []network.Peer{l.peer()} }
func (l *lanPeer) Challenge(id uint32) bool       { l.target = id; return true }
func (l *lanPeer) AcceptChallenge(id uint32) bool { l.target = id; return true }
func (l *lanPeer) SetChallengeTarget(id uint32)   { l.target = id }
func (l *lanPeer) GetChallengeTarget() uint32     { return l.target }

func (l *lanPeer) Matched() (network.Peer, bool) {
	if !l.matched {
		return network.Peer{}, false
	}
	return l.peer(), true
}

func (l *lanPeer) peer() network.Peer {
	return network.Peer{
		Name: "bob", IP: "192.168.1.5", Port: 7001, InstanceID: 200,
		PeerReady: true, IsChallengingMe: true, LastSeen: time.Now(),
	}
}

type syncedTransport struct {
	params *network.TransportParams
	status network.TransportStatus
}

func (s *syncedTransport) Start(p network.TransportParams) error {
	s.params = &p
	s.status = network.TransportSynchronizing
	return nil
}
func (s *syncedTransport) Poll() network.TransportStatus { return s.status }
func (s *syncedTransport) Stats() network.NetworkStats   { return network.NetworkStats{PingMS: 12} }
func (s *syncedTransport) Close() error                  { return nil }

func newTestDriver(t *testing.T, disc *lanPeer, tr *syncedTransport) (*driver, *bytes.Buffer) {
	t.Helper()
	m, err := session.NewMachine(session.Config{
		Discovery:  disc,
		Transport:  tr,
		GamePort:   7000,
		InputDelay: 2,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	d := &driver{Machine: m, out: &out}
	require.NoError(t, d.EnterLobby())
	return d, &out
}

func TestTickAutoConnectBeginsOnceMatched(t *testing.T) {
	disc := &lanPeer{}
	tr := &syncedTransport{}
	d, out := newTestDriver(t, disc, tr)
	board := session.NewBoard()

	d.tick(board, true)
	assert.Equal(t, session.StateLobby, d.State(), "nothing to begin without a match")
	assert.Equal(t, session.StateLobby, board.Snapshot().State)

	disc.matched = true
	d.tick(board, true)
	assert.Equal(t, session.StateTransitioning, d.State())
	assert.Equal(t, session.StateTransitioning, board.Snapshot().State)
	assert.Contains(t, out.String(), "Auto-connecting")

	target, ok := d.Target()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("192.168.1.5:7001"), target.Remote)
	assert.Equal(t, 1, target.PlayerNumber)

	// Two ready observations, then the transport starts.
	d.tick(board, true)
	d.tick(board, true)
	assert.Equal(t, session.StateConnecting, d.State())
	require.NotNil(t, tr.params)
	assert.Contains(t, out.String(), "Synchronizing with peer")

	tr.status = network.TransportRunning
	d.tick(board, true)
	assert.Equal(t, session.StateRunning, d.State())
	assert.Contains(t, out.String(), "Connected to bob as player 1")
}

func TestTickWithoutAutoConnectWaitsForBegin(t *testing.T) {
	disc := &lanPeer{matched: true}
	d, out := newTestDriver(t, disc, &syncedTransport{})
	board := session.NewBoard()

	for i := 0; i < 3; i++ {
		d.tick(board, false)
	}
	assert.Equal(t, session.StateLobby, d.State())
	assert.True(t, board.Snapshot().Ready)
	assert.Equal(t, 3, disc.updates)
	assert.NotContains(t, out.String(), "Auto-connecting")
}

func TestTickReportsDisconnect(t *testing.T) {
	disc := &lanPeer{matched: true}
	tr := &syncedTransport{}
	d, out := newTestDriver(t, disc, tr)
	board := session.NewBoard()

	for i := 0; i < 4; i++ {
		d.tick(board, true)
	}
	tr.status = network.TransportRunning
	d.tick(board, true)
	require.Equal(t, session.StateRunning, d.State())

	tr.status = network.TransportDisconnected
	d.tick(board, true)
	assert.Equal(t, session.StateExiting, d.State())
	assert.Contains(t, out.String(), "Disconnected")

	d.tick(board, true)
	assert.Equal(t, session.StateIdle, board.Snapshot().State)
}
