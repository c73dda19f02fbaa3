// Package session implements the netplay session lifecycle: the state
// machine the game loop drives from lobby to a running rollback session
// and back, tying together LAN discovery, the internet lobby and the
// session transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netplay/internal/connector"
	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/punch"
	"github.com/energizer-project/netplay/internal/util"
)

// Lifecycle errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoTarget          = errors.New("no connection target established")
)

const (
	// readyObservations is how many consecutive checkpoint observations
	// TRANSITIONING needs before the transport starts.
	readyObservations = 2

	defaultLobbyPollInterval = 3 * time.Second
)

// Config wires a Machine.
type Config struct {
	Discovery Discovery // required
	Transport Transport // required
	Lobby     Lobby     // optional, nil disables the internet path
	Hooks     GameHooks // optional, nil means always at the checkpoint

	Observers []Observer
	Recorders []Recorder

	DisplayName       string
	Region            string
	GamePort          int
	InputDelay        int
	AutoSearch        bool
	LobbyPollInterval time.Duration

	Clock func() time.Time
}

// Machine is the session lifecycle. It is driven by one goroutine through
// Run and the UI calls; none of its methods are safe for concurrent use.
// Readers on other goroutines use a Board.
type Machine struct {
	cfg    Config
	logger zerolog.Logger
	ctx    context.Context
	now    func() time.Time

	state       State
	events      eventQueue
	readyStreak int

	target           *Target
	record           Record
	transportStarted bool
	disconnectPosted bool
	exitOutcome      string
	stats            network.NetworkStats

	// Internet path
	punched    net.PacketConn
	roomCode   string
	connectTo  string
	searching  bool
	present    bool
	candidates []connector.LobbyPlayer
	invite     *connector.LobbyPlayer
	lastPoll   time.Time
}

// NewMachine creates a machine in IDLE.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("session: discovery is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if cfg.Hooks == nil {
		cfg.Hooks = GameHooksFunc(func() bool { return true })
	}
	if cfg.LobbyPollInterval <= 0 {
		cfg.LobbyPollInterval = defaultLobbyPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Machine{
		cfg:    cfg,
		logger: util.ComponentLogger("session"),
		ctx:    context.Background(),
		now:    cfg.Clock,
		state:  StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	return m.state
}

// PollEvent pops the oldest pending event, or EventNone.
func (m *Machine) PollEvent() Event {
	return m.events.pop()
}

// Stats returns the network telemetry of the running session.
func (m *Machine) Stats() network.NetworkStats {
	return m.stats
}

// Target returns the established connection target.
func (m *Machine) Target() (Target, bool) {
	if m.target == nil {
		return Target{}, false
	}
	return *m.target, true
}

// EnterLobby starts LAN discovery and, when configured, internet search.
func (m *Machine) EnterLobby() error {
	if m.state != StateIdle {
		return fmt.Errorf("%w: enter lobby from %s", ErrInvalidTransition, m.state)
	}
	if err := m.cfg.Discovery.Start(); err != nil {
		return fmt.Errorf("failed to start LAN discovery: %w", err)
	}

	m.resetSession()
	m.setState(StateLobby)

	if m.cfg.AutoSearch && m.lobbyConfigured() {
		m.StartSearching()
	}
	return nil
}

// Ready reports whether Begin would find a connection target.
func (m *Machine) Ready() bool {
	if m.state != StateLobby {
		return false
	}
	if m.invite != nil {
		return true
	}
	_, ok := m.cfg.Discovery.Matched()
	return ok
}

// Begin commits to the established target: an accepted internet invite
// first, otherwise the matched LAN peer. It fixes the player number and
// remote address.
func (m *Machine) Begin() error {
	if m.state != StateLobby {
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, m.state)
	}

	target, err := m.resolveTarget()
	if err != nil {
		return err
	}

	if target.Path == PathInternet && m.searching {
		m.cfg.Lobby.StopSearching(m.ctx)
		m.searching = false
	}

	m.target = &target
	m.readyStreak = 0
	m.record = Record{Target: target, StartedAt: m.now()}
	for _, r := range m.cfg.Recorders {
		r.SessionStarted(m.record)
	}

	m.logger.Info().
		Str("path", target.Path.String()).
		Str("peer", target.PeerName).
		Str("remote", target.Remote.String()).
		Int("player", target.PlayerNumber).
		Msg("connection target established")
	m.setState(StateTransitioning)
	return nil
}

// HandleMenuExit abandons the session from any state. Teardown runs on
// the next Run.
func (m *Machine) HandleMenuExit() {
	if m.state == StateExiting {
		return
	}
	if m.exitOutcome == "" {
		if m.state == StateRunning {
			m.exitOutcome = OutcomeCompleted
		} else {
			m.exitOutcome = OutcomeAborted
		}
	}
	m.setState(StateExiting)
}

// Run advances the machine by one tick. Call it once per frame.
func (m *Machine) Run() {
	switch m.state {
	case StateIdle:
	case StateLobby:
		m.cfg.Discovery.Update()
		m.pollLobby()
	case StateTransitioning:
		m.cfg.Discovery.Update()
		m.runTransitioning()
	case StateConnecting:
		m.cfg.Discovery.Update()
		m.runConnecting()
	case StateRunning:
		m.runRunning()
	case StateExiting:
		m.teardown()
		m.setState(StateIdle)
	}
}

func (m *Machine) runTransitioning() {
	if m.cfg.Hooks.AtPreMatchCheckpoint() {
		m.readyStreak++
	} else {
		m.readyStreak = 0
	}
	if m.readyStreak < readyObservations {
		return
	}

	params := network.TransportParams{
		LocalPort:    m.cfg.GamePort,
		Remote:       m.target.Remote,
		PlayerNumber: m.target.PlayerNumber,
		InputDelay:   m.cfg.InputDelay,
	}
	// The punched socket's public mapping is what the remote peer was given
	// through the lobby; LAN peers expect our announced game port instead.
	if m.target.Path == PathInternet && m.punched != nil {
		params.Conn = m.punched
	}

	if err := m.cfg.Transport.Start(params); err != nil {
		m.logger.Error().Err(err).Msg("failed to start session transport")
		m.exitOutcome = OutcomeFailed
		m.postDisconnect()
		m.setState(StateExiting)
		return
	}
	m.transportStarted = true
	m.events.push(EventSynchronizing)
	m.setState(StateConnecting)
}

func (m *Machine) runConnecting() {
	switch m.cfg.Transport.Poll() {
	case network.TransportRunning:
		m.record.ReachedRunning = true
		m.events.push(EventConnected)
		m.setState(StateRunning)
	case network.TransportDisconnected:
		m.exitOutcome = OutcomeDisconnected
		m.postDisconnect()
		m.setState(StateExiting)
	}
}

func (m *Machine) runRunning() {
	status := m.cfg.Transport.Poll()
	m.stats = m.cfg.Transport.Stats()
	for _, o := range m.cfg.Observers {
		o.StatsUpdated(m.stats)
	}
	if status == network.TransportDisconnected {
		m.exitOutcome = OutcomeDisconnected
		m.postDisconnect()
		m.setState(StateExiting)
	}
}

// teardown releases everything the session holds in one tick.
func (m *Machine) teardown() {
	if m.transportStarted {
		if err := m.cfg.Transport.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close session transport")
		}
		m.postDisconnect()
	}

	if err := m.cfg.Discovery.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close LAN discovery")
	}

	if m.punched != nil {
		if err := m.punched.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("failed to close punched socket")
		}
		m.punched = nil
		m.roomCode = ""
	}

	if m.present && m.lobbyConfigured() {
		m.cfg.Lobby.Leave(m.ctx)
	}

	if m.target != nil {
		m.record.EndedAt = m.now()
		m.record.Outcome = m.exitOutcome
		if m.record.Outcome == "" {
			m.record.Outcome = OutcomeAborted
		}
		for _, r := range m.cfg.Recorders {
			r.SessionEnded(m.record)
		}
		m.logger.Info().
			Str("outcome", m.record.Outcome).
			Dur("duration", m.record.EndedAt.Sub(m.record.StartedAt)).
			Msg("session ended")
	}

	m.resetSession()
}

func (m *Machine) resetSession() {
	m.target = nil
	m.record = Record{}
	m.readyStreak = 0
	m.transportStarted = false
	m.disconnectPosted = false
	m.exitOutcome = ""
	m.stats = network.NetworkStats{}
	m.connectTo = ""
	m.searching = false
	m.present = false
	m.candidates = nil
	m.invite = nil
	m.lastPoll = time.Time{}
}

func (m *Machine) postDisconnect() {
	if m.disconnectPosted {
		return
	}
	m.disconnectPosted = true
	m.events.push(EventDisconnected)
}

func (m *Machine) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	for _, o := range m.cfg.Observers {
		o.StateChanged(from, to)
	}
}

func (m *Machine) resolveTarget() (Target, error) {
	if m.invite != nil {
		t, err := internetTarget(m.cfg.Lobby.PlayerID(), *m.invite)
		if err == nil {
			return t, nil
		}
		m.logger.Warn().Err(err).Str("peer", m.invite.PlayerID).Msg("discarding invite with bad room code")
		m.invite = nil
	}
	if peer, ok := m.cfg.Discovery.Matched(); ok {
		t, err := lanTarget(m.cfg.Discovery.InstanceID(), peer)
		if err != nil {
			return Target{}, err
		}
		return t, nil
	}
	return Target{}, ErrNoTarget
}

// ---- LAN ----

// Peers returns the discovered LAN peers.
func (m *Machine) Peers() []network.Peer {
	return m.cfg.Discovery.Peers()
}

// Challenge asks a LAN peer to connect.
func (m *Machine) Challenge(instanceID uint32) bool {
	if m.state != StateLobby {
		return false
	}
	return m.cfg.Discovery.Challenge(instanceID)
}

// AcceptChallenge accepts a LAN peer's challenge.
func (m *Machine) AcceptChallenge(instanceID uint32) bool {
	if m.state != StateLobby {
		return false
	}
	return m.cfg.Discovery.AcceptChallenge(instanceID)
}

// CancelChallenge withdraws our LAN challenge.
func (m *Machine) CancelChallenge() {
	m.cfg.Discovery.SetChallengeTarget(0)
}

// ---- Internet ----

// SetPunchedConn injects a NAT-traversed socket for internet sessions; nil
// selects the transport's own socket. The machine owns the socket from
// here on and closes it at teardown.
func (m *Machine) SetPunchedConn(conn net.PacketConn) error {
	if m.state != StateIdle && m.state != StateLobby {
		return fmt.Errorf("%w: socket injection in %s", ErrInvalidTransition, m.state)
	}
	if m.punched != nil && m.punched != conn {
		m.punched.Close()
	}
	m.punched = conn
	if conn == nil {
		m.roomCode = ""
	}
	return nil
}

// SetPublicEndpoint publishes the punched socket's public endpoint as our
// room code.
func (m *Machine) SetPublicEndpoint(ep netip.AddrPort) error {
	code, err := punch.EncodeRoomCode(ep)
	if err != nil {
		return err
	}
	m.roomCode = code
	m.lastPoll = time.Time{}
	return nil
}

// RoomCode returns our published room code, empty without a punched socket.
func (m *Machine) RoomCode() string {
	return m.roomCode
}

// Searching reports whether we are visible in internet matchmaking.
func (m *Machine) Searching() bool {
	return m.searching
}

// Candidates returns the players seen in the last lobby poll.
func (m *Machine) Candidates() []connector.LobbyPlayer {
	return append([]connector.LobbyPlayer(nil), m.candidates...)
}

// Invites returns the candidates currently inviting us.
func (m *Machine) Invites() []connector.LobbyPlayer {
	return incomingInvites(m.candidates, m.roomCode)
}

// StartSearching publishes our presence and joins internet matchmaking.
func (m *Machine) StartSearching() bool {
	if m.state != StateLobby || !m.lobbyConfigured() {
		return false
	}
	if m.roomCode == "" {
		m.logger.Warn().Msg("searching without a room code, peers cannot invite us")
	}
	if !m.pushPresence() {
		return false
	}
	if !m.cfg.Lobby.StartSearching(m.ctx) {
		return false
	}
	m.searching = true
	m.lastPoll = time.Time{}
	return true
}

// StopSearching leaves internet matchmaking.
func (m *Machine) StopSearching() bool {
	if !m.searching || !m.lobbyConfigured() {
		return false
	}
	m.searching = false
	m.candidates = nil
	m.invite = nil
	return m.cfg.Lobby.StopSearching(m.ctx)
}

// Invite asks a lobby candidate to connect, or accepts their invite. The
// session is established once both sides point at each other.
func (m *Machine) Invite(playerID string) bool {
	if m.state != StateLobby {
		return false
	}
	for _, c := range m.candidates {
		if c.PlayerID == playerID && c.RoomCode != "" {
			m.connectTo = c.RoomCode
			m.lastPoll = time.Time{}
			m.logger.Info().Str("peer", playerID).Msg("inviting lobby player")
			return true
		}
	}
	return false
}

// CancelInvite withdraws our internet invite.
func (m *Machine) CancelInvite() {
	m.connectTo = ""
	m.invite = nil
	m.lastPoll = time.Time{}
}

func (m *Machine) lobbyConfigured() bool {
	return m.cfg.Lobby != nil && m.cfg.Lobby.Configured()
}

func (m *Machine) pushPresence() bool {
	ok := m.cfg.Lobby.UpdatePresence(m.ctx, connector.LobbyPlayer{
		PlayerID:    m.cfg.Lobby.PlayerID(),
		DisplayName: m.cfg.DisplayName,
		Region:      m.cfg.Region,
		RoomCode:    m.roomCode,
		ConnectTo:   m.connectTo,
	})
	if ok {
		m.present = true
	}
	return ok
}

// pollLobby refreshes presence and candidates at most once per poll
// interval while searching. Each poll may block for the request timeout.
func (m *Machine) pollLobby() {
	if !m.searching || !m.lobbyConfigured() {
		return
	}
	now := m.now()
	if !m.lastPoll.IsZero() && now.Sub(m.lastPoll) < m.cfg.LobbyPollInterval {
		return
	}
	m.lastPoll = now

	m.pushPresence()

	self := m.cfg.Lobby.PlayerID()
	players := m.cfg.Lobby.GetSearching(m.ctx, m.cfg.Region)
	m.candidates = m.candidates[:0]
	for _, p := range players {
		if p.PlayerID != self {
			m.candidates = append(m.candidates, p)
		}
	}

	if inv, ok := findMutualInvite(m.candidates, m.roomCode, m.connectTo); ok {
		if m.invite == nil || m.invite.PlayerID != inv.PlayerID {
			m.logger.Info().Str("peer", inv.PlayerID).Msg("internet invite accepted")
		}
		m.invite = &inv
	} else {
		m.invite = nil
	}
}

// Snapshot captures the machine for readers on other goroutines.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		State:      m.state,
		Stats:      m.stats,
		InstanceID: m.cfg.Discovery.InstanceID(),
		Peers:      m.cfg.Discovery.Peers(),
		Challenge:  m.cfg.Discovery.GetChallengeTarget(),
		RoomCode:   m.roomCode,
		Searching:  m.searching,
		Candidates: m.Candidates(),
		Invites:    m.Invites(),
		Ready:      m.Ready(),
		UpdatedAt:  m.now(),
	}
	if m.target != nil {
		t := *m.target
		s.Target = &t
	}
	return s
}
