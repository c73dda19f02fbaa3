// Package cli implements the interactive console of the netplay demo driver.
// Lines are read on their own goroutine and executed on the session loop.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/netplay/internal/connector"
	"github.com/energizer-project/netplay/internal/db"
	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/session"
)

// ErrQuit is returned by Execute when the user asks to quit.
var ErrQuit = errors.New("quit requested")

// Controller is the session surface the console drives. *session.Machine
// implements it.
type Controller interface {
	State() session.State
	EnterLobby() error
	Begin() error
	HandleMenuExit()
	Ready() bool
	Snapshot() session.Snapshot

	Peers() []network.Peer
	Challenge(instanceID uint32) bool
	AcceptChallenge(instanceID uint32) bool
	CancelChallenge()

	Candidates() []connector.LobbyPlayer
	Invites() []connector.LobbyPlayer
	StartSearching() bool
	StopSearching() bool
	Invite(playerID string) bool
	CancelInvite()
}

// HistorySource lists recorded sessions. *db.HistoryStore implements it.
type HistorySource interface {
	Recent(limit int) ([]db.HistoryEntry, error)
}

// Command is one parsed console line.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a console line. Blank lines yield false.
func ParseCommand(line string) (Command, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(parts[0]), Args: parts[1:]}, true
}

// ReadCommands parses lines from r onto out until EOF or ctx is done, then
// closes out.
func ReadCommands(ctx context.Context, r io.Reader, out chan<- Command) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cmd, ok := ParseCommand(scanner.Text())
		if !ok {
			continue
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// Dispatcher executes commands against the session. It must run on the
// goroutine that drives the machine.
type Dispatcher struct {
	ctrl    Controller
	history HistorySource // nil when history is disabled
	out     io.Writer
}

// NewDispatcher creates a dispatcher writing to out. history may be nil.
func NewDispatcher(ctrl Controller, history HistorySource, out io.Writer) *Dispatcher {
	return &Dispatcher{ctrl: ctrl, history: history, out: out}
}

// Execute processes a single command.
func (d *Dispatcher) Execute(cmd Command) error {
	switch cmd.Name {
	case "help", "h", "?":
		d.printHelp()
	case "status", "s":
		d.printStatus()
	case "lobby":
		return d.ctrl.EnterLobby()
	case "peers", "p":
		d.printPeers()
	case "challenge", "c":
		return d.cmdChallenge(cmd.Args, d.ctrl.Challenge)
	case "accept", "a":
		return d.cmdChallenge(cmd.Args, d.ctrl.AcceptChallenge)
	case "cancel":
		d.ctrl.CancelChallenge()
		d.ctrl.CancelInvite()
		d.printf("Challenge and invite withdrawn\n")
	case "search":
		return d.cmdSearch(cmd.Args)
	case "candidates", "lobbies":
		d.printCandidates()
	case "invite", "i":
		return d.cmdInvite(cmd.Args)
	case "begin", "b":
		if err := d.ctrl.Begin(); err != nil {
			return err
		}
		d.printf("Connecting...\n")
	case "exit", "leave":
		d.ctrl.HandleMenuExit()
	case "history":
		return d.printHistory(cmd.Args)
	case "quit", "q":
		return ErrQuit
	default:
		d.printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd.Name)
	}
	return nil
}

func (d *Dispatcher) printf(format string, args ...interface{}) {
	fmt.Fprintf(d.out, format, args...)
}

func (d *Dispatcher) printHelp() {
	d.printf(`
Commands:
  status              Show the session state
  lobby               Enter the lobby (start LAN discovery)
  peers               List LAN peers
  challenge <id>      Challenge a LAN peer
  accept <id>         Accept a LAN peer's challenge
  search [on|off]     Toggle internet matchmaking
  candidates          List internet lobby players
  invite <player_id>  Invite an internet player, or accept their invite
  cancel              Withdraw challenge and invite
  begin               Connect to the established target
  exit                Leave the session
  history [n]         Show recent sessions
  quit                Exit the program

`)
}

func (d *Dispatcher) printStatus() {
	snap := d.ctrl.Snapshot()

	tw := d.newTable([]string{"Field", "Value"})
	tw.Append([]string{"State", snap.State.String()})
	tw.Append([]string{"Instance", strconv.FormatUint(uint64(snap.InstanceID), 10)})
	tw.Append([]string{"Ready", strconv.FormatBool(snap.Ready)})
	tw.Append([]string{"Room code", dash(snap.RoomCode)})
	tw.Append([]string{"Searching", strconv.FormatBool(snap.Searching)})
	if snap.Target != nil {
		tw.Append([]string{"Target", fmt.Sprintf("%s %s (%s)", snap.Target.Path, snap.Target.PeerName, snap.Target.Remote)})
		tw.Append([]string{"Player", strconv.Itoa(snap.Target.PlayerNumber)})
	}
	if snap.State == session.StateRunning {
		tw.Append([]string{"Ping", fmt.Sprintf("%d ms", snap.Stats.PingMS)})
		tw.Append([]string{"Delay", strconv.Itoa(snap.Stats.Delay)})
		tw.Append([]string{"Rollback", strconv.Itoa(snap.Stats.Rollback)})
	}
	tw.Render()
}

func (d *Dispatcher) printPeers() {
	peers := d.ctrl.Peers()
	if len(peers) == 0 {
		d.printf("No LAN peers discovered\n")
		return
	}

	tw := d.newTable([]string{"ID", "Name", "Address", "Ready", "Challenging", "Auto", "Last seen"})
	for _, p := range peers {
		tw.Append([]string{
			strconv.FormatUint(uint64(p.InstanceID), 10),
			p.Name,
			fmt.Sprintf("%s:%d", p.IP, p.Port),
			yesNo(p.PeerReady),
			yesNo(p.IsChallengingMe),
			yesNo(p.WantsAutoConnect),
			time.Since(p.LastSeen).Truncate(100 * time.Millisecond).String(),
		})
	}
	tw.Render()
}

func (d *Dispatcher) printCandidates() {
	candidates := d.ctrl.Candidates()
	if len(candidates) == 0 {
		d.printf("No internet players searching\n")
		return
	}

	inviting := map[string]bool{}
	for _, p := range d.ctrl.Invites() {
		inviting[p.PlayerID] = true
	}

	tw := d.newTable([]string{"Player", "Name", "Region", "Room code", "Inviting you"})
	for _, p := range candidates {
		tw.Append([]string{p.PlayerID, p.DisplayName, dash(p.Region), dash(p.RoomCode), yesNo(inviting[p.PlayerID])})
	}
	tw.Render()
}

func (d *Dispatcher) printHistory(args []string) error {
	if d.history == nil {
		d.printf("Session history is disabled\n")
		return nil
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	entries, err := d.history.Recent(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		d.printf("No sessions recorded\n")
		return nil
	}

	tw := d.newTable([]string{"Started", "Path", "Peer", "Remote", "Player", "Duration", "Outcome"})
	for _, e := range entries {
		duration := "-"
		if e.EndedAt != nil {
			duration = e.EndedAt.Sub(e.StartedAt).Truncate(time.Second).String()
		}
		tw.Append([]string{
			e.StartedAt.Local().Format("2006-01-02 15:04"),
			e.Path,
			e.PeerName,
			e.Remote,
			strconv.Itoa(e.PlayerNumber),
			duration,
			dash(e.Outcome),
		})
	}
	tw.Render()
	return nil
}

func (d *Dispatcher) cmdChallenge(args []string, fn func(uint32) bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: challenge|accept <instance id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid instance id: %s", args[0])
	}
	if !fn(uint32(id)) {
		return fmt.Errorf("peer %d is not available", id)
	}
	d.printf("OK\n")
	return nil
}

func (d *Dispatcher) cmdSearch(args []string) error {
	on := !d.ctrl.Snapshot().Searching
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on", "start":
			on = true
		case "off", "stop":
			on = false
		default:
			return fmt.Errorf("usage: search [on|off]")
		}
	}

	if on {
		if !d.ctrl.StartSearching() {
			return fmt.Errorf("internet matchmaking is unavailable")
		}
		d.printf("Searching for internet players\n")
		return nil
	}
	d.ctrl.StopSearching()
	d.printf("Stopped searching\n")
	return nil
}

func (d *Dispatcher) cmdInvite(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: invite <player_id>")
	}
	if !d.ctrl.Invite(args[0]) {
		return fmt.Errorf("player %s is not in the lobby", args[0])
	}
	d.printf("Invited %s\n", args[0])
	return nil
}

func (d *Dispatcher) newTable(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(d.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
