// Netplay - LAN and internet matchmaking for rollback sessions.
//
// The netplay driver discovers peers on the local network, matches players
// through the internet lobby, and drives the session state machine from the
// lobby to a running session. A console on stdin controls it; a local REST
// API and optional MQTT telemetry expose its state.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netplay/internal/api"
	"github.com/energizer-project/netplay/internal/cli"
	"github.com/energizer-project/netplay/internal/config"
	"github.com/energizer-project/netplay/internal/connector"
	"github.com/energizer-project/netplay/internal/db"
	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/punch"
	"github.com/energizer-project/netplay/internal/session"
	"github.com/energizer-project/netplay/internal/telemetry"
	"github.com/energizer-project/netplay/internal/util"
)

const (
	AppName  = "Netplay"
	Banner   = " netplay v%s - LAN & internet matchmaking\n"
	tickRate = time.Second / 60
)

func main() {
	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// Defaults first, reconfigured after config load
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting " + AppName)

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appData := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if cfg.IsFirstRun() {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("path", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	np := cfg.GetNetplay()
	log.Info().
		Str("client_id", np.ClientID).
		Str("display_name", np.DisplayName).
		Str("region", np.Region).
		Msg("player identity")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Session history
	var history *db.HistoryStore
	if appData.History.Enabled {
		history, err = db.NewHistoryStore(appData.History.Path, appData.History.Keep)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open session history, history disabled")
			history = nil
		} else {
			defer history.Close()
		}
	}

	// MQTT telemetry
	var mqttPub *telemetry.MQTTPublisher
	if appData.MQTT.Enabled {
		mqttPub, err = telemetry.NewMQTTPublisher(appData.MQTT, np.ClientID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			mqttPub = nil
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mqttPub.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	// Session core
	discovery, err := network.NewDiscovery(network.DiscoveryConfig{
		Name:             np.DisplayName,
		Port:             np.DiscoveryPort,
		GamePort:         uint16(np.GamePort),
		AutoConnect:      np.AutoConnect,
		AnnounceInterval: np.AnnounceInterval(),
		PeerTimeout:      np.PeerTimeout(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create LAN discovery")
	}

	lobby := connector.NewLobbyClientFromConfig(np)

	machineCfg := session.Config{
		Discovery:         discovery,
		Transport:         network.NewSyncTransport(),
		Lobby:             lobby,
		DisplayName:       np.DisplayName,
		Region:            np.Region,
		GamePort:          np.GamePort,
		InputDelay:        np.InputDelay,
		AutoSearch:        np.AutoSearch,
		LobbyPollInterval: np.LobbyPollInterval(),
	}
	if mqttPub != nil {
		machineCfg.Observers = append(machineCfg.Observers, mqttPub)
		machineCfg.Recorders = append(machineCfg.Recorders, mqttPub)
	}
	if history != nil {
		machineCfg.Recorders = append(machineCfg.Recorders, history)
	}

	machine, err := session.NewMachine(machineCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session machine")
	}

	app := &driver{
		Machine:    machine,
		stunServer: np.STUNServer,
		lobby:      lobby,
		out:        os.Stdout,
	}

	// Status API
	board := session.NewBoard()
	if appData.API.Enabled {
		var hist api.HistorySource
		if history != nil {
			hist = history
		}
		apiServer := api.NewServer(appData.API, board, hist, appData.Logging.Level == "debug")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "status API", apiServer.Start, 3); err != nil {
				log.Warn().Err(err).Msg("status API failed after retries (non-fatal)")
			}
		}()
	}

	// Console: lines are parsed on their own goroutine, executed on the loop.
	var cliHistory cli.HistorySource
	if history != nil {
		cliHistory = history
	}
	dispatcher := cli.NewDispatcher(app, cliHistory, os.Stdout)
	commands := make(chan cli.Command, 16)
	go cli.ReadCommands(ctx, os.Stdin, commands)

	fmt.Println("Netplay console ready. Type 'help' for available commands.")

	if err := app.EnterLobby(); err != nil {
		log.Error().Err(err).Msg("failed to enter the lobby")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	app.loop(ctx, sigCh, commands, dispatcher, board, np.AutoConnect)

	log.Info().Msg("initiating graceful shutdown...")
	app.HandleMenuExit()
	app.Run()
	board.Publish(app.Snapshot())

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out after 10 seconds, forcing exit")
	}

	log.Info().Msg(AppName + " stopped")
}

// driver owns the machine on the loop goroutine and pre-punches a socket
// each time the lobby is entered.
type driver struct {
	*session.Machine
	stunServer string
	lobby      *connector.LobbyClient
	out        io.Writer
}

// EnterLobby opens a STUN-mapped socket for internet sessions, then enters
// the lobby. A failed punch leaves only the LAN path.
func (d *driver) EnterLobby() error {
	if d.State() == session.StateIdle && d.stunServer != "" && d.lobby.Configured() && d.RoomCode() == "" {
		d.prepunch()
	}
	return d.Machine.EnterLobby()
}

func (d *driver) prepunch() {
	ctx, cancel := context.WithTimeout(context.Background(), punch.DefaultTimeout)
	defer cancel()

	conn, mapped, err := punch.Open(ctx, d.stunServer, 0)
	if err != nil {
		log.Warn().Err(err).Str("stun", d.stunServer).Msg("NAT pre-punch failed, internet invites disabled")
		return
	}
	if err := d.SetPunchedConn(conn); err != nil {
		conn.Close()
		log.Warn().Err(err).Msg("failed to inject punched socket")
		return
	}
	if err := d.SetPublicEndpoint(mapped); err != nil {
		log.Warn().Err(err).Str("mapped", mapped.String()).Msg("public endpoint cannot be shared as a room code")
		d.SetPunchedConn(nil)
		return
	}
	log.Info().
		Str("local", localAddr(conn)).
		Str("public", mapped.String()).
		Str("room_code", d.RoomCode()).
		Msg("NAT pre-punch complete")
}

// loop runs the machine at the tick rate until a signal, quit or EOF on the
// console.
func (d *driver) loop(ctx context.Context, sigCh <-chan os.Signal, commands <-chan cli.Command,
	dispatcher *cli.Dispatcher, board *session.Board, autoConnect bool) {
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			return
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				log.Info().Msg("console closed")
				commands = nil
				continue
			}
			if err := dispatcher.Execute(cmd); err != nil {
				if errors.Is(err, cli.ErrQuit) {
					return
				}
				fmt.Fprintf(d.out, "Error: %v\n", err)
			}
		case <-ticker.C:
			d.tick(board, autoConnect)
		}
	}
}

func (d *driver) tick(board *session.Board, autoConnect bool) {
	d.Run()

	for e := d.PollEvent(); e != session.EventNone; e = d.PollEvent() {
		switch e {
		case session.EventSynchronizing:
			fmt.Fprintln(d.out, "Synchronizing with peer...")
		case session.EventConnected:
			if t, ok := d.Target(); ok {
				fmt.Fprintf(d.out, "Connected to %s as player %d\n", t.PeerName, t.PlayerNumber)
			}
		case session.EventDisconnected:
			fmt.Fprintln(d.out, "Disconnected. Type 'lobby' to search again.")
		}
	}

	if autoConnect && d.Ready() {
		if err := d.Begin(); err != nil {
			log.Warn().Err(err).Msg("auto-connect failed")
		} else {
			fmt.Fprintln(d.out, "Auto-connecting...")
		}
	}

	board.Publish(d.Snapshot())
}

func localAddr(conn net.PacketConn) string {
	if addr := conn.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// startWithRetry retries a component that fails to bind its port.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
