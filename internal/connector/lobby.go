// Package connector implements the client for the internet lobby: presence,
// matchmaking visibility and candidate polling over signed HTTP requests.
package connector

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netplay/internal/config"
	"github.com/energizer-project/netplay/internal/httpwire"
	"github.com/energizer-project/netplay/internal/jsonlite"
	"github.com/energizer-project/netplay/internal/util"
)

const (
	presencePath    = "/presence"
	searchStartPath = "/searching/start"
	searchStopPath  = "/searching/stop"
	searchingPath   = "/searching"
	leavePath       = "/leave"

	// MaxLobbyPlayers bounds the candidates parsed from one poll.
	MaxLobbyPlayers = 32
)

// LobbyPlayer is one lobby record. Records are rebuilt on every poll.
type LobbyPlayer struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Region      string `json:"region"`
	RoomCode    string `json:"room_code"`
	ConnectTo   string `json:"connect_to"`
}

// validate enforces the lobby schema limits.
func (p LobbyPlayer) validate() error {
	if p.PlayerID == "" {
		return fmt.Errorf("player_id is empty")
	}
	limits := []struct {
		name  string
		value string
		max   int
	}{
		{"player_id", p.PlayerID, config.MaxClientIDLen},
		{"display_name", p.DisplayName, config.MaxDisplayNameLen},
		{"region", p.Region, config.MaxRegionLen},
		{"room_code", p.RoomCode, config.MaxRoomCodeLen},
		{"connect_to", p.ConnectTo, config.MaxRoomCodeLen},
	}
	for _, l := range limits {
		if len(l.value) > l.max {
			return fmt.Errorf("%s is %d bytes (max %d)", l.name, len(l.value), l.max)
		}
	}
	return nil
}

// Requester sends one signed request. *httpwire.Client implements it.
type Requester interface {
	Do(ctx context.Context, method, path string, body []byte) (*httpwire.Response, error)
}

// LobbyOption customises a LobbyClient.
type LobbyOption func(*LobbyClient)

// WithRequester replaces the HTTP client, typically with a test double.
func WithRequester(r Requester) LobbyOption {
	return func(c *LobbyClient) { c.client = r }
}

// WithPlayerID sets the id used by the search and leave calls.
func WithPlayerID(id string) LobbyOption {
	return func(c *LobbyClient) { c.playerID = id }
}

// WithHTTPOptions passes options to the underlying httpwire client.
func WithHTTPOptions(opts ...httpwire.Option) LobbyOption {
	return func(c *LobbyClient) { c.httpOpts = append(c.httpOpts, opts...) }
}

// LobbyClient talks to the internet lobby. Every operation fails soft: a
// transport, status or parse failure yields false or an empty result and
// is logged. Calls block for at most the request timeout and must be
// serialized by the caller.
type LobbyClient struct {
	client     Requester
	httpOpts   []httpwire.Option
	configured bool
	playerID   string
	logger     zerolog.Logger
}

// NewLobbyClient creates a client for baseURL signed with key. An empty or
// unparseable URL, or an empty key, leaves the client unconfigured; every
// operation then returns immediately.
func NewLobbyClient(baseURL, key string, opts ...LobbyOption) *LobbyClient {
	c := &LobbyClient{logger: util.ComponentLogger("lobby")}
	for _, opt := range opts {
		opt(c)
	}

	if strings.TrimSpace(key) == "" {
		c.logger.Warn().Msg("internet lobby disabled: no signing key configured")
		return c
	}
	host, port, err := httpwire.ParseBaseURL(baseURL)
	if err != nil {
		c.logger.Warn().Err(err).Msg("internet lobby disabled: invalid lobby URL")
		return c
	}

	if c.client == nil {
		c.client = httpwire.NewClient(host, port, []byte(key), c.httpOpts...)
	}
	c.configured = true
	c.logger.Info().Str("host", host).Int("port", port).Msg("internet lobby configured")
	return c
}

// NewLobbyClientFromConfig creates a client from persisted settings, falling
// back to the compiled-in lobby URL and key when they are empty.
func NewLobbyClientFromConfig(np config.NetplayData, opts ...LobbyOption) *LobbyClient {
	baseURL, key := np.Lobby()
	opts = append([]LobbyOption{WithPlayerID(np.ClientID)}, opts...)
	return NewLobbyClient(baseURL, key, opts...)
}

// Configured reports whether the lobby can be used.
func (c *LobbyClient) Configured() bool {
	return c.configured
}

// PlayerID returns the id used for search and leave calls.
func (c *LobbyClient) PlayerID() string {
	return c.playerID
}

// UpdatePresence upserts our lobby record. It is idempotent and also
// carries the connection intent through ConnectTo.
func (c *LobbyClient) UpdatePresence(ctx context.Context, p LobbyPlayer) bool {
	if !c.configured {
		return false
	}
	if err := p.validate(); err != nil {
		c.logger.Warn().Err(err).Msg("refusing to send presence")
		return false
	}

	body := jsonlite.Object(
		"player_id", p.PlayerID,
		"display_name", p.DisplayName,
		"region", p.Region,
		"room_code", p.RoomCode,
		"connect_to", p.ConnectTo,
	)
	if _, ok := c.call(ctx, "POST", presencePath, body); !ok {
		return false
	}
	c.playerID = p.PlayerID
	return true
}

// StartSearching makes us visible to other searching players.
func (c *LobbyClient) StartSearching(ctx context.Context) bool {
	return c.postPlayer(ctx, searchStartPath)
}

// StopSearching hides us from matchmaking.
func (c *LobbyClient) StopSearching(ctx context.Context) bool {
	return c.postPlayer(ctx, searchStopPath)
}

// Leave removes our lobby record.
func (c *LobbyClient) Leave(ctx context.Context) bool {
	return c.postPlayer(ctx, leavePath)
}

// GetSearching returns the players currently searching, in document order.
// A non-empty region is passed to the server as a filter. Entries without
// a player_id or with fields over the schema limits are skipped.
func (c *LobbyClient) GetSearching(ctx context.Context, region string) []LobbyPlayer {
	if !c.configured {
		return nil
	}

	path := searchingPath
	if region != "" {
		path += "?region=" + url.QueryEscape(region)
	}
	body, ok := c.call(ctx, "GET", path, "")
	if !ok {
		return nil
	}
	return parsePlayers(body, c.logger)
}

func parsePlayers(doc string, logger zerolog.Logger) []LobbyPlayer {
	objects := jsonlite.ExtractObjects(doc, "players", MaxLobbyPlayers)
	players := make([]LobbyPlayer, 0, len(objects))
	for _, obj := range objects {
		p := LobbyPlayer{}
		p.PlayerID, _ = jsonlite.ExtractString(obj, "player_id")
		p.DisplayName, _ = jsonlite.ExtractString(obj, "display_name")
		p.Region, _ = jsonlite.ExtractString(obj, "region")
		p.RoomCode, _ = jsonlite.ExtractString(obj, "room_code")
		p.ConnectTo, _ = jsonlite.ExtractString(obj, "connect_to")

		if err := p.validate(); err != nil {
			logger.Debug().Err(err).Msg("skipping lobby entry")
			continue
		}
		players = append(players, p)
	}
	return players
}

func (c *LobbyClient) postPlayer(ctx context.Context, path string) bool {
	if !c.configured {
		return false
	}
	if c.playerID == "" {
		c.logger.Warn().Str("path", path).Msg("no player id, skipping lobby request")
		return false
	}
	_, ok := c.call(ctx, "POST", path, jsonlite.Object("player_id", c.playerID))
	return ok
}

func (c *LobbyClient) call(ctx context.Context, method, path, body string) (string, bool) {
	resp, err := c.client.Do(ctx, method, path, []byte(body))
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("lobby request failed")
		return "", false
	}
	return string(resp.Body), true
}
