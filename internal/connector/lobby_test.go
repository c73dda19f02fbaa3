package connector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netplay/internal/config"
	"github.com/energizer-project/netplay/internal/crypto"
	"github.com/energizer-project/netplay/internal/httpwire"
)

type recordedRequest struct {
	Method string
	URI    string
	Body   string
}

// mockLobby is a signature-checking stand-in for the lobby service.
type mockLobby struct {
	mu        sync.Mutex
	requests  []recordedRequest
	searching string
	status    int
}

func newMockLobby(t *testing.T, key string) (*mockLobby, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := &mockLobby{searching: `{"players":[]}`, status: http.StatusOK}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		want := crypto.SignHex([]byte(key),
			[]byte(c.GetHeader("X-Timestamp")),
			[]byte(c.Request.Method),
			[]byte(c.Request.URL.RequestURI()),
			body)
		if c.GetHeader("X-Signature") != want {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		m.mu.Lock()
		m.requests = append(m.requests, recordedRequest{c.Request.Method, c.Request.URL.RequestURI(), string(body)})
		m.mu.Unlock()
		c.Next()
	})

	ok := func(c *gin.Context) {
		m.mu.Lock()
		defer m.mu.Unlock()
		c.Status(m.status)
	}
	r.POST("/presence", ok)
	r.POST("/searching/start", ok)
	r.POST("/searching/stop", ok)
	r.POST("/leave", ok)
	r.GET("/searching", func(c *gin.Context) {
		m.mu.Lock()
		defer m.mu.Unlock()
		c.Data(m.status, "application/json", []byte(m.searching))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *mockLobby) last() recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return recordedRequest{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *mockLobby) setSearching(doc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searching = doc
}

func (m *mockLobby) setStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *mockLobby) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// fakeRequester returns canned results and counts calls.
type fakeRequester struct {
	calls int
	resp  *httpwire.Response
	err   error
}

func (f *fakeRequester) Do(ctx context.Context, method, path string, body []byte) (*httpwire.Response, error) {
	f.calls++
	return f.resp, f.err
}

func TestUpdatePresenceEndToEnd(t *testing.T) {
	mock, srv := newMockLobby(t, "k")
	c := NewLobbyClient(srv.URL, "k")
	require.True(t, c.Configured())

	ok := c.UpdatePresence(context.Background(), LobbyPlayer{
		PlayerID:    "p1",
		DisplayName: "Name",
		Region:      "us",
	})
	require.True(t, ok)

	req := mock.last()
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/presence", req.URI)
	assert.Equal(t,
		`{"player_id":"p1","display_name":"Name","region":"us","room_code":"","connect_to":""}`,
		req.Body)
	assert.Equal(t, "p1", c.PlayerID())
}

func TestWrongKeyFails(t *testing.T) {
	_, srv := newMockLobby(t, "k")
	c := NewLobbyClient(srv.URL, "not-k")

	assert.False(t, c.UpdatePresence(context.Background(), LobbyPlayer{PlayerID: "p1"}))
}

func TestSearchToggleAndLeave(t *testing.T) {
	mock, srv := newMockLobby(t, "k")
	c := NewLobbyClient(srv.URL, "k", WithPlayerID("p1"))
	ctx := context.Background()

	require.True(t, c.StartSearching(ctx))
	assert.Equal(t, recordedRequest{"POST", "/searching/start", `{"player_id":"p1"}`}, mock.last())

	require.True(t, c.StopSearching(ctx))
	assert.Equal(t, "/searching/stop", mock.last().URI)

	require.True(t, c.Leave(ctx))
	assert.Equal(t, "/leave", mock.last().URI)
}

func TestSearchWithoutPlayerIDIsRefused(t *testing.T) {
	mock, srv := newMockLobby(t, "k")
	c := NewLobbyClient(srv.URL, "k")

	assert.False(t, c.StartSearching(context.Background()))
	assert.Zero(t, mock.count())
}

func TestGetSearching(t *testing.T) {
	mock, srv := newMockLobby(t, "k")
	c := NewLobbyClient(srv.URL, "k", WithPlayerID("p1"))
	ctx := context.Background()

	mock.setSearching(`{"players":[` +
		`{"player_id":"a","display_name":"Alice","region":"us","room_code":"c0a801050fa0","connect_to":""},` +
		`{"player_id":"b","display_name":"Bob","region":"eu","room_code":"","connect_to":"c0a801050fa0"}]}`)
	players := c.GetSearching(ctx, "")
	require.Len(t, players, 2)
	assert.Equal(t, LobbyPlayer{"a", "Alice", "us", "c0a801050fa0", ""}, players[0])
	assert.Equal(t, LobbyPlayer{"b", "Bob", "eu", "", "c0a801050fa0"}, players[1])
	assert.Equal(t, "/searching", mock.last().URI)

	c.GetSearching(ctx, "us west")
	assert.Equal(t, "/searching?region=us+west", mock.last().URI)

	mock.setSearching(`{"players":[]}`)
	assert.Empty(t, c.GetSearching(ctx, ""))

	mock.setSearching(`{"error":"nope"}`)
	assert.Empty(t, c.GetSearching(ctx, ""))
}

func TestGetSearchingSkipsInvalidEntries(t *testing.T) {
	mock, srv := newMockLobby(t, "k")
	c := NewLobbyClient(srv.URL, "k")

	mock.setSearching(`{"players":[` +
		`{"player_id":"a","display_name":"` + strings.Repeat("x", config.MaxDisplayNameLen+1) + `"},` +
		`{"display_name":"anonymous"},` +
		`{"player_id":"c","region":"us"}]}`)
	players := c.GetSearching(context.Background(), "")
	require.Len(t, players, 1)
	assert.Equal(t, "c", players[0].PlayerID)
}

func TestNon2xxFailsSoft(t *testing.T) {
	mock, srv := newMockLobby(t, "k")
	mock.setStatus(http.StatusInternalServerError)
	c := NewLobbyClient(srv.URL, "k", WithPlayerID("p1"))

	assert.False(t, c.UpdatePresence(context.Background(), LobbyPlayer{PlayerID: "p1"}))
	assert.False(t, c.StartSearching(context.Background()))
	assert.Empty(t, c.GetSearching(context.Background(), ""))
}

func TestTransportFailureFailsSoft(t *testing.T) {
	fake := &fakeRequester{err: errors.New("connect: refused")}
	c := NewLobbyClient("http://lobby", "k", WithRequester(fake), WithPlayerID("p1"))

	assert.False(t, c.UpdatePresence(context.Background(), LobbyPlayer{PlayerID: "p1"}))
	assert.False(t, c.Leave(context.Background()))
	assert.Nil(t, c.GetSearching(context.Background(), ""))
	assert.Equal(t, 3, fake.calls)
}

func TestUnconfiguredShortCircuits(t *testing.T) {
	for _, tc := range []struct{ url, key string }{
		{"", "k"},
		{"http://lobby:8080", ""},
		{"http://lobby:notaport", "k"},
	} {
		fake := &fakeRequester{resp: &httpwire.Response{Status: 200}}
		c := NewLobbyClient(tc.url, tc.key, WithRequester(fake), WithPlayerID("p1"))
		ctx := context.Background()

		assert.False(t, c.Configured(), "url=%q key=%q", tc.url, tc.key)
		assert.False(t, c.UpdatePresence(ctx, LobbyPlayer{PlayerID: "p1"}))
		assert.False(t, c.StartSearching(ctx))
		assert.False(t, c.StopSearching(ctx))
		assert.False(t, c.Leave(ctx))
		assert.Nil(t, c.GetSearching(ctx, ""))
		assert.Zero(t, fake.calls)
	}
}

func TestPresenceValidatesLimits(t *testing.T) {
	fake := &fakeRequester{resp: &httpwire.Response{Status: 200}}
	c := NewLobbyClient("http://lobby", "k", WithRequester(fake))
	ctx := context.Background()

	assert.False(t, c.UpdatePresence(ctx, LobbyPlayer{}))
	assert.False(t, c.UpdatePresence(ctx, LobbyPlayer{PlayerID: strings.Repeat("p", config.MaxClientIDLen+1)}))
	assert.False(t, c.UpdatePresence(ctx, LobbyPlayer{PlayerID: "p1", Region: "antarctica"}))
	assert.False(t, c.UpdatePresence(ctx, LobbyPlayer{PlayerID: "p1", RoomCode: strings.Repeat("0", 16)}))
	assert.Zero(t, fake.calls)

	assert.True(t, c.UpdatePresence(ctx, LobbyPlayer{PlayerID: "p1", Region: "us"}))
	assert.Equal(t, 1, fake.calls)
}

func TestNewLobbyClientFromConfigFallsBack(t *testing.T) {
	c := NewLobbyClientFromConfig(config.NetplayData{ClientID: "abc"})
	assert.True(t, c.Configured())
	assert.Equal(t, "abc", c.PlayerID())
}
