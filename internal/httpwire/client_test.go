package httpwire

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netplay/internal/crypto"
)

func TestParseBaseURL(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
	}{
		{"http://host:1234", "host", 1234},
		{"http://host", "host", 80},
		{"host:1234", "host", 1234},
		{"http://host/", "host", 80},
		{"https://lobby.example.net:8443//", "lobby.example.net", 8443},
		{"  http://127.0.0.1:8080/api  ", "127.0.0.1", 8080},
		{"http://[::1]:8080", "::1", 8080},
		{"http://[fe80::1]/", "fe80::1", 80},
	}

	for _, tc := range cases {
		host, port, err := ParseBaseURL(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.wantHost, host, tc.in)
		assert.Equal(t, tc.wantPort, port, tc.in)
	}
}

func TestParseBaseURLRejectsInvalid(t *testing.T) {
	_, _, err := ParseBaseURL("")
	assert.ErrorIs(t, err, ErrEmptyURL)

	for _, in := range []string{"http://", "http://:80", "host:abc", "host:0", "host:70000", "http://[::1", "http://[::1]x", "http://[]:80", "host:"} {
		_, _, err := ParseBaseURL(in)
		assert.Error(t, err, in)
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nokEXTRA"))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))

	resp, err = ParseResponse([]byte("HTTP/1.0 404 Not Found\r\n\r\nmissing"))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, "missing", string(resp.Body))

	resp, err = ParseResponse([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(resp.Body))

	_, err = ParseResponse([]byte("SSH-2.0-OpenSSH\r\n"))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseResponse(nil)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClientSignsRequests(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	var gotMethod, gotPath, gotTimestamp, gotSignature, gotBody, gotType, gotConn string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod = r.Method
		gotPath = r.URL.RequestURI()
		gotTimestamp = r.Header.Get("X-Timestamp")
		gotSignature = r.Header.Get("X-Signature")
		gotType = r.Header.Get("Content-Type")
		gotConn = r.Header.Get("Connection")
		if r.Close {
			gotConn = "close"
		}
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "secret", WithClock(func() time.Time { return fixed }))
	resp, err := c.Do(context.Background(), "POST", "/presence", []byte(`{"player_id":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/presence", gotPath)
	assert.Equal(t, "1700000000", gotTimestamp)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "close", gotConn)
	assert.Equal(t, `{"player_id":"p1"}`, gotBody)

	want := crypto.SignHex([]byte("secret"), []byte("1700000000POST/presence{\"player_id\":\"p1\"}"))
	assert.Equal(t, want, gotSignature)
}

func TestClientSignsQueryString(t *testing.T) {
	var gotSignature, gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature")
		gotTimestamp = r.Header.Get("X-Timestamp")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "k")
	resp, err := c.Do(context.Background(), "GET", "/searching?region=eu", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Empty(t, resp.Body)

	want := crypto.SignHex([]byte("k"), []byte(gotTimestamp+"GET/searching?region=eu"))
	assert.Equal(t, want, gotSignature)
}

func TestClientReportsNon2xxAsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "k")
	resp, err := c.Do(context.Background(), "POST", "/leave", []byte(`{}`))
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestClientConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := NewClient("127.0.0.1", addr.Port, []byte("k"), WithTimeout(time.Second))
	resp, err := c.Do(context.Background(), "POST", "/presence", nil)
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestClientTimesOutOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := NewClient("127.0.0.1", addr.Port, []byte("k"), WithTimeout(200*time.Millisecond))

	start := time.Now()
	resp, err := c.Do(context.Background(), "GET", "/searching", nil)
	assert.Error(t, err)
	assert.Nil(t, resp)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientDialsIPv6BaseURL(t *testing.T) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skip("IPv6 loopback unavailable")
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	defer srv.Close()

	host, port, err := ParseBaseURL("http://" + ln.Addr().String())
	require.NoError(t, err)
	c := NewClient(host, port, []byte("k"))
	assert.Equal(t, ln.Addr().String(), c.Addr())

	resp, err := c.Do(context.Background(), "POST", "/presence", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestClientTimeoutAppliesPerReceive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		// Each pause is under the timeout; together they exceed it.
		for _, part := range []string{"HTTP/1.1 200 OK\r\n", "Content-Length: 2\r\n", "\r\n", "ok"} {
			time.Sleep(120 * time.Millisecond)
			conn.Write([]byte(part))
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := NewClient("127.0.0.1", addr.Port, []byte("k"), WithTimeout(300*time.Millisecond))
	resp, err := c.Do(context.Background(), "GET", "/searching", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestClientContextDeadlineCapsRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 20; i++ {
			time.Sleep(50 * time.Millisecond)
			if _, err := conn.Write([]byte("X")); err != nil {
				return
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := NewClient("127.0.0.1", addr.Port, []byte("k"), WithTimeout(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Do(ctx, "GET", "/searching", nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 800*time.Millisecond)
}

func newTestClient(t *testing.T, rawURL, key string, opts ...Option) *Client {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewClient(u.Hostname(), port, []byte(key), opts...)
}
