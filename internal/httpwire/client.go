// Package httpwire is a minimal HTTP/1.1 client over raw TCP sockets. Every
// request is signed with HMAC-SHA256 and sent on a fresh connection with
// "Connection: close"; there is no pooling, no redirects and no TLS.
//
// A Client is not safe for concurrent use. Callers serialize requests.
package httpwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netplay/internal/crypto"
	"github.com/energizer-project/netplay/internal/util"
)

const (
	// DefaultTimeout bounds the connect, the send and each receive of one
	// request separately. A context deadline caps the request as a whole.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxResponse is the receive buffer size. Reading stops when it fills.
	DefaultMaxResponse = 64 << 10

	headerTimestamp = "X-Timestamp"
	headerSignature = "X-Signature"
)

// Response is a parsed HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// StatusError is returned together with the Response when the server
// answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Status)
}

// ErrMalformedResponse is returned when the status line cannot be parsed.
var ErrMalformedResponse = errors.New("malformed HTTP response")

// Client sends signed requests to a single host.
type Client struct {
	host string
	port int
	key  []byte

	timeout     time.Duration
	maxResponse int
	now         func() time.Time
	dial        func(ctx context.Context, network, address string) (net.Conn, error)

	logger zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the time source used for X-Timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxResponse overrides DefaultMaxResponse.
func WithMaxResponse(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponse = n
		}
	}
}

// NewClient creates a client for host:port signing with key.
func NewClient(host string, port int, key []byte, opts ...Option) *Client {
	c := &Client{
		host:        host,
		port:        port,
		key:         append([]byte(nil), key...),
		timeout:     DefaultTimeout,
		maxResponse: DefaultMaxResponse,
		now:         time.Now,
		logger:      util.ComponentLogger("httpwire"),
	}
	for _, opt := range opts {
		opt(c)
	}
	dialer := &net.Dialer{Timeout: c.timeout}
	c.dial = dialer.DialContext
	return c
}

// Addr returns the host:port the client talks to.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Do sends one signed request and reads the response until the peer closes
// the connection, the declared body is complete, or the buffer fills.
//
// A transport failure returns a nil Response. A non-2xx status returns the
// Response together with a *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	signature := crypto.SignHex(c.key, []byte(timestamp), []byte(method), []byte(path), body)

	limit, _ := ctx.Deadline()
	dialCtx, cancel := context.WithDeadline(ctx, c.deadline(limit))
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", c.Addr())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.Addr(), err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(c.deadline(limit)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	req := c.buildRequest(method, path, body, timestamp, signature)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("send %s %s: %w", method, path, err)
	}

	raw, err := readResponse(&timeoutReader{conn: conn, deadline: func() time.Time { return c.deadline(limit) }}, c.maxResponse)
	if err != nil {
		return nil, fmt.Errorf("receive %s %s: %w", method, path, err)
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}

	c.logger.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.Status).
		Int("body_len", len(resp.Body)).
		Msg("lobby request completed")

	if !IsSuccess(resp.Status) {
		return resp, &StatusError{Status: resp.Status, Body: resp.Body}
	}
	return resp, nil
}

// deadline is one timeout from now, capped by limit when set.
func (c *Client) deadline(limit time.Time) time.Time {
	d := time.Now().Add(c.timeout)
	if !limit.IsZero() && limit.Before(d) {
		return limit
	}
	return d
}

// timeoutReader refreshes the read deadline before every read, so the
// timeout applies to each receive rather than the whole response.
type timeoutReader struct {
	conn     net.Conn
	deadline func() time.Time
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(r.deadline()); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

func (c *Client) buildRequest(method, path string, body []byte, timestamp, signature string) []byte {
	host := c.host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if c.port != 80 {
		host = c.Addr()
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&b, "%s: %s\r\n", headerTimestamp, timestamp)
	fmt.Fprintf(&b, "%s: %s\r\n", headerSignature, signature)
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// readResponse reads until EOF, a full buffer, or a complete
// Content-Length body. A timeout after a complete response is not an error.
func readResponse(r io.Reader, max int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for len(buf) < max {
		want := len(chunk)
		if rem := max - len(buf); rem < want {
			want = rem
		}
		n, err := r.Read(chunk[:want])
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			if responseComplete(buf) {
				return buf, nil
			}
			return nil, err
		}
		if responseComplete(buf) {
			return buf, nil
		}
	}
	return buf, nil
}

// IsSuccess reports whether status is in [200, 300).
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
