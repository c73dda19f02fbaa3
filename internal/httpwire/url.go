package httpwire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is used when a base URL carries no explicit port.
const DefaultPort = 80

// ErrEmptyURL is returned by ParseBaseURL for a blank input.
var ErrEmptyURL = errors.New("empty base URL")

// ParseBaseURL splits "scheme://host[:port][/]" into host and port. The
// scheme is optional and discarded, trailing slashes are stripped and the
// port defaults to 80. Anything after the first path slash is ignored.
func ParseBaseURL(raw string) (host string, port int, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", 0, ErrEmptyURL
	}

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "", 0, fmt.Errorf("base URL %q has no host", raw)
	}

	host, port = s, DefaultPort
	portStr := ""
	if strings.HasPrefix(s, "[") {
		// IPv6 literal: brackets are URL syntax, not part of the host.
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("base URL %q has an unterminated IPv6 host", raw)
		}
		host = s[1:end]
		switch rest := s[end+1:]; {
		case rest == "":
		case rest[0] == ':':
			portStr = rest[1:]
		default:
			return "", 0, fmt.Errorf("base URL %q has invalid port", raw)
		}
	} else if i := strings.LastIndexByte(s, ':'); i >= 0 {
		host = s[:i]
		portStr = s[i+1:]
		if portStr == "" {
			return "", 0, fmt.Errorf("base URL %q has invalid port", raw)
		}
	}
	if portStr != "" {
		p, convErr := strconv.Atoi(portStr)
		if convErr != nil || p <= 0 || p > 65535 {
			return "", 0, fmt.Errorf("base URL %q has invalid port", raw)
		}
		port = p
	}
	if host == "" {
		return "", 0, fmt.Errorf("base URL %q has no host", raw)
	}
	return host, port, nil
}
