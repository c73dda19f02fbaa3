package httpwire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var headerEnd = []byte("\r\n\r\n")

// ParseResponse parses a raw "HTTP/1.x <code>" response. The body begins
// after the first blank line; a declared Content-Length trims it and a
// chunked transfer encoding is decoded.
func ParseResponse(raw []byte) (*Response, error) {
	lineEnd := bytes.Index(raw, []byte("\r\n"))
	if lineEnd < 0 {
		lineEnd = len(raw)
	}
	status, err := parseStatusLine(string(raw[:lineEnd]))
	if err != nil {
		return nil, err
	}

	resp := &Response{Status: status}
	idx := bytes.Index(raw, headerEnd)
	if idx < 0 {
		return resp, nil
	}

	headers := parseHeaders(string(raw[lineEnd:idx]))
	body := raw[idx+len(headerEnd):]

	if strings.EqualFold(headers["transfer-encoding"], "chunked") {
		body = decodeChunked(body)
	} else if cl, ok := headers["content-length"]; ok {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 && n < len(body) {
			body = body[:n]
		}
	}

	resp.Body = append([]byte(nil), body...)
	return resp, nil
}

func parseStatusLine(line string) (int, error) {
	if !strings.HasPrefix(line, "HTTP/1.") {
		return 0, fmt.Errorf("%w: status line %q", ErrMalformedResponse, truncate(line, 32))
	}
	sp := strings.IndexByte(line, ' ')
	if sp < 0 || len(line) < sp+4 {
		return 0, fmt.Errorf("%w: status line %q", ErrMalformedResponse, truncate(line, 32))
	}
	code, err := strconv.Atoi(line[sp+1 : sp+4])
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("%w: status code in %q", ErrMalformedResponse, truncate(line, 32))
	}
	return code, nil
}

func parseHeaders(block string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(block, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return out
}

// decodeChunked decodes as much of a chunked body as is present. A
// truncated stream yields the chunks received so far.
func decodeChunked(b []byte) []byte {
	var out []byte
	for {
		lineEnd := bytes.Index(b, []byte("\r\n"))
		if lineEnd < 0 {
			return out
		}
		sizeField, _, _ := strings.Cut(string(b[:lineEnd]), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 32)
		if err != nil || size < 0 {
			return out
		}
		b = b[lineEnd+2:]
		if size == 0 {
			return out
		}
		if int(size) > len(b) {
			return append(out, b...)
		}
		out = append(out, b[:size]...)
		b = b[size:]
		if len(b) >= 2 && b[0] == '\r' && b[1] == '\n' {
			b = b[2:]
		}
	}
}

// responseComplete reports whether raw holds the full header block and,
// when declared, the full Content-Length body.
func responseComplete(raw []byte) bool {
	idx := bytes.Index(raw, headerEnd)
	if idx < 0 {
		return false
	}
	headers := parseHeaders(string(raw[:idx]))
	if strings.EqualFold(headers["transfer-encoding"], "chunked") {
		return bytes.HasSuffix(raw, []byte("0\r\n\r\n"))
	}
	cl, ok := headers["content-length"]
	if !ok {
		return false
	}
	n, err := strconv.Atoi(cl)
	if err != nil {
		return false
	}
	return len(raw)-idx-len(headerEnd) >= n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
