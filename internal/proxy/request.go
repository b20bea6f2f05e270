package proxy

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNoRequest is reported when the peer closes the connection before a
	// complete request head arrives. A normal idle close, not a failure.
	ErrNoRequest = errors.New("peer closed before sending a request")

	// ErrMalformedRequest is reported for an unparseable request line or
	// header line.
	ErrMalformedRequest = errors.New("malformed request")
)

type headerField struct {
	name  string
	value string
}

// Header is an order-preserving header multimap with case-insensitive
// name matching.
type Header struct {
	fields []headerField
}

// Add appends a field, preserving insertion order.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Get returns the first value for name.
func (h *Header) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return f.value, true
		}
	}
	return "", false
}

// Set replaces the first field matching name in place, keeping its position
// in the block, and drops any later duplicates. If the field is absent, it
// is appended.
func (h *Header) Set(name, value string) {
	out := h.fields[:0]
	replaced := false
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			if replaced {
				continue
			}
			f.value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.Add(name, value)
	}
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// String renders the block on one line for debug logging.
func (h *Header) String() string {
	parts := make([]string, 0, len(h.fields))
	for _, f := range h.fields {
		parts = append(parts, f.name+": "+f.value)
	}
	return strings.Join(parts, "; ")
}

// Request is one parsed HTTP request line plus header block. It is built
// once per accepted connection and not modified afterwards, except for the
// single Connection-header normalization applied by the direct handler.
type Request struct {
	Method  string
	Target  string
	Proto   string
	Headers Header
}

// ReadRequest reads one request line and header block from r.
//
// Reading is byte-at-a-time and blocking so that no bytes past the header
// terminator are consumed; the connection is left positioned exactly at the
// start of the message body or tunneled stream. CRs are dropped (line-ending
// tolerance), and the head ends at two consecutive LFs.
func ReadRequest(r io.Reader) (*Request, error) {
	var data []byte
	var buf [1]byte
	lfCount := 0
	for lfCount < 2 {
		n, err := r.Read(buf[:])
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, ErrNoRequest
			}
			return nil, fmt.Errorf("read request: %w", err)
		}
		b := buf[0]
		if b == '\r' {
			continue
		}
		data = append(data, b)
		if b == '\n' {
			lfCount++
		} else {
			lfCount = 0
		}
	}

	lines := strings.Split(string(data), "\n")
	fields := strings.Split(lines[0], " ")
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, lines[0])
	}

	req := &Request{Method: fields[0], Target: fields[1], Proto: fields[2]}
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
		}
		req.Headers.Add(name, value)
	}
	return req, nil
}

// WriteTo serializes the request line and header block, CRLF-terminated and
// followed by the blank terminator line, and writes it to w in one call.
func (req *Request) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Target)
	b.WriteByte(' ')
	b.WriteString(req.Proto)
	b.WriteString("\r\n")
	for _, f := range req.Headers.fields {
		b.WriteString(f.name)
		b.WriteString(": ")
		b.WriteString(f.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
