// Package sse implements server-sent-event parsing and writing shared by the
// dialect transformers and the HTTP transport.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1024 * 1024 // 1MB per SSE line; Gemini chunks can be large

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline;
// bufio.ScanLines strips an optional \r, so \n and \r\n framings both work.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its field and value.
// It returns ok=false for empty lines, comments, and malformed lines.
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false
//	""                -> ok=false
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec.
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// Event is one parsed upstream SSE event. Name is empty for bare data frames
// (OpenAI and Gemini framing); Done is set on dialect terminators
// ("data: [DONE]" and "event: message_stop").
type Event struct {
	Name string
	Data string
	Done bool
}

// Parser is an incremental SSE event assembler. Feed it arbitrary byte
// chunks; it splits on \r?\n, carries incomplete trailing lines across
// calls, and pairs "event:" lines with their following "data:" line.
type Parser struct {
	buf     []byte
	pending string // event name awaiting its data line
}

// Feed consumes a chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)
	var events []Event
	for {
		i := indexNewline(p.buf)
		if i < 0 {
			return events
		}
		line := string(trimCR(p.buf[:i]))
		p.buf = p.buf[i+1:]
		if ev, ok := p.consumeLine(line); ok {
			events = append(events, ev)
		}
	}
}

// consumeLine processes one complete line, returning an event when the line
// finishes a frame.
func (p *Parser) consumeLine(line string) (Event, bool) {
	event, data, ok := ParseLine(line)
	if !ok {
		return Event{}, false
	}
	if event != "" {
		if event == "message_stop" {
			// Anthropic terminator; its data line carries no content.
			p.pending = ""
			return Event{Name: event, Done: true}, true
		}
		p.pending = event
		return Event{}, false
	}
	if data == "[DONE]" {
		p.pending = ""
		return Event{Done: true}, true
	}
	ev := Event{Name: p.pending, Data: data}
	p.pending = ""
	return ev, true
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}
