package ai

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event from a vendor stream.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEReader reads text/event-stream payloads line by line. Both streaming
// vendors speak SSE; the per-vendor event semantics stay in the adapters.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r. The buffer is sized for large model deltas.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEReader{scanner: sc}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
// Network errors from the underlying reader propagate as-is so adapters
// can map them to the fault taxonomy.
func (r *SSEReader) Next() (SSEEvent, error) {
	var ev SSEEvent
	haveData := false
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if haveData {
				return ev, nil
			}
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if haveData {
				ev.Data += "\n"
			}
			ev.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			haveData = true
		case strings.HasPrefix(line, ":"):
			// comment/keepalive, skip
		}
	}
	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, err
	}
	if haveData {
		return ev, nil
	}
	return SSEEvent{}, io.EOF
}
