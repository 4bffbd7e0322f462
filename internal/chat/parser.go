package chat

import (
	"bytes"
)

// dataPrefix marks payload lines in the backend's event stream. Frames are
// "data: <json>\n\n"; blank lines and anything without the prefix are
// separators or comments and carry no payload.
var dataPrefix = []byte("data: ")

// StreamParser splits an event stream into decoded events. It is fed raw
// byte chunks exactly as they arrive off the wire; a trailing partial line
// is carried over until the next chunk completes it, so a JSON payload cut
// across chunk boundaries is never parsed early.
type StreamParser struct {
	buf    []byte
	logger *Logger
}

func NewStreamParser(logger *Logger) *StreamParser {
	return &StreamParser{logger: logger}
}

// Feed consumes one chunk and invokes emit for every complete event it
// contains, in arrival order. A line that fails to decode is logged and
// skipped; one bad frame never aborts the stream.
func (p *StreamParser) Feed(chunk []byte, emit func(Event)) {
	p.buf = append(p.buf, chunk...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.parseLine(line, emit)
	}
}

// Flush processes whatever remains in the carry-over buffer. Call it once
// the stream has closed: a final line is complete even without its
// terminating newline.
func (p *StreamParser) Flush(emit func(Event)) {
	if len(p.buf) == 0 {
		return
	}
	line := p.buf
	p.buf = nil
	p.parseLine(line, emit)
}

func (p *StreamParser) parseLine(line []byte, emit func(Event)) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return
	}
	ev, err := DecodeEvent(payload)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("skipping malformed stream line", map[string]interface{}{
				"error": err.Error(),
				"line":  string(truncateBytes(payload, 200)),
			})
		}
		return
	}
	emit(ev)
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
