package frame

import (
	"strings"

	"github.com/orchestra-mcp/sse/src/types"
)

// record accumulates the fields of the event being parsed.
type record struct {
	frame types.Frame
	data  []string
}

// feed consumes one line (without its trailing '\n'). boundary is true when
// the line was blank; the record is reset on every boundary, and emitted
// reports whether it held data and produced f.
func (r *record) feed(line string) (f types.Frame, emitted, boundary bool) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		f, emitted = r.flush()
		*r = record{}
		return f, emitted, true
	}
	if line[0] == ':' {
		return f, false, false
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch field {
	case "id":
		if !strings.ContainsRune(value, 0) {
			r.frame.ID = value
		}
	case "event":
		r.frame.Event = value
	case "data":
		r.data = append(r.data, value)
	case "retry":
		if d, ok := parseRetry(value); ok {
			r.frame.Retry = d
		}
	}
	return f, false, false
}

func (r *record) flush() (types.Frame, bool) {
	if len(r.data) == 0 {
		return types.Frame{}, false
	}
	f := r.frame
	f.Data = strings.Join(r.data, "\n")
	return f, true
}

// Decode parses a complete stream. A final event with data but without a
// terminating blank line is still returned.
func Decode(text string) []types.Frame {
	events, rest := DecodeChunk(text)
	if rest == "" {
		return events
	}

	var r record
	for _, line := range strings.Split(rest, "\n") {
		if f, ok, _ := r.feed(line); ok {
			events = append(events, f)
		}
	}
	if f, ok := r.flush(); ok {
		events = append(events, f)
	}
	return events
}

// DecodeChunk parses every event that ends at or before the last blank line
// in buf and returns the unconsumed tail. Feeding the tail back in front of
// the next chunk yields, over the whole stream, exactly what Decode returns.
func DecodeChunk(buf string) (events []types.Frame, remaining string) {
	var r record
	consumed, pos := 0, 0
	for {
		i := strings.IndexByte(buf[pos:], '\n')
		if i < 0 {
			break
		}
		line := buf[pos : pos+i]
		pos += i + 1
		f, emitted, boundary := r.feed(line)
		if emitted {
			events = append(events, f)
		}
		if boundary {
			consumed = pos
		}
	}
	return events, buf[consumed:]
}
