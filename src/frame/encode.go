// Package frame encodes and decodes the text/event-stream wire format.
//
// Fields are always written in the order id, event, data..., retry so that
// the same frame produces the same bytes.
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/orchestra-mcp/sse/src/types"
)

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Encode returns the wire bytes for a single frame.
func Encode(f types.Frame) ([]byte, error) {
	var b bytes.Buffer
	if err := write(&b, f); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeAll concatenates the wire bytes of every frame.
func EncodeAll(frames []types.Frame) ([]byte, error) {
	var b bytes.Buffer
	for i, f := range frames {
		if err := write(&b, f); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return b.Bytes(), nil
}

// Comment returns a comment line followed by a blank line. Parsers drop it.
func Comment(text string) []byte {
	text = strings.ReplaceAll(lineBreaks.Replace(text), "\n", " ")
	return []byte(": " + text + "\n\n")
}

// EncodeData renders a payload as the text carried by data lines.
func EncodeData(data any) (string, error) {
	switch v := data.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: marshal data: %v", types.ErrInvalidFrame, err)
		}
		return string(raw), nil
	}
}

func write(b *bytes.Buffer, f types.Frame) error {
	if strings.ContainsAny(f.ID, "\r\n\x00") {
		return fmt.Errorf("%w: id contains a line break or NUL", types.ErrInvalidFrame)
	}
	if strings.ContainsAny(f.Event, "\r\n") {
		return fmt.Errorf("%w: event name contains a line break", types.ErrInvalidFrame)
	}
	if f.Retry < 0 {
		return fmt.Errorf("%w: negative retry", types.ErrInvalidFrame)
	}
	data, err := EncodeData(f.Data)
	if err != nil {
		return err
	}

	if f.ID != "" {
		b.WriteString("id: ")
		b.WriteString(f.ID)
		b.WriteByte('\n')
	}
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(lineBreaks.Replace(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if f.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.FormatInt(f.Retry.Milliseconds(), 10))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return nil
}

func parseRetry(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, false
		}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
