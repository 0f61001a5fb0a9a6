package frame

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/orchestra-mcp/sse/src/types"
)

// Parser decodes a stream delivered in arbitrary chunks.
type Parser struct {
	buf string
}

// Feed appends chunk and returns the events it completed.
func (p *Parser) Feed(chunk []byte) []types.Frame {
	events, rest := DecodeChunk(p.buf + string(chunk))
	p.buf = rest
	return events
}

// Remaining returns the bytes not yet consumed.
func (p *Parser) Remaining() string { return p.buf }

// Flush treats the buffered tail as end of stream.
func (p *Parser) Flush() []types.Frame {
	events := Decode(p.buf)
	p.buf = ""
	return events
}

// Read decodes frames from r until EOF or ctx is done, calling fn for each.
// fn returning an error stops reading and that error is returned.
func Read(ctx context.Context, r io.Reader, fn func(types.Frame) error) error {
	var p Parser
	br := bufio.NewReader(r)
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := br.Read(chunk)
		if n > 0 {
			for _, f := range p.Feed(chunk[:n]) {
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			for _, f := range p.Flush() {
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
