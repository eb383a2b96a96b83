package chat

import (
	"context"
	"errors"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// defaultReadSize is the size of one pull from the underlying body.
const defaultReadSize = 4 << 10

// Chunk is one decoded piece of the response body.
type Chunk struct {
	Text string
	// Done is set on the final read. Text may still be non-empty then and
	// must be processed.
	Done bool
}

// StreamReader pulls decoded text chunks from a streamed response body.
// Decoding is stateful: a multi-byte character split across two reads of the
// body is emitted whole with the later chunk.
type StreamReader struct {
	src    io.Reader
	buf    []byte
	closed bool
}

// NewStreamReader wraps body with an incremental UTF-8 decoder.
func NewStreamReader(body io.Reader) *StreamReader {
	return &StreamReader{
		src: transform.NewReader(body, unicode.UTF8.NewDecoder()),
		buf: make([]byte, defaultReadSize),
	}
}

// ReadNext blocks until the next chunk of text is available or the body ends.
// Cancellation is delivered by closing the body (the request context does
// this for HTTP bodies); ctx is checked before every pull.
func (r *StreamReader) ReadNext(ctx context.Context) (Chunk, error) {
	if r.closed {
		return Chunk{Done: true}, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, &StreamError{Cause: err}
		}
		n, err := r.src.Read(r.buf)
		text := string(r.buf[:n])
		if errors.Is(err, io.EOF) {
			r.closed = true
			return Chunk{Text: text, Done: true}, nil
		}
		if err != nil {
			return Chunk{Text: text}, &StreamError{Cause: err}
		}
		if n > 0 {
			return Chunk{Text: text}, nil
		}
	}
}
