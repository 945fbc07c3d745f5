package airlock

import (
	"io"
	"strings"

	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/event"
)

// byteSource is the single abstraction the reader is written against. The
// transport may hand us either an io.ReadCloser response body or a channel
// of pre-cut chunks; one adapter per representation normalizes both.
type byteSource interface {
	// ReadChunk returns the next available chunk of bytes, or io.EOF on
	// clean end of stream. Chunk boundaries carry no meaning.
	ReadChunk() ([]byte, error)
	Close() error
}

// readerSource adapts an io.ReadCloser (the usual HTTP response body).
type readerSource struct {
	body io.ReadCloser
	buf  []byte
}

func newReaderSource(body io.ReadCloser) *readerSource {
	return &readerSource{body: body, buf: make([]byte, 4096)}
}

func (s *readerSource) ReadChunk() ([]byte, error) {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (s *readerSource) Close() error { return s.body.Close() }

// chunkSource adapts a channel of byte chunks. Used by transports that
// deliver pre-framed reads, and by tests that script exact chunkings.
type chunkSource struct {
	ch <-chan []byte
}

func newChunkSource(ch <-chan []byte) *chunkSource { return &chunkSource{ch: ch} }

func (s *chunkSource) ReadChunk() ([]byte, error) {
	chunk, ok := <-s.ch
	if !ok {
		return nil, io.EOF
	}
	return chunk, nil
}

func (s *chunkSource) Close() error { return nil }

// frameDelimiter separates event frames: a blank line.
const frameDelimiter = "\n\n"

// frameSplitter reassembles delimiter-separated frames from arbitrarily
// chunked bytes. It keeps one growing buffer; each push appends the new
// bytes and cuts off every complete frame, retaining the remainder
// (including a possibly incomplete trailing frame) for the next push.
type frameSplitter struct {
	// rest holds bytes after the last delimiter seen so far.
	rest string
}

func (s *frameSplitter) push(chunk []byte) []string {
	data := s.rest + string(chunk)
	var blocks []string
	for {
		block, remainder, found := strings.Cut(data, frameDelimiter)
		if !found {
			break
		}
		if block != "" {
			blocks = append(blocks, block)
		}
		data = remainder
	}
	s.rest = data
	return blocks
}

// streamReader drains a byte source, reassembles frames and hands each one
// to the route callback in arrival order. run returns the terminal
// condition: io.EOF for a clean close, the transport error otherwise. The
// caller owns what happens next (reconnect or terminal reporting).
type streamReader struct {
	source byteSource
	route  func(event.Frame)
}

func (r *streamReader) run() error {
	defer r.source.Close()
	var splitter frameSplitter
	for {
		chunk, err := r.source.ReadChunk()
		if err != nil {
			return err
		}
		for _, block := range splitter.push(chunk) {
			r.route(event.ParseFrame(block))
		}
	}
}
