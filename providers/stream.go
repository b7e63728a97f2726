package providers

import (
	"context"
	"io"
	"sync"
)

// Stream is a channel-backed sequence of chunks. Producers push with Send
// and finish with Close; consumers pull with Recv. A stream that fails
// before its terminal Done chunk delivers the error from Recv and any
// partial content must be treated as discarded.
type Stream struct {
	ch   chan StreamChunk
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewStream creates a stream with a small producer-side buffer.
func NewStream() *Stream {
	return &Stream{
		ch:   make(chan StreamChunk, 8),
		done: make(chan struct{}),
	}
}

// Send delivers one chunk to the consumer. It blocks until the consumer is
// ready, the stream is closed, or the context is cancelled.
func (s *Stream) Send(ctx context.Context, chunk StreamChunk) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.ch <- chunk:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the stream. A nil err marks a clean end after the
// terminal chunk; a non-nil err marks a failed stream. Close is idempotent
// and the first error wins.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Recv returns the next chunk. Buffered chunks are drained before
// termination is reported; after that Recv returns io.EOF for a clean close
// and the producer's error for a failed one.
func (s *Stream) Recv() (StreamChunk, error) {
	select {
	case chunk := <-s.ch:
		return chunk, nil
	case <-s.done:
	}

	// The stream closed while we were waiting; hand out anything the
	// producer buffered before closing.
	select {
	case chunk := <-s.ch:
		return chunk, nil
	default:
	}

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err == nil {
		err = io.EOF
	}
	return StreamChunk{}, err
}
