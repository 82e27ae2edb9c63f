package stream

import (
	"fmt"

	"github.com/edup2p/actorcore/types/queue"
)

// Sink is the consuming end of a path.
//
// Pushed items are buffered in a bounded queue whose capacity is the credit
// window of the path; Drain consumes them and grants the consumed amount back
// upstream.
type Sink[T any] struct {
	q *queue.Queue[T]

	consume  func(item T) error
	finalize func(err error)

	grant func(n int) error

	closed    bool
	finalized bool
	err       error

	received uint64
	consumed uint64
}

// NewSink creates a sink with a credit window of capacity items.
func NewSink[T any](capacity int, consume func(item T) error, finalize func(err error)) *Sink[T] {
	if capacity < 1 {
		panic("stream: sink capacity must be positive")
	}

	return &Sink[T]{
		q:        queue.New[T](capacity),
		consume:  consume,
		finalize: finalize,
	}
}

// Bind connects the credit channel towards the source, and grants the initial
// window.
func (s *Sink[T]) Bind(grant func(n int) error) error {
	s.grant = grant

	return grant(s.q.MaxSize())
}

// Push buffers a batch. A batch larger than the remaining window is a credit
// violation; the sink fails and rejects it.
func (s *Sink[T]) Push(batch []T) error {
	if s.finalized {
		return ErrStreamClosed
	}

	for _, item := range batch {
		if !s.q.Push(item) {
			err := fmt.Errorf("%w: window of %d exceeded", ErrCreditViolation, s.q.MaxSize())
			s.fail(err)
			return err
		}
		s.received++
	}

	return nil
}

// Close records the end of the upstream.
func (s *Sink[T]) Close(err error) {
	if s.closed {
		return
	}
	s.closed = true

	if err != nil {
		s.fail(err)
		return
	}

	if s.q.Empty() {
		s.finish(nil)
	}
}

// Drain consumes the buffered items, and grants the consumed amount upstream.
func (s *Sink[T]) Drain() error {
	var cerr error
	n := 0

	_, err := s.q.Consume(func(item T) bool {
		if cerr = s.consume(item); cerr != nil {
			return false
		}
		n++
		return true
	})
	if err != nil {
		return err
	}

	s.consumed += uint64(n)

	if cerr != nil {
		s.fail(cerr)
		return cerr
	}

	if s.closed {
		if s.q.Empty() {
			s.finish(nil)
		}
		return nil
	}

	if n > 0 && s.grant != nil {
		if err := s.grant(n); err != nil {
			return fmt.Errorf("could not grant credit: %w", err)
		}
	}

	return nil
}

func (s *Sink[T]) fail(err error) {
	s.q.Abort(err)
	s.finish(err)
}

func (s *Sink[T]) finish(err error) {
	if s.finalized {
		return
	}
	s.finalized = true
	s.err = err

	if s.finalize != nil {
		s.finalize(err)
	}
}

// Done returns true once the sink finalized.
func (s *Sink[T]) Done() bool {
	return s.finalized
}

func (s *Sink[T]) Err() error {
	return s.err
}

// Buffered returns the amount of items awaiting Drain.
func (s *Sink[T]) Buffered() int {
	return s.q.Size()
}

func (s *Sink[T]) Received() uint64 {
	return s.received
}

func (s *Sink[T]) Consumed() uint64 {
	return s.consumed
}

// Connect attaches sink to src and binds its credit channel.
func Connect[S, T any](src *Source[S, T], sink *Sink[T]) (PathID, error) {
	id, err := src.AddPath(sink)
	if err != nil {
		return 0, err
	}

	if err := sink.Bind(func(n int) error { return src.GrantCredit(id, n) }); err != nil {
		return id, err
	}

	return id, nil
}
