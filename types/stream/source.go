// Package stream contains the managers of a credit based data pipeline.
//
// A Source pulls items from a user supplied generator and pushes them along one
// or more paths. Every path carries a credit granted by its consumer; the source
// never pushes more items along a path than its credit allows. A Sink buffers
// pushed items in a bounded queue and returns credit as it consumes them.
//
// Managers are owned by a single actor and are not safe for concurrent use.
package stream

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrPipelineFailure = errors.New("stream pipeline failure")
	ErrStreamClosed    = errors.New("stream closed")
	ErrUnknownPath     = errors.New("unknown stream path")
	ErrCreditViolation = errors.New("stream credit violation")

	// ErrPathGone is returned by a Downstream whose consumer went away. The
	// path is detached like RemovePath without an error, other paths go on.
	ErrPathGone = errors.New("stream path gone")
)

type PathID uint64

type State uint8

const (
	StateIdle State = iota
	StateActive
	StateFinalizing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal returns true for states that accept no further operations.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Downstream is the receiving end of a path.
type Downstream[T any] interface {
	// Push delivers a batch, never larger than the credit of the path.
	Push(batch []T) error

	// Close ends the path, err is nil if the source completed normally.
	Close(err error)
}

// Driver supplies the behavior of a Source. Only Pull and Done are required.
type Driver[S, T any] struct {
	// Init prepares the generator state.
	Init func(state *S)

	// Pull appends up to hint items to out.
	// Appending more is allowed, the excess is held back until credit arrives.
	Pull func(state *S, out *[]T, hint int) error

	// Done returns true once the generator has no more items.
	Done func(state *S) bool

	// Finalize runs exactly once, with a nil error after normal completion.
	Finalize func(state *S, err error)
}

type path[T any] struct {
	id     PathID
	down   Downstream[T]
	credit int
	buf    []T
	pushed uint64
}

// DefaultMaxBuffered is the default amount of items a path may hold back.
const DefaultMaxBuffered = 256

type Source[S, T any] struct {
	driver Driver[S, T]
	state  S

	st  State
	err error

	paths  map[PathID]*path[T]
	order  []PathID
	nextID PathID

	// MaxBuffered limits the items held back for a single path, which
	// bounds how far fast paths may run ahead of slow ones.
	MaxBuffered int

	exhausted  bool
	generating bool
	again      bool
}

// NewSource creates an idle source, and initialises its state.
func NewSource[S, T any](driver Driver[S, T]) *Source[S, T] {
	if driver.Pull == nil || driver.Done == nil {
		panic("stream: source driver requires Pull and Done")
	}

	s := &Source[S, T]{
		driver:      driver,
		paths:       make(map[PathID]*path[T]),
		MaxBuffered: DefaultMaxBuffered,
	}

	if driver.Init != nil {
		driver.Init(&s.state)
	}

	return s
}

func (s *Source[S, T]) State() State {
	return s.st
}

// Err returns the error the source was aborted with.
func (s *Source[S, T]) Err() error {
	return s.err
}

// Generator returns the generator state.
func (s *Source[S, T]) Generator() *S {
	return &s.state
}

func (s *Source[S, T]) closedErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrStreamClosed
}

// AddPath attaches a new outbound path with zero credit.
func (s *Source[S, T]) AddPath(down Downstream[T]) (PathID, error) {
	if s.st.Terminal() || s.st == StateFinalizing {
		return 0, s.closedErr()
	}

	s.nextID++
	id := s.nextID

	s.paths[id] = &path[T]{id: id, down: down}
	s.order = append(s.order, id)

	if s.st == StateIdle {
		s.st = StateActive
	}

	return id, nil
}

// Paths returns the ids of the attached paths, in attach order.
func (s *Source[S, T]) Paths() []PathID {
	return slices.Clone(s.order)
}

// Credit returns the credit of a path, or zero for an unknown path.
func (s *Source[S, T]) Credit(id PathID) int {
	if p, ok := s.paths[id]; ok {
		return p.credit
	}
	return 0
}

// Buffered returns the amount of items held back for a path.
func (s *Source[S, T]) Buffered(id PathID) int {
	if p, ok := s.paths[id]; ok {
		return len(p.buf)
	}
	return 0
}

// Pushed returns the total amount of items pushed along a path.
func (s *Source[S, T]) Pushed(id PathID) uint64 {
	if p, ok := s.paths[id]; ok {
		return p.pushed
	}
	return 0
}

// GrantCredit allows the source to push n more items along a path, and
// generates as much as the new credit allows.
func (s *Source[S, T]) GrantCredit(id PathID, n int) error {
	if s.st.Terminal() {
		return s.closedErr()
	}

	p, ok := s.paths[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPath, id)
	}
	if n < 0 {
		return fmt.Errorf("negative credit %d for path %d", n, id)
	}

	p.credit += n
	s.generate()

	return nil
}

// RemovePath detaches a path. A non-nil err reports a failure of the consumer,
// which aborts the source. Removing the last path finalizes the source.
func (s *Source[S, T]) RemovePath(id PathID, err error) error {
	if _, ok := s.paths[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPath, id)
	}

	s.detach(id)

	if s.st.Terminal() || s.st == StateFinalizing {
		return nil
	}

	switch {
	case err != nil:
		s.finalize(fmt.Errorf("%w: path %d: %w", ErrPipelineFailure, id, err))
	case len(s.paths) == 0:
		s.finalize(nil)
	default:
		// the removed path may have held back the others, or been the last
		// one with items left after the generator ran dry
		s.generate()
	}

	return nil
}

func (s *Source[S, T]) detach(id PathID) {
	delete(s.paths, id)
	s.order = slices.DeleteFunc(s.order, func(o PathID) bool { return o == id })
}

// Abort stops the source, runs finalize with err, and closes every path with it.
// Aborting a terminal source is a no-op.
func (s *Source[S, T]) Abort(err error) {
	if s.st.Terminal() {
		return
	}
	if err == nil {
		err = ErrStreamClosed
	}

	s.finalize(err)
}

// generate pushes held back items, pulls new ones for the outstanding demand,
// and finalizes the source once the generator is done and every path drained.
func (s *Source[S, T]) generate() {
	if s.generating {
		// a downstream granted credit from within Push
		s.again = true
		return
	}

	s.generating = true
	defer func() { s.generating = false }()

	for {
		s.again = false

		if !s.emit() {
			return
		}

		if !s.exhausted && s.driver.Done(&s.state) {
			s.exhausted = true
		}

		for !s.exhausted {
			demand := s.demand()
			if demand <= 0 {
				break
			}

			var out []T
			if err := s.driver.Pull(&s.state, &out, demand); err != nil {
				s.finalize(fmt.Errorf("%w: pull: %w", ErrPipelineFailure, err))
				return
			}

			for _, id := range s.order {
				p := s.paths[id]
				p.buf = append(p.buf, out...)
			}

			if !s.emit() {
				return
			}

			if s.driver.Done(&s.state) {
				s.exhausted = true
			} else if len(out) == 0 {
				// nothing right now, retry on the next credit
				break
			}
		}

		if s.exhausted && s.drained() {
			s.finalize(nil)
			return
		}

		if !s.again {
			return
		}
	}
}

// emit pushes held back items along every path with credit, and returns false
// once a push finalized the source. A path that is gone is detached.
func (s *Source[S, T]) emit() bool {
	for _, id := range slices.Clone(s.order) {
		p, ok := s.paths[id]
		if !ok {
			continue
		}

		k := min(p.credit, len(p.buf))
		if k <= 0 {
			continue
		}

		batch := slices.Clone(p.buf[:k])
		clear(p.buf[:k])
		p.buf = p.buf[k:]
		p.credit -= k
		p.pushed += uint64(k)

		if err := p.down.Push(batch); err != nil {
			s.detach(id)

			if errors.Is(err, ErrPathGone) {
				if len(s.paths) == 0 {
					s.finalize(nil)
					return false
				}
				continue
			}

			p.down.Close(err)
			s.finalize(fmt.Errorf("%w: push to path %d: %w", ErrPipelineFailure, id, err))
			return false
		}

		if s.st.Terminal() {
			return false
		}
	}

	return true
}

// demand is the largest credit not yet covered by held back items, limited by
// the free buffer space of the fullest path.
func (s *Source[S, T]) demand() int {
	if len(s.paths) == 0 {
		return 0
	}

	want := 0
	room := s.MaxBuffered
	for _, p := range s.paths {
		want = max(want, p.credit-len(p.buf))
		room = min(room, s.MaxBuffered-len(p.buf))
	}

	return min(want, room)
}

func (s *Source[S, T]) drained() bool {
	for _, p := range s.paths {
		if len(p.buf) > 0 {
			return false
		}
	}
	return true
}

// finalize runs the finalize handler once, and closes all remaining paths.
func (s *Source[S, T]) finalize(err error) {
	if s.st.Terminal() || s.st == StateFinalizing {
		return
	}

	s.st = StateFinalizing
	s.err = err

	if s.driver.Finalize != nil {
		s.driver.Finalize(&s.state, err)
	}

	if err != nil {
		s.st = StateAborted
	} else {
		s.st = StateDone
	}

	// Close may call back into the source
	paths, order := s.paths, s.order
	s.paths = make(map[PathID]*path[T])
	s.order = nil

	for _, id := range order {
		paths[id].down.Close(err)
	}
}
