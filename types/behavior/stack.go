// Package behavior contains the behavior stack of an actor.
//
// A behavior that is popped is not released immediately, it is moved to an
// erased area and released on the next Cleanup. A behavior can cause its own
// removal while one of its handlers is still executing; the owner calls Cleanup
// once no handler from the stack is on the call path.
package behavior

import "errors"

var ErrEmptyStack = errors.New("behavior: operation on empty stack")

// Releaser is implemented by behaviors that hold resources which must be
// released once the behavior is destroyed.
type Releaser interface {
	Release()
}

type Stack[B any] struct {
	elements []B
	erased   []B
}

func (s *Stack[B]) Empty() bool {
	return len(s.elements) == 0
}

func (s *Stack[B]) Len() int {
	return len(s.elements)
}

// Retired returns the amount of erased behaviors awaiting Cleanup.
func (s *Stack[B]) Retired() int {
	return len(s.erased)
}

// PushBack installs b as the active behavior.
func (s *Stack[B]) PushBack(b B) {
	s.elements = append(s.elements, b)
}

// Back returns the active behavior, it panics on an empty stack.
func (s *Stack[B]) Back() B {
	if s.Empty() {
		panic(ErrEmptyStack)
	}

	return s.elements[len(s.elements)-1]
}

// PopBack erases the active behavior, it panics on an empty stack.
func (s *Stack[B]) PopBack() {
	if s.Empty() {
		panic(ErrEmptyStack)
	}

	var zero B

	last := len(s.elements) - 1
	s.erased = append(s.erased, s.elements[last])
	s.elements[last] = zero
	s.elements = s.elements[:last]
}

// Clear erases all behaviors.
func (s *Stack[B]) Clear() {
	if s.Empty() {
		return
	}

	// keep the erase order of successive PopBack calls
	for i := len(s.elements) - 1; i >= 0; i-- {
		s.erased = append(s.erased, s.elements[i])
	}

	clear(s.elements)
	s.elements = s.elements[:0]
}

// Cleanup destroys all erased behaviors.
func (s *Stack[B]) Cleanup() {
	erased := s.erased
	s.erased = nil

	for _, b := range erased {
		if r, ok := any(b).(Releaser); ok {
			r.Release()
		}
	}
}
