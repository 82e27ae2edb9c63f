// Package queue contains an asynchronous single-producer single-consumer queue
// with limited capacity.
//
// There can be at most one producer-side and at most one consumer-side wait
// outstanding at any time. A wait is considered outstanding until its channel
// resolves.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPreconditionViolation is the panic value for misuse of a Queue, such as
// popping an empty queue or waiting twice on the same condition.
var ErrPreconditionViolation = errors.New("queue: precondition violation")

// Wait resolves exactly once, with nil when the awaited condition holds, or with
// the error the queue was aborted with.
type Wait <-chan error

func resolved(err error) Wait {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

type Queue[T any] struct {
	mu sync.Mutex

	items []T
	head  int
	count int

	max int

	notEmpty chan error
	notFull  chan error

	err error
}

// New creates a queue that accepts up to max items.
func New[T any](max int) *Queue[T] {
	if max < 0 {
		violation(fmt.Sprintf("negative capacity %d", max))
	}

	return &Queue[T]{
		items: make([]T, max),
		max:   max,
	}
}

func violation(what string) {
	panic(fmt.Errorf("%w: %s", ErrPreconditionViolation, what))
}

// ring helpers, mu must be held

func (q *Queue[T]) full() bool {
	return q.count >= q.max
}

func (q *Queue[T]) pushBack(item T) {
	if q.count == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
}

func (q *Queue[T]) popFront() T {
	var zero T

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--

	return item
}

func (q *Queue[T]) grow() {
	n := len(q.items) * 2
	if n == 0 {
		n = 1
	}

	items := make([]T, n)
	for i := 0; i < q.count; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}

	q.items = items
	q.head = 0
}

func (q *Queue[T]) clear() {
	var zero T
	for q.count > 0 {
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.count--
	}
	q.head = 0
}

func (q *Queue[T]) notifyNotEmpty() {
	if q.notEmpty != nil {
		q.notEmpty <- nil
		q.notEmpty = nil
	}
}

func (q *Queue[T]) notifyNotFull() {
	if q.notFull != nil {
		q.notFull <- nil
		q.notFull = nil
	}
}

// Push adds an item at the tail, and returns false if the queue was full and the
// item was not pushed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.full() {
		return false
	}

	q.pushBack(item)
	q.notifyNotEmpty()

	return true
}

// Pop removes and returns the head of the queue.
//
// Popping an empty queue panics with ErrPreconditionViolation.
func (q *Queue[T]) Pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		violation("pop on empty queue")
	}

	item := q.popFront()

	if !q.full() {
		q.notifyNotFull()
	}

	return item
}

// Front returns the head of the queue without removing it.
//
// Peeking an empty queue panics with ErrPreconditionViolation.
func (q *Queue[T]) Front() T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		violation("front on empty queue")
	}

	return q.items[q.head]
}

// Consume passes queued items to f in FIFO order, until f returns false or the
// queue is empty. The item f returned false for is consumed too.
//
// Returns false if f returned false, and the abort error if the queue is aborted.
//
// f is called without the queue lock held, so it may push to the queue.
func (q *Queue[T]) Consume(f func(T) bool) (bool, error) {
	q.mu.Lock()
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		return false, err
	}

	running := true
	for q.count > 0 && running {
		item := q.popFront()
		q.mu.Unlock()

		running = f(item)

		q.mu.Lock()
	}

	// f may have aborted the queue
	err := q.err
	if err == nil && !q.full() {
		q.notifyNotFull()
	}
	q.mu.Unlock()

	return running, err
}

func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.count == 0
}

func (q *Queue[T]) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.full()
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.count
}

// MaxSize returns the size limit set at construction or by SetMaxSize.
// If the queue contains MaxSize items (or more), further items cannot be pushed
// until some are popped.
func (q *Queue[T]) MaxSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.max
}

// SetMaxSize changes the size limit. Items already in the queue are kept when
// the limit is lowered, so the queue may temporarily be bigger than its limit.
func (q *Queue[T]) SetMaxSize(max int) {
	if max < 0 {
		violation(fmt.Sprintf("negative capacity %d", max))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.max = max
	if !q.full() {
		q.notifyNotFull()
	}
}

// Err returns the error the queue was aborted with, if any.
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.err
}

// HasBlockedConsumer returns true if a consumer waits for an item to be pushed.
func (q *Queue[T]) HasBlockedConsumer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.notEmpty != nil
}

// NotEmpty returns a Wait that resolves when Pop or Consume can be called.
//
// A consumer-side operation; waiting on it while another NotEmpty wait is
// outstanding panics.
func (q *Queue[T]) NotEmpty() Wait {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.waitNotEmpty()
}

func (q *Queue[T]) waitNotEmpty() Wait {
	if q.err != nil {
		return resolved(q.err)
	}
	if q.count > 0 {
		return resolved(nil)
	}
	if q.notEmpty != nil {
		violation("concurrent not-empty wait")
	}

	q.notEmpty = make(chan error, 1)
	return q.notEmpty
}

// NotFull returns a Wait that resolves when Push can be called.
//
// A producer-side operation; waiting on it while another NotFull wait is
// outstanding panics.
func (q *Queue[T]) NotFull() Wait {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.waitNotFull()
}

func (q *Queue[T]) waitNotFull() Wait {
	if q.err != nil {
		return resolved(q.err)
	}
	if !q.full() {
		return resolved(nil)
	}
	if q.notFull != nil {
		violation("concurrent not-full wait")
	}

	q.notFull = make(chan error, 1)
	return q.notFull
}

// withdraw drops an outstanding wait after its caller gave up on it.
func (q *Queue[T]) withdraw(w Wait, slot *chan error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if *slot != nil && Wait(*slot) == w {
		*slot = nil
	}
}

// PopEventually pops an item now, or suspends until one is pushed.
//
// If the queue is, or gets, aborted, the abort error is returned. If ctx ends
// first, the wait is withdrawn and ctx.Err() is returned.
func (q *Queue[T]) PopEventually(ctx context.Context) (T, error) {
	var zero T

	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return zero, err
		}
		if q.count > 0 {
			item := q.popFront()
			if !q.full() {
				q.notifyNotFull()
			}
			q.mu.Unlock()
			return item, nil
		}
		w := q.waitNotEmpty()
		q.mu.Unlock()

		select {
		case err := <-w:
			if err != nil {
				return zero, err
			}
		case <-ctx.Done():
			q.withdraw(w, &q.notEmpty)
			return zero, ctx.Err()
		}
	}
}

// PushEventually pushes the item now, or suspends until there is room.
//
// If the queue is, or gets, aborted, the abort error is returned and the item is
// dropped. If ctx ends first, the wait is withdrawn and ctx.Err() is returned.
func (q *Queue[T]) PushEventually(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return err
		}
		if !q.full() {
			q.pushBack(item)
			q.notifyNotEmpty()
			q.mu.Unlock()
			return nil
		}
		w := q.waitNotFull()
		q.mu.Unlock()

		select {
		case err := <-w:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			q.withdraw(w, &q.notFull)
			return ctx.Err()
		}
	}
}

// Abort destroys any items in the queue, and passes err to any waiting readers
// or writers, and to any later read or write attempts.
//
// Only the first abort takes effect.
func (q *Queue[T]) Abort(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return
	}
	if err == nil {
		err = errors.New("queue: aborted")
	}

	q.clear()
	q.err = err

	if q.notFull != nil {
		q.notFull <- err
		q.notFull = nil
	}
	if q.notEmpty != nil {
		q.notEmpty <- err
		q.notEmpty = nil
	}
}
