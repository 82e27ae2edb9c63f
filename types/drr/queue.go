// Package drr contains deficit round robin queues, and a mailbox that multiplexes
// them to deliver messages of several categories fairly.
package drr

// Policy supplies the cost of a task for deficit accounting.
type Policy[T any] interface {
	// TaskSize returns the cost of t, values below 1 count as 1.
	TaskSize(t T) int
}

// PolicyFunc adapts a function to a Policy.
type PolicyFunc[T any] func(t T) int

func (f PolicyFunc[T]) TaskSize(t T) int {
	return f(t)
}

// UnitPolicy gives every task a size of 1.
type UnitPolicy[T any] struct{}

func (UnitPolicy[T]) TaskSize(T) int {
	return 1
}

// Queue is a FIFO queue with a deficit counter.
//
// The deficit is never negative, and resets to zero whenever the queue runs empty.
type Queue[T any] struct {
	policy  Policy[T]
	items   []T
	deficit int
}

func NewQueue[T any](policy Policy[T]) *Queue[T] {
	if policy == nil {
		policy = UnitPolicy[T]{}
	}

	return &Queue[T]{policy: policy}
}

func (q *Queue[T]) taskSize(t T) int {
	if n := q.policy.TaskSize(t); n > 1 {
		return n
	}
	return 1
}

func (q *Queue[T]) Push(t T) {
	q.items = append(q.items, t)
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) Empty() bool {
	return len(q.items) == 0
}

func (q *Queue[T]) Deficit() int {
	return q.deficit
}

// Front returns the head of the queue, and false if the queue is empty.
func (q *Queue[T]) Front() (T, bool) {
	if q.Empty() {
		var zero T
		return zero, false
	}

	return q.items[0], true
}

// IncDeficit grants quantum to the queue, unless the queue is empty.
func (q *Queue[T]) IncDeficit(quantum int) {
	if q.Empty() {
		q.deficit = 0
		return
	}

	q.deficit += quantum
}

// TakeFront dequeues the head if the deficit covers its size.
func (q *Queue[T]) TakeFront() (T, bool) {
	var zero T

	if q.Empty() {
		return zero, false
	}

	size := q.taskSize(q.items[0])
	if q.deficit < size {
		return zero, false
	}

	t := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.deficit -= size

	if q.Empty() {
		q.deficit = 0
		q.items = nil
	}

	return t, true
}

// NewRound grants quantum to the queue and consumes tasks while the deficit
// allows, or until consume returns false.
//
// Returns the number of consumed tasks, and whether consume stopped the round.
func (q *Queue[T]) NewRound(quantum int, consume func(T) bool) (int, bool) {
	q.IncDeficit(quantum)

	n := 0
	for {
		t, ok := q.TakeFront()
		if !ok {
			return n, false
		}
		n++

		if !consume(t) {
			return n, true
		}
	}
}

// Flush removes and returns all queued tasks.
func (q *Queue[T]) Flush() []T {
	items := q.items
	q.items = nil
	q.deficit = 0

	return items
}
