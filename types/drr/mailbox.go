package drr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/actorcore/types/msgactor"
	"github.com/sethvargo/go-limiter"
)

var (
	ErrMailboxFull   = errors.New("mailbox full")
	ErrMailboxClosed = errors.New("mailbox closed")
	ErrRateLimited   = errors.New("mailbox admission rate exceeded")
	ErrUnknownCat    = errors.New("unknown mailbox category")
)

type Category uint8

const (
	CategoryUrgent Category = iota
	CategoryNormal
)

func (c Category) String() string {
	switch c {
	case CategoryUrgent:
		return "urgent"
	case CategoryNormal:
		return "normal"
	default:
		return "category-" + strconv.Itoa(int(c))
	}
}

// Entry is a message queued in a Mailbox.
type Entry struct {
	// ID correlates requests and responses, zero for one-way messages.
	ID uint64

	Category Category

	Msg msgactor.ActorMessage

	// ReplyTo receives the response to a request, nil for one-way messages.
	ReplyTo chan<- msgactor.Reply
}

// CategoryConfig configures a sub-queue of a Mailbox.
type CategoryConfig struct {
	Category Category

	// Quantum is granted to the category every round.
	Quantum int

	// Limit is the maximum amount of queued entries, unlimited if not set.
	Limit gonull.Nullable[int]
}

// DefaultCategories returns the urgent and normal categories.
func DefaultCategories() []CategoryConfig {
	return []CategoryConfig{
		{Category: CategoryUrgent, Quantum: UrgentQuantum},
		{Category: CategoryNormal, Quantum: NormalQuantum},
	}
}

const (
	UrgentQuantum = 10
	NormalQuantum = 1
)

type category struct {
	CategoryConfig

	q *Queue[Entry]

	// served is true while the category holds the current round
	served bool

	delivered uint64
	rejected  uint64
}

// Mailbox delivers entries of several categories in deficit round robin order.
//
// Every non-empty category is served within one full round, in proportion to
// its quantum and the size of its entries.
type Mailbox struct {
	mu sync.Mutex

	cats   []*category
	byCat  map[Category]*category
	cursor int
	count  int

	limiter limiter.Store
	key     string

	closed bool
}

// NewMailbox creates a mailbox with the given categories, in round order.
func NewMailbox(policy Policy[Entry], cats ...CategoryConfig) *Mailbox {
	if len(cats) == 0 {
		cats = DefaultCategories()
	}

	mb := &Mailbox{
		byCat: make(map[Category]*category, len(cats)),
	}

	for _, cc := range cats {
		if cc.Quantum < 1 {
			cc.Quantum = 1
		}
		if _, ok := mb.byCat[cc.Category]; ok {
			panic(fmt.Sprintf("duplicate mailbox category %s", cc.Category))
		}

		c := &category{
			CategoryConfig: cc,
			q:              NewQueue[Entry](policy),
		}
		mb.cats = append(mb.cats, c)
		mb.byCat[cc.Category] = c
	}

	return mb
}

// SetLimiter makes Enqueue take a token from store under key for every entry.
func (mb *Mailbox) SetLimiter(store limiter.Store, key string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.limiter = store
	mb.key = key
}

// Enqueue adds e to the sub-queue of its category.
func (mb *Mailbox) Enqueue(e Entry) error {
	mb.mu.Lock()
	store, key := mb.limiter, mb.key
	mb.mu.Unlock()

	if store != nil {
		if _, _, _, ok, err := store.Take(context.Background(), key); err != nil {
			return fmt.Errorf("could not take admission token: %w", err)
		} else if !ok {
			return ErrRateLimited
		}
	}

	return mb.Inject(e)
}

// Inject adds e like Enqueue, bypassing admission control. It is meant for
// messages of the runtime itself, such as stop requests.
func (mb *Mailbox) Inject(e Entry) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return ErrMailboxClosed
	}

	c, ok := mb.byCat[e.Category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCat, e.Category)
	}

	if c.Limit.Valid && c.q.Len() >= c.Limit.Val {
		c.rejected++
		return ErrMailboxFull
	}

	c.q.Push(e)
	mb.count++

	return nil
}

// Next returns the next entry in round robin order, or false if the mailbox is
// empty.
//
// The round state is kept between calls; a category keeps the turn until its
// deficit does not cover its head, or it runs empty.
func (mb *Mailbox) Next() (Entry, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.count == 0 {
		return Entry{}, false
	}

	for {
		c := mb.cats[mb.cursor]

		if !c.served {
			c.q.IncDeficit(c.Quantum)
			c.served = true
		}

		if e, ok := c.q.TakeFront(); ok {
			mb.count--
			c.delivered++

			if c.q.Empty() {
				mb.advance()
			}

			return e, true
		}

		mb.advance()
	}
}

// advance hands the turn to the next category, mu must be held.
func (mb *Mailbox) advance() {
	mb.cats[mb.cursor].served = false
	mb.cursor = (mb.cursor + 1) % len(mb.cats)
}

func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.count
}

func (mb *Mailbox) Empty() bool {
	return mb.Len() == 0
}

// Close rejects further entries and returns the entries still queued.
func (mb *Mailbox) Close() []Entry {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil
	}
	mb.closed = true

	var dropped []Entry
	for _, c := range mb.cats {
		dropped = append(dropped, c.q.Flush()...)
		c.served = false
	}
	mb.count = 0

	return dropped
}

func (mb *Mailbox) Closed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.closed
}

// CategoryStats is a snapshot of a mailbox category.
type CategoryStats struct {
	Category  string `bson:"category"`
	Quantum   int    `bson:"quantum"`
	Queued    int    `bson:"queued"`
	Deficit   int    `bson:"deficit"`
	Delivered uint64 `bson:"delivered"`
	Rejected  uint64 `bson:"rejected"`
}

func (mb *Mailbox) Stats() []CategoryStats {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	stats := make([]CategoryStats, 0, len(mb.cats))
	for _, c := range mb.cats {
		stats = append(stats, CategoryStats{
			Category:  c.Category.String(),
			Quantum:   c.Quantum,
			Queued:    c.q.Len(),
			Deficit:   c.q.Deficit(),
			Delivered: c.delivered,
			Rejected:  c.rejected,
		})
	}

	return stats
}
