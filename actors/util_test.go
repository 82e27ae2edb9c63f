package actors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edup2p/actorcore/types/msgactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 1000 * assertEventuallyTick

func newTestSystem(t *testing.T, opts Options) *System {
	t.Helper()

	s, err := NewSystem(context.Background(), opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, s.Shutdown())
	})

	return s
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), assertEventuallyTimeout)
	t.Cleanup(cancel)
	return ctx
}

// echo responds with every message it receives.
func echo(name string) Behavior {
	return NewBehavior(name, func(a *ScheduledActor, msg msgactor.ActorMessage) error {
		a.Respond(msg)
		return nil
	})
}

// gate lets a test hold an actor within a handler.
type gate struct {
	entered chan struct{}
	open    chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{
		entered: make(chan struct{}),
		open:    make(chan struct{}),
	}
}

func (g *gate) wait() {
	g.once.Do(func() { close(g.entered) })
	<-g.open
}

func (g *gate) release() {
	close(g.open)
}

func TestRunCheck(t *testing.T) {
	rc := MakeRunCheck()

	assert.True(t, rc.CheckOrMark())
	assert.False(t, rc.CheckOrMark())

	rc.Release()

	assert.True(t, rc.CheckOrMark())
}
