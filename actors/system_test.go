package actors

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/actorcore/types/drr"
	"github.com/edup2p/actorcore/types/ifaces"
	"github.com/edup2p/actorcore/types/msgactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSystemOptions(t *testing.T) {
	_, err := NewSystem(context.Background(), Options{Workers: gonull.NewNullable(0)})
	assert.Error(t, err)

	_, err = NewSystem(context.Background(), Options{
		Categories: []drr.CategoryConfig{{Category: drr.CategoryNormal, Quantum: 1}},
	})
	assert.Error(t, err)

	s := newTestSystem(t, Options{})
	assert.Equal(t, "system", s.Name())
	assert.Equal(t, DefaultWorkers, s.Stats().Workers)

	_, err = s.Spawn("nothing")
	assert.Error(t, err)
}

func TestActorNeverRunsTwice(t *testing.T) {
	s := newTestSystem(t, Options{
		Workers:       gonull.NewNullable(8),
		MaxThroughput: gonull.NewNullable(3),
	})

	const senders = 8
	const perSender = 200

	var busy, overlapped atomic.Bool
	count := 0

	a, err := s.Spawn("counter", NewBehavior("counter", func(a *ScheduledActor, msg msgactor.ActorMessage) error {
		if !busy.CompareAndSwap(false, true) {
			overlapped.Store(true)
		}
		defer busy.Store(false)

		if msg == "count" {
			a.Respond(count)
			return nil
		}

		count++
		return nil
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if j%10 == 0 {
					assert.NoError(t, s.SendUrgent(a.PID(), j))
				} else {
					assert.NoError(t, s.Send(a.PID(), j))
				}
			}
		}()
	}
	wg.Wait()

	v, err := s.Request(testCtx(t), a.PID(), "count")
	require.NoError(t, err)

	assert.Equal(t, senders*perSender, v)
	assert.False(t, overlapped.Load())
}

func TestPanicRecovery(t *testing.T) {
	s := newTestSystem(t, Options{})

	released := make(chan struct{})

	a, err := s.Spawn("fragile", &releasingBehavior{
		Behavior: NewBehavior("fragile", func(a *ScheduledActor, msg msgactor.ActorMessage) error {
			panic("boom")
		}),
		released: released,
	})
	require.NoError(t, err)

	b, err := s.Spawn("sturdy", echo("sturdy"))
	require.NoError(t, err)

	_, err = s.Request(testCtx(t), a.PID(), "hit")
	assert.ErrorIs(t, err, ErrPanicked)

	<-released

	assert.Eventually(t, a.Terminated, assertEventuallyTimeout, assertEventuallyTick)
	assert.ErrorIs(t, a.Reason(), ErrPanicked)
	assert.Equal(t, uint64(1), s.Stats().Panics)

	// the worker survived
	v, err := s.Request(testCtx(t), b.PID(), "ok")
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
}

type releasingBehavior struct {
	Behavior
	released chan struct{}
}

func (b *releasingBehavior) Release() {
	close(b.released)
}

func TestShutdown(t *testing.T) {
	s, err := NewSystem(context.Background(), Options{Name: "doomed"})
	require.NoError(t, err)

	var released atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := s.Spawn("idle", &countingBehavior{Behavior: echo("idle"), released: &released})
		require.NoError(t, err)
	}

	assert.Len(t, s.Actors(), 5)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(assertEventuallyTimeout):
		t.Fatal("shutdown did not finish")
	}

	assert.Empty(t, s.Actors())
	assert.Equal(t, int32(5), released.Load())

	st := s.Stats()
	assert.Equal(t, uint64(5), st.Spawned)
	assert.Equal(t, uint64(5), st.Terminated)
	assert.Zero(t, st.Live)

	_, err = s.Spawn("late", echo("late"))
	assert.Error(t, err)

	// repeated calls are harmless
	assert.NoError(t, s.Shutdown())
}

type countingBehavior struct {
	Behavior
	released *atomic.Int32
}

func (b *countingBehavior) Release() {
	b.released.Add(1)
}

func TestAdmissionLimit(t *testing.T) {
	s := newTestSystem(t, Options{
		AdmissionTokens:   gonull.NewNullable[uint64](2),
		AdmissionInterval: time.Hour,
	})

	a, err := s.Spawn("limited", echo("limited"))
	require.NoError(t, err)

	b, err := s.Spawn("other", echo("other"))
	require.NoError(t, err)

	assert.NoError(t, s.Send(a.PID(), 1))
	assert.NoError(t, s.Send(a.PID(), 2))
	assert.ErrorIs(t, s.Send(a.PID(), 3), drr.ErrRateLimited)

	// tokens are kept per actor
	assert.NoError(t, s.Send(b.PID(), 1))

	// stop requests are not subject to admission
	assert.NoError(t, s.Stop(a.PID(), nil))
	assert.Eventually(t, a.Terminated, assertEventuallyTimeout, assertEventuallyTick)
}

func TestMailboxLimit(t *testing.T) {
	s := newTestSystem(t, Options{
		Categories: []drr.CategoryConfig{
			{Category: drr.CategoryUrgent, Quantum: drr.UrgentQuantum},
			{Category: drr.CategoryNormal, Quantum: drr.NormalQuantum, Limit: gonull.NewNullable(1)},
		},
	})

	g := newGate()

	a, err := s.Spawn("small", NewBehavior("small", func(a *ScheduledActor, msg msgactor.ActorMessage) error {
		if msg == "block" {
			g.wait()
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, s.Send(a.PID(), "block"))
	<-g.entered

	assert.NoError(t, s.Send(a.PID(), 1))
	assert.ErrorIs(t, s.Send(a.PID(), 2), drr.ErrMailboxFull)
	assert.NoError(t, s.SendUrgent(a.PID(), 3))

	g.release()

	assert.Eventually(t, func() bool {
		return a.Mailbox().Empty()
	}, assertEventuallyTimeout, assertEventuallyTick)

	var normal drr.CategoryStats
	for _, cs := range a.Mailbox().Stats() {
		if cs.Category == drr.CategoryNormal.String() {
			normal = cs
		}
	}
	assert.Equal(t, uint64(1), normal.Rejected)
}

func TestSendUnknownActor(t *testing.T) {
	s := newTestSystem(t, Options{})

	assert.ErrorIs(t, s.Send(42, "hello"), ErrUnknownActor)
	assert.ErrorIs(t, s.Stop(42, nil), ErrUnknownActor)
}

func TestStats(t *testing.T) {
	s := newTestSystem(t, Options{Name: "stats"})

	a, err := s.Spawn("echo", echo("echo"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Request(testCtx(t), a.PID(), i)
		require.NoError(t, err)
	}

	st := s.Stats()
	assert.Equal(t, "stats", st.Name)
	assert.Equal(t, 1, st.Live)
	require.Len(t, st.Actors, 1)

	as := st.Actors[0]
	assert.Equal(t, uint64(a.PID()), as.PID)
	assert.Equal(t, "echo", as.Name)
	assert.Equal(t, uint64(3), as.Handled)
	assert.Len(t, as.Mailbox, 2)
}

func TestWatch(t *testing.T) {
	s := newTestSystem(t, Options{})

	notified := make(chan *msgactor.ActorTerminated, 1)

	w, err := s.Spawn("watcher", NewBehavior("watcher", func(a *ScheduledActor, msg msgactor.ActorMessage) error {
		if m, ok := msg.(*msgactor.ActorTerminated); ok {
			notified <- m
			return nil
		}
		return ErrUnhandled
	}))
	require.NoError(t, err)

	victim, err := s.Spawn("victim", echo("victim"))
	require.NoError(t, err)

	require.NoError(t, s.Watch(w.PID(), victim.PID()))
	assert.ErrorIs(t, s.Watch(w.PID(), 1234), ErrUnknownActor)

	reason := errors.New("retired")
	require.NoError(t, s.Stop(victim.PID(), reason))

	select {
	case m := <-notified:
		assert.Equal(t, uint64(victim.PID()), m.PID)
		assert.ErrorIs(t, m.Reason, reason)
	case <-testCtx(t).Done():
		t.Fatal("watcher was not notified")
	}

	assert.ErrorIs(t, s.Watch(w.PID(), victim.PID()), ErrUnknownActor)
}

func TestRequestAll(t *testing.T) {
	s := newTestSystem(t, Options{})

	g := newGate()

	slow, err := s.Spawn("slow", NewBehavior("slow", func(a *ScheduledActor, msg msgactor.ActorMessage) error {
		g.wait()
		a.Respond("slow")
		return nil
	}))
	require.NoError(t, err)

	fast, err := s.Spawn("fast", echo("fast"))
	require.NoError(t, err)

	done := make(chan []any, 1)
	go func() {
		v, err := s.RequestAll(testCtx(t), []ifaces.PID{slow.PID(), fast.PID()}, "fast")
		assert.NoError(t, err)
		done <- v
	}()

	// the fast reply arrives first, but results keep the order of the actors
	<-g.entered
	g.release()

	select {
	case v := <-done:
		assert.Equal(t, []any{"slow", "fast"}, v)
	case <-testCtx(t).Done():
		t.Fatal("responses were not collected")
	}

	v, err := s.RequestAll(testCtx(t), nil, "none")
	assert.NoError(t, err)
	assert.Empty(t, v)
}

func TestRequestAllFailure(t *testing.T) {
	s := newTestSystem(t, Options{})

	broken := errors.New("broken")

	good, err := s.Spawn("good", echo("good"))
	require.NoError(t, err)

	bad, err := s.Spawn("bad", NewBehavior("bad", func(a *ScheduledActor, msg msgactor.ActorMessage) error {
		return broken
	}))
	require.NoError(t, err)

	_, err = s.RequestAll(testCtx(t), []ifaces.PID{good.PID(), bad.PID()}, "hi")
	assert.ErrorIs(t, err, broken)

	_, err = s.RequestAll(testCtx(t), []ifaces.PID{good.PID(), 4242}, "hi")
	assert.ErrorIs(t, err, ErrUnknownActor)

	// an actor that never answers is cut off by the context
	g := newGate()
	t.Cleanup(g.release)

	stuck, err := s.Spawn("stuck", NewBehavior("stuck", func(a *ScheduledActor, msg msgactor.ActorMessage) error {
		g.wait()
		return nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testCtx(t), 10*assertEventuallyTick)
	defer cancel()

	_, err = s.RequestAll(ctx, []ifaces.PID{good.PID(), stuck.PID()}, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
