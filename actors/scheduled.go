package actors

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/edup2p/actorcore/types/behavior"
	"github.com/edup2p/actorcore/types/drr"
	"github.com/edup2p/actorcore/types/ifaces"
	"github.com/edup2p/actorcore/types/msgactor"
)

// Behavior handles the messages of an actor while it is the active behavior.
//
// Receive returns ErrUnhandled for messages it does not know, and ErrTerminate
// to stop the actor. A behavior that also implements behavior.Releaser is
// released once it is no longer on the stack and none of its handlers run.
type Behavior interface {
	Name() string

	Receive(a *ScheduledActor, msg msgactor.ActorMessage) error
}

type behaviorFunc struct {
	name string
	f    func(a *ScheduledActor, msg msgactor.ActorMessage) error
}

func (b *behaviorFunc) Name() string {
	return b.name
}

func (b *behaviorFunc) Receive(a *ScheduledActor, msg msgactor.ActorMessage) error {
	return b.f(a, msg)
}

// NewBehavior wraps a function as a Behavior.
func NewBehavior(name string, f func(a *ScheduledActor, msg msgactor.ActorMessage) error) Behavior {
	return &behaviorFunc{name: name, f: f}
}

// ScheduledActor is an actor run by the workers of a System.
//
// All methods except the ones of ActorCommon must be called from within a
// behavior of the actor.
type ScheduledActor struct {
	*ActorCommon
	sys *System

	behaviors behavior.Stack[Behavior]
	registry  map[string]Behavior

	// current is the entry being dispatched
	current *drr.Entry
	replied bool

	scheduled atomic.Bool

	// stopping guards terminate, terminated publishes it to other goroutines
	stopping   bool
	reason     error
	terminated atomic.Bool

	handled atomic.Uint64

	watchMu  sync.Mutex
	watchers []ifaces.PID
	unwatch  bool
}

// System returns the system the actor runs on.
func (a *ScheduledActor) System() *System {
	return a.sys
}

// Register makes b available to msgactor.Become under its name.
func (a *ScheduledActor) Register(b Behavior) {
	a.registry[b.Name()] = b
}

func (a *ScheduledActor) activeName() string {
	if a.behaviors.Empty() {
		return "<none>"
	}
	return a.behaviors.Back().Name()
}

// Become installs b as the active behavior, keeping the current one underneath.
func (a *ScheduledActor) Become(b Behavior) {
	LogTransition(a, a.activeName(), b.Name())
	a.behaviors.PushBack(b)
}

// Replace installs b as the active behavior, discarding the current one.
func (a *ScheduledActor) Replace(b Behavior) {
	LogTransition(a, a.activeName(), b.Name())
	if !a.behaviors.Empty() {
		a.behaviors.PopBack()
	}
	a.behaviors.PushBack(b)
}

// Unbecome discards the active behavior and returns to the one underneath.
// The actor terminates once no behavior is left.
func (a *ScheduledActor) Unbecome() {
	if a.behaviors.Empty() {
		return
	}

	from := a.behaviors.Back().Name()
	a.behaviors.PopBack()
	LogTransition(a, from, a.activeName())
}

// Behavior returns the name of the active behavior.
func (a *ScheduledActor) Behavior() string {
	return a.activeName()
}

// Depth returns the amount of behaviors on the stack.
func (a *ScheduledActor) Depth() int {
	return a.behaviors.Len()
}

// Respond answers the request being handled. Returns false if the current
// message is not a request, or was already answered.
func (a *ScheduledActor) Respond(value any) bool {
	if a.current == nil || a.current.ReplyTo == nil || a.replied {
		return false
	}

	a.replied = true
	a.current.ReplyTo <- msgactor.Reply{ID: a.current.ID, Value: value}

	return true
}

// Terminated returns true once the actor stopped.
func (a *ScheduledActor) Terminated() bool {
	return a.terminated.Load()
}

// Reason returns the reason the actor stopped with, only valid once Terminated
// returns true.
func (a *ScheduledActor) Reason() error {
	return a.reason
}

// addWatcher returns false if the actor already terminated.
func (a *ScheduledActor) addWatcher(pid ifaces.PID) bool {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	if a.unwatch {
		return false
	}
	a.watchers = append(a.watchers, pid)

	return true
}

// Resume handles up to max messages, and returns true if the actor has more
// messages queued.
func (a *ScheduledActor) Resume(max int) bool {
	if !a.running.CheckOrMark() {
		panic(fmt.Sprintf("actor %d resumed by two workers", a.pid))
	}
	defer a.running.Release()

	for i := 0; i < max && !a.Terminated(); i++ {
		e, ok := a.mailbox.Next()
		if !ok {
			break
		}

		a.handled.Add(1)
		a.dispatch(e)

		// no handler runs here, so retired behaviors can go
		a.behaviors.Cleanup()
	}

	return !a.Terminated() && !a.mailbox.Empty()
}

func (a *ScheduledActor) dispatch(e drr.Entry) {
	a.current = &e
	a.replied = false
	defer func() {
		a.current = nil

		if v := recover(); v != nil {
			if e.ReplyTo != nil && !a.replied {
				a.replied = true
				e.ReplyTo <- msgactor.Reply{ID: e.ID, Err: fmt.Errorf("%w: %v", ErrPanicked, v)}
			}
			panic(v)
		}
	}()

	var err error

	switch m := e.Msg.(type) {
	case *msgactor.Become:
		b, ok := a.registry[m.Name]
		if !ok {
			err = fmt.Errorf("%w: %q", ErrNoBehavior, m.Name)
			L(a).Warn("cannot become", "err", err)
			break
		}
		if m.Discard {
			a.Replace(b)
		} else {
			a.Become(b)
		}
	case *msgactor.Unbecome:
		a.Unbecome()
	case *msgactor.Stop:
		a.terminate(m.Reason)
	default:
		if a.behaviors.Empty() {
			a.logUnknownMessage(e)
			break
		}

		b := a.behaviors.Back()
		err = b.Receive(a, m)

		switch {
		case err == nil:
		case errors.Is(err, ErrTerminate):
			err = nil
			a.terminate(nil)
		case errors.Is(err, ErrUnhandled):
			a.logUnknownMessage(e)
		default:
			L(a).Error("behavior failed to handle message",
				"behavior", b.Name(),
				"msg-id", e.ID,
				"err", err,
			)
		}
	}

	if e.ReplyTo != nil && !a.replied {
		if err == nil {
			err = ErrNoReply
		}
		a.replied = true
		e.ReplyTo <- msgactor.Reply{ID: e.ID, Err: err}
	}

	if !a.Terminated() && a.behaviors.Empty() {
		a.terminate(nil)
	}
}

// terminate stops the actor, retires its behaviors, and rejects queued requests.
func (a *ScheduledActor) terminate(reason error) {
	if a.stopping {
		return
	}
	a.stopping = true
	a.reason = reason
	a.terminated.Store(true)

	a.behaviors.Clear()

	for _, e := range a.mailbox.Close() {
		if e.ReplyTo != nil {
			e.ReplyTo <- msgactor.Reply{ID: e.ID, Err: ErrUnknownActor}
		}
	}

	a.Cancel()

	a.watchMu.Lock()
	watchers := a.watchers
	a.watchers, a.unwatch = nil, true
	a.watchMu.Unlock()

	for _, w := range watchers {
		if err := a.sys.notify(w, &msgactor.ActorTerminated{PID: uint64(a.pid), Reason: reason}); err != nil {
			L(a).Debug("could not notify watcher", "watcher", w, "err", err)
		}
	}

	if reason != nil {
		L(a).Info("terminated", "reason", reason)
	} else {
		L(a).Debug("terminated")
	}

	a.sys.remove(a)
}
