package actors

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/edup2p/actorcore/types"
	"github.com/edup2p/actorcore/types/ifaces"
)

// RunCheck ensures that only one worker runs the actor at all times.
type RunCheck struct {
	*atomic.Bool
}

func MakeRunCheck() RunCheck {
	return RunCheck{
		&atomic.Bool{},
	}
}

// CheckOrMark atomically checks if its already running, else marks as running, returns a false value if the instance is already running.
func (rc *RunCheck) CheckOrMark() bool {
	return rc.CompareAndSwap(false, true)
}

// Release marks the instance as no longer running.
func (rc *RunCheck) Release() {
	rc.Store(false)
}

func L(a ifaces.Actor) *slog.Logger {
	return slog.With("actor", a.Name(), "pid", a.PID())
}

func LogTransition(a ifaces.Actor, from, to string) {
	L(a).Log(context.Background(), types.LevelTrace, "transitioning behavior", "from", from, "to", to)
}
