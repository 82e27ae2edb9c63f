package actors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/edup2p/actorcore/types/drr"
	"github.com/edup2p/actorcore/types/ifaces"
)

var (
	// ErrTerminate is returned by a behavior to terminate its actor.
	ErrTerminate = errors.New("terminate actor")

	// ErrUnhandled is returned by a behavior for a message it does not handle.
	ErrUnhandled = errors.New("unhandled message")

	ErrUnknownActor = errors.New("unknown or terminated actor")
	ErrNoReply      = errors.New("request was not answered")
	ErrNoBehavior   = errors.New("no behavior registered under that name")
	ErrPanicked     = errors.New("actor panicked")
)

type ActorCommon struct {
	pid     ifaces.PID
	name    string
	mailbox *drr.Mailbox
	ctx     context.Context
	ctxCan  context.CancelFunc
	running RunCheck
}

func MakeCommon(pCtx context.Context, pid ifaces.PID, name string, mailbox *drr.Mailbox) *ActorCommon {
	ctx, ctxCan := context.WithCancel(pCtx)

	return &ActorCommon{
		pid:     pid,
		name:    name,
		mailbox: mailbox,
		ctx:     ctx,
		ctxCan:  ctxCan,
		running: MakeRunCheck(),
	}
}

func (ac *ActorCommon) PID() ifaces.PID {
	return ac.pid
}

func (ac *ActorCommon) Name() string {
	return ac.name
}

func (ac *ActorCommon) Ctx() context.Context {
	return ac.ctx
}

func (ac *ActorCommon) Cancel() {
	ac.ctxCan()
}

// Mailbox returns the mailbox of the actor.
func (ac *ActorCommon) Mailbox() *drr.Mailbox {
	return ac.mailbox
}

func (ac *ActorCommon) logUnknownMessage(e drr.Entry) {
	slog.Warn("dropping unhandled message",
		"actor", ac.name,
		"pid", ac.pid,
		"category", e.Category,
		"msg", e.Msg,
	)
}
