package ifaces

import (
	"context"

	"github.com/edup2p/actorcore/types/msgactor"
)

// PID identifies an actor within its system.
type PID uint64

type Actor interface {
	PID() PID

	// Name is used for logging.
	Name() string

	Ctx() context.Context

	// Cancel this actor's context.
	Cancel()
}

// ===

// Submitter accepts messages for actors; a nil error means the message was
// accepted.
type Submitter interface {
	Send(pid PID, msg msgactor.ActorMessage) error
	SendUrgent(pid PID, msg msgactor.ActorMessage) error
}

// ===

// CreditGranter is the credit control interface of a stream source.
type CreditGranter interface {
	GrantCredit(path uint64, n int) error
}
