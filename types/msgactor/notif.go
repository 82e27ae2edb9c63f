package msgactor

// ActorTerminated notifies a watcher that PID terminated.
type ActorTerminated struct {
	PID uint64

	// Reason is nil when the actor stopped normally.
	Reason error
}
