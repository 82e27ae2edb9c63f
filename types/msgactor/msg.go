package msgactor

// ActorMessage is any message delivered through an actor's mailbox.
type ActorMessage interface{}

// Messages

// ======================================================================================================
// Behavior msgs

// Become installs the behavior registered under Name as the active behavior.
type Become struct {
	Name string

	// Discard replaces the active behavior instead of stacking on top of it.
	Discard bool
}

// Unbecome returns to the enclosing behavior.
type Unbecome struct{}

// Stop terminates the actor after the current message.
type Stop struct {
	Reason error
}

// ======================================================================================================
// Stream msgs

// AttachSink asks a source actor to open a path towards Sink.
type AttachSink struct {
	Sink uint64
}

// StreamOpen tells a sink actor which path of Source it is attached to.
type StreamOpen struct {
	Source uint64

	Path uint64
}

// GrantCredit allows the source to push Amount more items along Path.
type GrantCredit struct {
	Path uint64

	Amount int
}

// StreamBatch carries items pushed along Path.
type StreamBatch struct {
	Path uint64

	Items []any
}

// StreamClose ends Path, Err is nil when the source completed normally.
type StreamClose struct {
	Path uint64

	Err error
}

// ======================================================================================================
// Replies

// Reply carries the response to a request, ID is the one of the request.
type Reply struct {
	ID    uint64
	Value any

	Err error
}
