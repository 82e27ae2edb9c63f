package actors

import "time"

const (
	// Workers
	DefaultWorkers = 4

	// DefaultMaxThroughput is the amount of messages an actor handles before
	// its worker moves on to the next actor.
	DefaultMaxThroughput = 32

	// ReadyChLen buffers actors waiting for a worker.
	ReadyChLen = 1024

	// Admission

	DefaultAdmissionInterval = time.Second

	AdmissionSweepInterval = time.Minute
	AdmissionSweepMinTTL   = time.Minute

	// Streams

	DefaultSinkWindow = 16
)
