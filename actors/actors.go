// Package actors is the runtime of actorcore; it schedules actors on a fixed
// pool of workers, and delivers their messages through a deficit round robin
// mailbox to the active behavior of their behavior stack.
//
// An actor is never run by two workers at once, so a behavior needs no locking
// for the state it owns.
//
// The stream actors bridge the managers of the stream package over mailboxes,
// so that a source and its sinks may live on different actors.
package actors
