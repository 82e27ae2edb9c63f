package actors

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/edup2p/actorcore/types/drr"
	"github.com/edup2p/actorcore/types/ifaces"
	"github.com/edup2p/actorcore/types/msgactor"
	"github.com/edup2p/actorcore/types/stream"
)

var ErrAlreadyAttached = errors.New("sink already attached to a stream")

// remotePath is a stream path towards a sink actor.
type remotePath struct {
	sys  ifaces.Submitter
	from ifaces.PID
	sink ifaces.PID
	path stream.PathID
}

func (p *remotePath) Push(batch []any) error {
	err := p.sys.Send(p.sink, &msgactor.StreamBatch{Path: uint64(p.path), Items: batch})
	if errors.Is(err, ErrUnknownActor) || errors.Is(err, drr.ErrMailboxClosed) {
		// the sink stopped, its detach may still be on the way
		return fmt.Errorf("%w: sink %d: %w", stream.ErrPathGone, p.sink, err)
	}
	return err
}

func (p *remotePath) Close(err error) {
	if serr := p.sys.Send(p.sink, &msgactor.StreamClose{Path: uint64(p.path), Err: err}); serr != nil {
		slog.Debug("could not close stream path", "source", p.from, "path", p.path, "sink", p.sink, "err", serr)
	}
}

// SourceBehavior hosts a stream source. Sink actors are attached with
// msgactor.AttachSink, and return credit with msgactor.GrantCredit.
//
// The behavior leaves the stack once its source completed or aborted.
type SourceBehavior[S any] struct {
	name string
	src  *stream.Source[S, any]

	sinks map[stream.PathID]ifaces.PID
}

var _ ifaces.CreditGranter = (*SourceBehavior[struct{}])(nil)

func NewSourceBehavior[S any](name string, driver stream.Driver[S, any]) *SourceBehavior[S] {
	return &SourceBehavior[S]{
		name:  name,
		src:   stream.NewSource(driver),
		sinks: make(map[stream.PathID]ifaces.PID),
	}
}

func (b *SourceBehavior[S]) Name() string {
	return b.name
}

// Source returns the hosted source, only to be used from within the actor.
func (b *SourceBehavior[S]) Source() *stream.Source[S, any] {
	return b.src
}

func (b *SourceBehavior[S]) Receive(a *ScheduledActor, msg msgactor.ActorMessage) error {
	var err error

	switch m := msg.(type) {
	case *msgactor.AttachSink:
		err = b.attach(a, ifaces.PID(m.Sink))
	case *msgactor.GrantCredit:
		err = b.GrantCredit(m.Path, m.Amount)
	case *msgactor.StreamClose:
		id := stream.PathID(m.Path)
		if _, ok := b.sinks[id]; !ok {
			// closed by both ends at once
			return nil
		}
		delete(b.sinks, id)
		if err = b.src.RemovePath(id, m.Err); errors.Is(err, stream.ErrUnknownPath) {
			// already detached after its sink went away
			err = nil
		}
	default:
		return ErrUnhandled
	}

	if b.src.State().Terminal() {
		L(a).Debug("stream source finished", "state", b.src.State(), "err", b.src.Err())
		a.Unbecome()
	}

	return err
}

func (b *SourceBehavior[S]) attach(a *ScheduledActor, sink ifaces.PID) error {
	p := &remotePath{sys: a.sys, from: a.pid, sink: sink}

	id, err := b.src.AddPath(p)
	if err != nil {
		return fmt.Errorf("could not attach sink %d: %w", sink, err)
	}
	p.path = id
	b.sinks[id] = sink

	if err := a.sys.Send(sink, &msgactor.StreamOpen{Source: uint64(a.pid), Path: uint64(id)}); err != nil {
		delete(b.sinks, id)
		// the sink never learned about the path, so it is not an error of the stream
		_ = b.src.RemovePath(id, nil)
		return fmt.Errorf("could not open path to sink %d: %w", sink, err)
	}

	return nil
}

// GrantCredit implements ifaces.CreditGranter. Credit for paths that are gone
// is dropped, sinks return credit until they learn about the end of a stream.
func (b *SourceBehavior[S]) GrantCredit(path uint64, n int) error {
	if b.src.State().Terminal() {
		return nil
	}
	if _, ok := b.sinks[stream.PathID(path)]; !ok {
		return nil
	}

	if err := b.src.GrantCredit(stream.PathID(path), n); err != nil && !errors.Is(err, stream.ErrUnknownPath) {
		return err
	}

	return nil
}

// Release aborts a source that did not finish, which closes its sinks.
func (b *SourceBehavior[S]) Release() {
	if !b.src.State().Terminal() {
		b.src.Abort(nil)
	}
}

// SinkBehavior hosts a stream sink. It consumes every batch as it arrives, and
// returns the consumed amount as credit to the source.
//
// The behavior leaves the stack once the stream ended.
type SinkBehavior struct {
	name string
	sink *stream.Sink[any]

	sys    ifaces.Submitter
	source ifaces.PID
	path   uint64
	bound  bool
}

// NewSinkBehavior creates a sink with a credit window of window items,
// DefaultSinkWindow if window is not positive.
func NewSinkBehavior(name string, window int, consume func(item any) error, finalize func(err error)) *SinkBehavior {
	if window < 1 {
		window = DefaultSinkWindow
	}

	return &SinkBehavior{
		name: name,
		sink: stream.NewSink(window, consume, finalize),
	}
}

func (b *SinkBehavior) Name() string {
	return b.name
}

// Sink returns the hosted sink, only to be used from within the actor.
func (b *SinkBehavior) Sink() *stream.Sink[any] {
	return b.sink
}

func (b *SinkBehavior) Receive(a *ScheduledActor, msg msgactor.ActorMessage) error {
	var err error

	switch m := msg.(type) {
	case *msgactor.StreamOpen:
		err = b.open(a, m)
	case *msgactor.StreamBatch:
		if !b.bound || m.Path != b.path {
			return fmt.Errorf("%w: %d", stream.ErrUnknownPath, m.Path)
		}
		b.batch(a, m.Items)
	case *msgactor.StreamClose:
		if !b.bound || m.Path != b.path {
			return fmt.Errorf("%w: %d", stream.ErrUnknownPath, m.Path)
		}
		b.sink.Close(m.Err)
		if !b.sink.Done() {
			b.batch(a, nil)
		}
	default:
		return ErrUnhandled
	}

	if b.sink.Done() {
		L(a).Debug("stream sink finished", "received", b.sink.Received(), "err", b.sink.Err())
		a.Unbecome()
	}

	return err
}

func (b *SinkBehavior) open(a *ScheduledActor, m *msgactor.StreamOpen) error {
	if b.bound {
		return ErrAlreadyAttached
	}
	b.bound = true
	b.sys = a.sys
	b.source = ifaces.PID(m.Source)
	b.path = m.Path

	sys, source, path := a.sys, b.source, b.path

	return b.sink.Bind(func(n int) error {
		return sys.Send(source, &msgactor.GrantCredit{Path: path, Amount: n})
	})
}

// batch buffers items and consumes everything buffered.
func (b *SinkBehavior) batch(a *ScheduledActor, items []any) {
	err := b.sink.Push(items)
	if err == nil {
		err = b.sink.Drain()
	}
	if err == nil {
		return
	}

	if !b.sink.Done() {
		// the source may already be gone while its close is still queued
		L(a).Debug("could not return credit", "err", err)
		return
	}

	if serr := a.sys.Send(b.source, &msgactor.StreamClose{Path: b.path, Err: err}); serr != nil {
		L(a).Debug("could not report stream failure", "source", b.source, "err", serr)
	}
}

// Release detaches a sink that did not finish from its source.
func (b *SinkBehavior) Release() {
	if !b.bound || b.sink.Done() {
		return
	}

	b.sink.Close(stream.ErrStreamClosed)

	// leaving is not a failure of the stream, other sinks keep their paths
	if err := b.sys.Send(b.source, &msgactor.StreamClose{Path: b.path}); err != nil {
		slog.Debug("could not detach sink", "source", b.source, "path", b.path, "err", err)
	}
}
