package actors

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/edup2p/actorcore/types/ifaces"
	"github.com/edup2p/actorcore/types/msgactor"
	"github.com/edup2p/actorcore/types/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter generates ascending integers, forever if limit is negative.
type counter struct {
	next, limit int
}

func countingDriver(limit int, finalized chan<- error) stream.Driver[counter, any] {
	return stream.Driver[counter, any]{
		Init: func(c *counter) {
			c.limit = limit
		},
		Pull: func(c *counter, out *[]any, hint int) error {
			for i := 0; i < hint && (c.limit < 0 || c.next < c.limit); i++ {
				*out = append(*out, c.next)
				c.next++
			}
			return nil
		},
		Done: func(c *counter) bool {
			return c.limit >= 0 && c.next >= c.limit
		},
		Finalize: func(c *counter, err error) {
			finalized <- err
		},
	}
}

type sinkResult struct {
	items []any
	err   error
}

// collectingSink collects every item, and reports them once finalized.
func collectingSink(window int, consumed *atomic.Int32, fail func(item any) error) (*SinkBehavior, <-chan sinkResult) {
	done := make(chan sinkResult, 1)
	var items []any

	b := NewSinkBehavior("sink", window, func(item any) error {
		if fail != nil {
			if err := fail(item); err != nil {
				return err
			}
		}
		items = append(items, item)
		if consumed != nil {
			consumed.Add(1)
		}
		return nil
	}, func(err error) {
		done <- sinkResult{items: items, err: err}
	})

	return b, done
}

func ascending(from, to int) []any {
	var out []any
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func awaitErr(t *testing.T, ch <-chan error) error {
	t.Helper()

	select {
	case err := <-ch:
		return err
	case <-testCtx(t).Done():
		t.Fatal("source did not finalize")
		return nil
	}
}

func awaitSink(t *testing.T, ch <-chan sinkResult) sinkResult {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-testCtx(t).Done():
		t.Fatal("sink did not finalize")
		return sinkResult{}
	}
}

func attach(t *testing.T, s *System, source, sink ifaces.PID) {
	t.Helper()
	require.NoError(t, s.Send(source, &msgactor.AttachSink{Sink: uint64(sink)}))
}

func TestStreamCompletes(t *testing.T) {
	s := newTestSystem(t, Options{})

	finalized := make(chan error, 1)
	src, err := s.Spawn("source", NewSourceBehavior("source", countingDriver(100, finalized)))
	require.NoError(t, err)

	sb, results := collectingSink(4, nil, nil)
	sink, err := s.Spawn("sink", sb)
	require.NoError(t, err)

	attach(t, s, src.PID(), sink.PID())

	assert.NoError(t, awaitErr(t, finalized))

	r := awaitSink(t, results)
	assert.NoError(t, r.err)
	assert.Equal(t, ascending(0, 100), r.items)

	assert.Eventually(t, func() bool {
		return src.Terminated() && sink.Terminated()
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestStreamFanOut(t *testing.T) {
	s := newTestSystem(t, Options{})

	finalized := make(chan error, 1)
	src, err := s.Spawn("source", NewSourceBehavior("source", countingDriver(100, finalized)))
	require.NoError(t, err)

	first, firstResults := collectingSink(4, nil, nil)
	a, err := s.Spawn("first", first)
	require.NoError(t, err)

	second, secondResults := collectingSink(8, nil, nil)
	b, err := s.Spawn("second", second)
	require.NoError(t, err)

	attach(t, s, src.PID(), a.PID())
	attach(t, s, src.PID(), b.PID())

	assert.NoError(t, awaitErr(t, finalized))

	r1 := awaitSink(t, firstResults)
	assert.NoError(t, r1.err)
	assert.Equal(t, ascending(0, 100), r1.items)

	// the second sink sees everything generated after it attached
	r2 := awaitSink(t, secondResults)
	assert.NoError(t, r2.err)
	if len(r2.items) > 0 {
		assert.Equal(t, ascending(100-len(r2.items), 100), r2.items)
	}
}

func TestStreamConsumerFailure(t *testing.T) {
	s := newTestSystem(t, Options{})

	finalized := make(chan error, 1)
	src, err := s.Spawn("source", NewSourceBehavior("source", countingDriver(-1, finalized)))
	require.NoError(t, err)

	broken := errors.New("cannot take 3")
	sb, results := collectingSink(4, nil, func(item any) error {
		if item == 3 {
			return broken
		}
		return nil
	})
	sink, err := s.Spawn("sink", sb)
	require.NoError(t, err)

	attach(t, s, src.PID(), sink.PID())

	r := awaitSink(t, results)
	assert.ErrorIs(t, r.err, broken)
	assert.Equal(t, ascending(0, 3), r.items)

	assert.ErrorIs(t, awaitErr(t, finalized), stream.ErrPipelineFailure)

	assert.Eventually(t, func() bool {
		return src.Terminated() && sink.Terminated()
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestStreamStopSource(t *testing.T) {
	s := newTestSystem(t, Options{})

	finalized := make(chan error, 1)
	src, err := s.Spawn("source", NewSourceBehavior("source", countingDriver(-1, finalized)))
	require.NoError(t, err)

	var consumed atomic.Int32
	sb, results := collectingSink(4, &consumed, nil)
	sink, err := s.Spawn("sink", sb)
	require.NoError(t, err)

	attach(t, s, src.PID(), sink.PID())

	assert.Eventually(t, func() bool {
		return consumed.Load() >= 20
	}, assertEventuallyTimeout, assertEventuallyTick)

	require.NoError(t, s.Stop(src.PID(), nil))

	assert.ErrorIs(t, awaitErr(t, finalized), stream.ErrStreamClosed)

	r := awaitSink(t, results)
	assert.ErrorIs(t, r.err, stream.ErrStreamClosed)
	assert.Equal(t, ascending(0, len(r.items)), r.items)

	assert.Eventually(t, sink.Terminated, assertEventuallyTimeout, assertEventuallyTick)
}

func TestStreamStopSink(t *testing.T) {
	s := newTestSystem(t, Options{})

	finalized := make(chan error, 1)
	src, err := s.Spawn("source", NewSourceBehavior("source", countingDriver(-1, finalized)))
	require.NoError(t, err)

	var consumed atomic.Int32
	sb, results := collectingSink(4, &consumed, nil)
	sink, err := s.Spawn("sink", sb)
	require.NoError(t, err)

	attach(t, s, src.PID(), sink.PID())

	assert.Eventually(t, func() bool {
		return consumed.Load() >= 20
	}, assertEventuallyTimeout, assertEventuallyTick)

	require.NoError(t, s.Stop(sink.PID(), nil))

	r := awaitSink(t, results)
	assert.ErrorIs(t, r.err, stream.ErrStreamClosed)

	// without paths left, the source ends normally
	assert.NoError(t, awaitErr(t, finalized))
	assert.Eventually(t, src.Terminated, assertEventuallyTimeout, assertEventuallyTick)
}

func TestStreamStopOneOfTwoSinks(t *testing.T) {
	s := newTestSystem(t, Options{})

	finalized := make(chan error, 1)
	src, err := s.Spawn("source", NewSourceBehavior("source", countingDriver(10, finalized)))
	require.NoError(t, err)

	g := newGate()
	slowBehavior, slowResults := collectingSink(1, nil, func(item any) error {
		if item == 0 {
			g.wait()
		}
		return nil
	})
	slow, err := s.Spawn("slow", slowBehavior)
	require.NoError(t, err)

	fastBehavior, fastResults := collectingSink(16, nil, nil)
	fast, err := s.Spawn("fast", fastBehavior)
	require.NoError(t, err)

	attach(t, s, src.PID(), slow.PID())
	<-g.entered

	// the generator runs dry while the slow sink still has items pending
	attach(t, s, src.PID(), fast.PID())

	require.NoError(t, s.Stop(slow.PID(), nil))
	g.release()

	r := awaitSink(t, slowResults)
	assert.ErrorIs(t, r.err, stream.ErrStreamClosed)

	r = awaitSink(t, fastResults)
	assert.NoError(t, r.err)
	assert.Equal(t, ascending(1, 10), r.items)

	assert.NoError(t, awaitErr(t, finalized))
	assert.Eventually(t, func() bool {
		return src.Terminated() && slow.Terminated() && fast.Terminated()
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestSinkRejectsSecondStream(t *testing.T) {
	s := newTestSystem(t, Options{})

	sb, _ := collectingSink(4, nil, nil)
	sink, err := s.Spawn("sink", sb)
	require.NoError(t, err)

	// a source that never grants anything back
	src, err := s.Spawn("fake", echo("fake"))
	require.NoError(t, err)

	require.NoError(t, s.Send(sink.PID(), &msgactor.StreamOpen{Source: uint64(src.PID()), Path: 1}))

	_, err = s.Request(testCtx(t), sink.PID(), &msgactor.StreamOpen{Source: uint64(src.PID()), Path: 2})
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	_, err = s.Request(testCtx(t), sink.PID(), &msgactor.StreamBatch{Path: 2, Items: []any{1}})
	assert.ErrorIs(t, err, stream.ErrUnknownPath)
}
