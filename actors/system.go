package actors

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/actorcore/types"
	"github.com/edup2p/actorcore/types/drr"
	"github.com/edup2p/actorcore/types/ifaces"
	"github.com/edup2p/actorcore/types/msgactor"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"golang.org/x/sync/errgroup"
)

// Options configures a System, unset values take their defaults.
type Options struct {
	// Name identifies the system in logs.
	Name string

	Workers       gonull.Nullable[int]
	MaxThroughput gonull.Nullable[int]

	// Categories configures the mailbox of every actor, defaults to
	// drr.DefaultCategories.
	Categories []drr.CategoryConfig

	// Policy supplies the task size of mailbox entries, every entry costs 1
	// if not set.
	Policy drr.Policy[drr.Entry]

	// AdmissionTokens limits how many messages every actor accepts per
	// AdmissionInterval, unlimited if not set.
	AdmissionTokens   gonull.Nullable[uint64]
	AdmissionInterval time.Duration
}

// checkCategories makes sure custom categories can carry Send and SendUrgent.
func checkCategories(cats []drr.CategoryConfig) error {
	if len(cats) == 0 {
		return nil
	}

	seen := make(map[drr.Category]bool, len(cats))
	for _, c := range cats {
		seen[c.Category] = true
	}

	for _, need := range []drr.Category{drr.CategoryUrgent, drr.CategoryNormal} {
		if !seen[need] {
			return fmt.Errorf("mailbox categories lack %s", need)
		}
	}

	return nil
}

func orDefault[T any](n gonull.Nullable[T], def T) T {
	if n.Valid {
		return n.Val
	}
	return def
}

// System owns a set of actors, and runs them on a fixed pool of workers.
//
// Identity is explicit: message ids come from a counter owned by the system,
// not from process-wide state.
type System struct {
	name string

	ctx    context.Context
	ctxCan context.CancelFunc

	workers       int
	maxThroughput int
	categories    []drr.CategoryConfig
	policy        drr.Policy[drr.Entry]
	admission     limiter.Store

	ready chan *ScheduledActor
	eg    *errgroup.Group

	actorsMutex sync.RWMutex
	actors      map[ifaces.PID]*ScheduledActor

	live sync.WaitGroup

	nextPID   atomic.Uint64
	nextMsgID atomic.Uint64

	spawned    atomic.Uint64
	terminated atomic.Uint64
	panics     atomic.Uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ ifaces.Submitter = (*System)(nil)

// NewSystem creates a system and starts its workers.
func NewSystem(pCtx context.Context, opts Options) (*System, error) {
	ctx, ctxCan := context.WithCancel(pCtx)

	s := &System{
		name:          opts.Name,
		ctx:           ctx,
		ctxCan:        ctxCan,
		workers:       orDefault(opts.Workers, DefaultWorkers),
		maxThroughput: orDefault(opts.MaxThroughput, DefaultMaxThroughput),
		categories:    opts.Categories,
		policy:        opts.Policy,
		ready:         make(chan *ScheduledActor, ReadyChLen),
		actors:        make(map[ifaces.PID]*ScheduledActor),
	}

	if s.name == "" {
		s.name = "system"
	}
	if s.workers < 1 {
		ctxCan()
		return nil, fmt.Errorf("system needs at least one worker, got %d", s.workers)
	}
	if s.maxThroughput < 1 {
		s.maxThroughput = 1
	}
	if err := checkCategories(s.categories); err != nil {
		ctxCan()
		return nil, err
	}

	if opts.AdmissionTokens.Valid {
		interval := opts.AdmissionInterval
		if interval <= 0 {
			interval = DefaultAdmissionInterval
		}

		store, err := memorystore.New(&memorystore.Config{
			Tokens:        opts.AdmissionTokens.Val,
			Interval:      interval,
			SweepInterval: AdmissionSweepInterval,
			SweepMinTTL:   AdmissionSweepMinTTL,
		})
		if err != nil {
			ctxCan()
			return nil, fmt.Errorf("could not create admission store: %w", err)
		}
		s.admission = store
	}

	s.eg = &errgroup.Group{}
	for i := 0; i < s.workers; i++ {
		s.eg.Go(s.worker)
	}

	slog.Debug("system started", "system", s.name, "workers", s.workers)

	return s, nil
}

func (s *System) Name() string {
	return s.name
}

// Spawn creates an actor with behaviors registered, the first becomes active.
func (s *System) Spawn(name string, behaviors ...Behavior) (*ScheduledActor, error) {
	if len(behaviors) == 0 {
		return nil, fmt.Errorf("cannot spawn %q without a behavior", name)
	}
	if types.IsContextDone(s.ctx) {
		return nil, fmt.Errorf("cannot spawn %q: system shut down", name)
	}

	pid := ifaces.PID(s.nextPID.Add(1))

	mb := drr.NewMailbox(s.policy, s.categories...)
	if s.admission != nil {
		mb.SetLimiter(s.admission, strconv.FormatUint(uint64(pid), 10))
	}

	a := &ScheduledActor{
		ActorCommon: MakeCommon(s.ctx, pid, name, mb),
		sys:         s,
		registry:    make(map[string]Behavior, len(behaviors)),
	}

	for _, b := range behaviors {
		a.Register(b)
	}
	a.behaviors.PushBack(behaviors[0])

	s.actorsMutex.Lock()
	s.actors[pid] = a
	s.actorsMutex.Unlock()

	s.live.Add(1)
	s.spawned.Add(1)

	L(a).Debug("spawned", "behavior", behaviors[0].Name())

	return a, nil
}

// Actor returns a live actor.
func (s *System) Actor(pid ifaces.PID) (*ScheduledActor, bool) {
	s.actorsMutex.RLock()
	defer s.actorsMutex.RUnlock()

	a, ok := s.actors[pid]
	return a, ok
}

// Actors returns the pids of all live actors, in ascending order.
func (s *System) Actors() []ifaces.PID {
	s.actorsMutex.RLock()
	defer s.actorsMutex.RUnlock()

	return types.SortedKeys(s.actors)
}

func (s *System) remove(a *ScheduledActor) {
	s.actorsMutex.Lock()
	delete(s.actors, a.pid)
	s.actorsMutex.Unlock()

	s.terminated.Add(1)
	s.live.Done()
}

func (s *System) enqueue(pid ifaces.PID, e drr.Entry, inject bool) error {
	a, ok := s.Actor(pid)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownActor, pid)
	}

	var err error
	if inject {
		err = a.mailbox.Inject(e)
	} else {
		err = a.mailbox.Enqueue(e)
	}
	if err != nil {
		return err
	}

	s.schedule(a)
	return nil
}

// Send submits msg to the normal category of an actor.
func (s *System) Send(pid ifaces.PID, msg msgactor.ActorMessage) error {
	return s.enqueue(pid, drr.Entry{Category: drr.CategoryNormal, Msg: msg}, false)
}

// SendUrgent submits msg to the urgent category of an actor.
func (s *System) SendUrgent(pid ifaces.PID, msg msgactor.ActorMessage) error {
	return s.enqueue(pid, drr.Entry{Category: drr.CategoryUrgent, Msg: msg}, false)
}

// Request sends msg to an actor and waits for its response.
func (s *System) Request(ctx context.Context, pid ifaces.PID, msg msgactor.ActorMessage) (any, error) {
	ch := make(chan msgactor.Reply, 1)

	err := s.enqueue(pid, drr.Entry{
		ID:       s.nextMsgID.Add(1),
		Category: drr.CategoryNormal,
		Msg:      msg,
		ReplyTo:  ch,
	}, false)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestAll sends msg to every actor in pids and waits for all of their
// responses, which are returned in the order of pids. The first failure,
// either of sending or of a response, is returned and the remaining
// responses are not awaited.
func (s *System) RequestAll(ctx context.Context, pids []ifaces.PID, msg msgactor.ActorMessage) ([]any, error) {
	if len(pids) == 0 {
		return nil, nil
	}

	// every actor replies exactly once, so no reply ever blocks
	ch := make(chan msgactor.Reply, len(pids))
	pending := make(map[uint64]int, len(pids))

	for i, pid := range pids {
		id := s.nextMsgID.Add(1)
		err := s.enqueue(pid, drr.Entry{
			ID:       id,
			Category: drr.CategoryNormal,
			Msg:      msg,
			ReplyTo:  ch,
		}, false)
		if err != nil {
			return nil, fmt.Errorf("could not request actor %d: %w", pid, err)
		}
		pending[id] = i
	}

	results := make([]any, len(pids))
	for len(pending) > 0 {
		select {
		case r := <-ch:
			i, ok := pending[r.ID]
			if !ok {
				continue
			}
			delete(pending, r.ID)

			if r.Err != nil {
				return nil, fmt.Errorf("actor %d: %w", pids[i], r.Err)
			}
			results[i] = r.Value
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return results, nil
}

// Stop asks an actor to terminate with reason, ahead of its normal messages.
func (s *System) Stop(pid ifaces.PID, reason error) error {
	return s.enqueue(pid, drr.Entry{Category: drr.CategoryUrgent, Msg: &msgactor.Stop{Reason: reason}}, true)
}

// Watch makes watcher receive a msgactor.ActorTerminated once watched terminates.
func (s *System) Watch(watcher, watched ifaces.PID) error {
	if _, ok := s.Actor(watcher); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownActor, watcher)
	}

	a, ok := s.Actor(watched)
	if !ok || !a.addWatcher(watcher) {
		return fmt.Errorf("%w: %d", ErrUnknownActor, watched)
	}

	return nil
}

func (s *System) notify(pid ifaces.PID, msg msgactor.ActorMessage) error {
	return s.enqueue(pid, drr.Entry{Category: drr.CategoryUrgent, Msg: msg}, true)
}

// schedule hands a to the workers, unless it is already scheduled.
func (s *System) schedule(a *ScheduledActor) {
	if !a.scheduled.CompareAndSwap(false, true) {
		return
	}

	select {
	case s.ready <- a:
	default:
		// workers are saturated, do not block the sender
		go s.pushReady(a)
	}
}

func (s *System) pushReady(a *ScheduledActor) {
	select {
	case s.ready <- a:
	case <-s.ctx.Done():
	}
}

func (s *System) worker() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case a := <-s.ready:
			s.run(a)
		}
	}
}

func (s *System) run(a *ScheduledActor) {
	defer func() {
		if v := recover(); v != nil {
			s.panics.Add(1)
			L(a).Error("panicked", "panic", v)
			a.terminate(fmt.Errorf("%w: %v", ErrPanicked, v))
			a.behaviors.Cleanup()
			a.scheduled.Store(false)
		}
	}()

	a.Resume(s.maxThroughput)

	a.scheduled.Store(false)

	// messages that arrived while the flag was set are ours to schedule
	if !a.Terminated() && !a.mailbox.Empty() {
		s.schedule(a)
	}
}

// Wait blocks until all actors terminated.
func (s *System) Wait() {
	s.live.Wait()
}

// Shutdown stops all actors, waits for them to terminate, and stops the workers.
// Calling it again returns the result of the first call.
func (s *System) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})

	return s.shutdownErr
}

func (s *System) shutdown() error {
	for _, pid := range s.Actors() {
		// actors may terminate concurrently, so errors are expected
		_ = s.Stop(pid, nil)
	}

	s.Wait()
	s.ctxCan()

	err := s.eg.Wait()

	if s.admission != nil {
		if cerr := s.admission.Close(context.Background()); cerr != nil && err == nil {
			err = fmt.Errorf("could not close admission store: %w", cerr)
		}
	}

	slog.Debug("system stopped", "system", s.name)

	return err
}

// Stats is a snapshot of a System.
type Stats struct {
	Name       string       `bson:"name"`
	Workers    int          `bson:"workers"`
	Live       int          `bson:"live"`
	Spawned    uint64       `bson:"spawned"`
	Terminated uint64       `bson:"terminated"`
	Panics     uint64       `bson:"panics"`
	Actors     []ActorStats `bson:"actors"`
}

type ActorStats struct {
	PID     uint64              `bson:"pid"`
	Name    string              `bson:"name"`
	Handled uint64              `bson:"handled"`
	Mailbox []drr.CategoryStats `bson:"mailbox"`
}

func (s *System) Stats() Stats {
	st := Stats{
		Name:       s.name,
		Workers:    s.workers,
		Spawned:    s.spawned.Load(),
		Terminated: s.terminated.Load(),
		Panics:     s.panics.Load(),
	}

	for _, pid := range s.Actors() {
		a, ok := s.Actor(pid)
		if !ok {
			continue
		}

		st.Actors = append(st.Actors, ActorStats{
			PID:     uint64(pid),
			Name:    a.name,
			Handled: a.handled.Load(),
			Mailbox: a.mailbox.Stats(),
		})
	}
	st.Live = len(st.Actors)

	return st
}
