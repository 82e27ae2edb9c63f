package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/actorcore/actors"
	"github.com/edup2p/actorcore/types"
	"github.com/edup2p/actorcore/types/ifaces"
	"github.com/edup2p/actorcore/types/msgactor"
	"github.com/edup2p/actorcore/types/queue"
	"github.com/edup2p/actorcore/types/stream"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	workers    = flag.Int("workers", actors.DefaultWorkers, "amount of scheduler workers")
	throughput = flag.Int("throughput", actors.DefaultMaxThroughput, "messages an actor handles per turn")
	admission  = flag.Uint64("admission", 0, "messages every actor accepts per second, 0 for unlimited")

	sys *actors.System
)

const requestTimeout = 5 * time.Second

func main() {
	flag.Parse()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel, AddSource: true})
	slog.SetDefault(slog.New(h))
	programLevel.Set(slog.LevelDebug)

	opts := actors.Options{
		Name:          "actorsh",
		Workers:       gonull.NewNullable(*workers),
		MaxThroughput: gonull.NewNullable(*throughput),
	}
	if *admission > 0 {
		opts.AdmissionTokens = gonull.NewNullable(*admission)
	}

	var err error
	sys, err = actors.NewSystem(context.Background(), opts)
	if err != nil {
		slog.Error("could not start actor system", "err", err)
		os.Exit(1)
	}

	shell := ishell.New()

	shell.SetHomeHistoryPath(".actorsh_history")

	shell.Println("Actor Runtime Interactive Shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	})

	shell.AddCmd(spawnCmd())
	shell.AddCmd(lsCmd())
	shell.AddCmd(sendCmd("send", "send a message to an actor", sys.Send))
	shell.AddCmd(sendCmd("urgent", "send an urgent message to an actor", sys.SendUrgent))
	shell.AddCmd(askCmd())
	shell.AddCmd(askAllCmd())
	shell.AddCmd(becomeCmd())
	shell.AddCmd(unbecomeCmd())
	shell.AddCmd(stopCmd())
	shell.AddCmd(watchCmd())
	shell.AddCmd(streamCmd())
	shell.AddCmd(queueCmd())
	shell.AddCmd(statsCmd())

	shell.Run()

	if err := sys.Shutdown(); err != nil {
		slog.Error("could not shut down actor system", "err", err)
		os.Exit(1)
	}
}

func parsePID(s string) (ifaces.PID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", s, err)
	}
	return ifaces.PID(n), nil
}

func parseInt(c *ishell.Context, i int, what string) (int, bool) {
	if len(c.Args) <= i {
		c.Err(fmt.Errorf("missing %s", what))
		return 0, false
	}

	n, err := strconv.Atoi(c.Args[i])
	if err != nil {
		c.Err(fmt.Errorf("invalid %s: %w", what, err))
		return 0, false
	}

	return n, true
}

// pidAndText parses "<pid> <text...>".
func pidAndText(c *ishell.Context) (ifaces.PID, string, bool) {
	if len(c.Args) < 1 {
		c.Err(errors.New("usage: <pid> [text...]"))
		return 0, "", false
	}

	pid, err := parsePID(c.Args[0])
	if err != nil {
		c.Err(err)
		return 0, "", false
	}

	return pid, strings.Join(c.Args[1:], " "), true
}

// demoBehaviors are registered on every spawned actor, the first is active.
func demoBehaviors() []actors.Behavior {
	count := 0

	return []actors.Behavior{
		actors.NewBehavior("echo", func(a *actors.ScheduledActor, msg msgactor.ActorMessage) error {
			actors.L(a).Info("echo", "msg", msg)
			a.Respond(msg)
			return nil
		}),
		actors.NewBehavior("shout", func(a *actors.ScheduledActor, msg msgactor.ActorMessage) error {
			s, ok := msg.(string)
			if !ok {
				return actors.ErrUnhandled
			}
			actors.L(a).Info("shout", "msg", strings.ToUpper(s))
			a.Respond(strings.ToUpper(s))
			return nil
		}),
		actors.NewBehavior("count", func(a *actors.ScheduledActor, msg msgactor.ActorMessage) error {
			count++
			a.Respond(count)
			return nil
		}),
		actors.NewBehavior("quit", func(a *actors.ScheduledActor, msg msgactor.ActorMessage) error {
			actors.L(a).Info("quitting", "msg", msg)
			return actors.ErrTerminate
		}),
	}
}

func spawnCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "spawn",
		Help: "spawn an actor with behaviors echo, shout, count and quit: spawn [name]",
		Func: func(c *ishell.Context) {
			name := "demo"
			if len(c.Args) > 0 {
				name = c.Args[0]
			}

			a, err := sys.Spawn(name, demoBehaviors()...)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("spawned", name, "with pid", a.PID())
		},
	}
}

func lsCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "ls",
		Help: "list live actors",
		Func: func(c *ishell.Context) {
			for _, pid := range sys.Actors() {
				a, ok := sys.Actor(pid)
				if !ok {
					continue
				}
				c.Printf("%d\t%s\t%d queued\n", pid, a.Name(), a.Mailbox().Len())
			}
		},
	}
}

func sendCmd(name, help string, send func(ifaces.PID, msgactor.ActorMessage) error) *ishell.Cmd {
	return &ishell.Cmd{
		Name: name,
		Help: help + ": " + name + " <pid> <text...>",
		Func: func(c *ishell.Context) {
			pid, text, ok := pidAndText(c)
			if !ok {
				return
			}

			if err := send(pid, text); err != nil {
				c.Err(err)
			}
		},
	}
}

func askCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "ask",
		Help: "send a request and wait for the response: ask <pid> <text...>",
		Func: func(c *ishell.Context) {
			pid, text, ok := pidAndText(c)
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			v, err := sys.Request(ctx, pid, text)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("response:", v)
		},
	}
}

func askAllCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "askall",
		Help: "send a request to several actors and wait for all responses: askall <pid,pid,...> <text...>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(errors.New("usage: askall <pid,pid,...> [text...]"))
				return
			}

			var pids []ifaces.PID
			for _, s := range strings.Split(c.Args[0], ",") {
				pid, err := parsePID(s)
				if err != nil {
					c.Err(err)
					return
				}
				pids = append(pids, pid)
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			vs, err := sys.RequestAll(ctx, pids, strings.Join(c.Args[1:], " "))
			if err != nil {
				c.Err(err)
				return
			}

			for i, v := range vs {
				c.Printf("%d: %v\n", pids[i], v)
			}
		},
	}
}

func becomeCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "become",
		Help: "switch the behavior of an actor: become <pid> <behavior> [discard]",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: become <pid> <behavior> [discard]"))
				return
			}

			pid, err := parsePID(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			msg := &msgactor.Become{
				Name:    c.Args[1],
				Discard: len(c.Args) > 2 && c.Args[2] == "discard",
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			if _, err := sys.Request(ctx, pid, msg); err != nil && !errors.Is(err, actors.ErrNoReply) {
				c.Err(err)
			}
		},
	}
}

func unbecomeCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "unbecome",
		Help: "return to the previous behavior of an actor: unbecome <pid>",
		Func: func(c *ishell.Context) {
			pid, _, ok := pidAndText(c)
			if !ok {
				return
			}

			if err := sys.Send(pid, &msgactor.Unbecome{}); err != nil {
				c.Err(err)
			}
		},
	}
}

func stopCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "stop",
		Help: "stop an actor: stop <pid> [reason...]",
		Func: func(c *ishell.Context) {
			pid, text, ok := pidAndText(c)
			if !ok {
				return
			}

			var reason error
			if text != "" {
				reason = errors.New(text)
			}

			if err := sys.Stop(pid, reason); err != nil {
				c.Err(err)
			}
		},
	}
}

func watchCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "watch",
		Help: "notify an actor once another terminates: watch <watcher> <watched>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: watch <watcher> <watched>"))
				return
			}

			watcher, err := parsePID(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			watched, err := parsePID(c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}

			if err := sys.Watch(watcher, watched); err != nil {
				c.Err(err)
			}
		},
	}
}

// counter generates the integers below limit.
type counter struct {
	next, limit int
}

func streamCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "stream",
		Help: "stream integers from a source actor to a sink actor: stream <items> <window>",
		Func: func(c *ishell.Context) {
			items, ok := parseInt(c, 0, "items")
			if !ok {
				return
			}
			window, ok := parseInt(c, 1, "window")
			if !ok {
				return
			}

			start := time.Now()

			source := actors.NewSourceBehavior("source", stream.Driver[counter, any]{
				Init: func(s *counter) {
					s.limit = items
				},
				Pull: func(s *counter, out *[]any, hint int) error {
					for i := 0; i < hint && s.next < s.limit; i++ {
						*out = append(*out, s.next)
						s.next++
					}
					return nil
				},
				Done: func(s *counter) bool {
					return s.next >= s.limit
				},
				Finalize: func(s *counter, err error) {
					slog.Info("source finalized", "generated", s.next, "err", err)
				},
			})

			sum := 0
			sink := actors.NewSinkBehavior("sink", window, func(item any) error {
				sum += item.(int)
				return nil
			}, func(err error) {
				slog.Info("sink finalized", "sum", sum, "took", time.Since(start), "err", err)
			})

			src, err := sys.Spawn("source", source)
			if err != nil {
				c.Err(err)
				return
			}

			dst, err := sys.Spawn("sink", sink)
			if err != nil {
				c.Err(err)
				_ = sys.Stop(src.PID(), err)
				return
			}

			if err := sys.Send(src.PID(), &msgactor.AttachSink{Sink: uint64(dst.PID())}); err != nil {
				c.Err(err)
				return
			}

			c.Println("streaming from", src.PID(), "to", dst.PID())
		},
	}
}

func queueCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "queue",
		Help: "run a producer and consumer over a bounded queue: queue <capacity> <items>",
		Func: func(c *ishell.Context) {
			capacity, ok := parseInt(c, 0, "capacity")
			if !ok {
				return
			}
			items, ok := parseInt(c, 1, "items")
			if !ok {
				return
			}
			if capacity < 1 {
				c.Err(errors.New("capacity must be positive"))
				return
			}

			q := queue.New[int](capacity)

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			go func() {
				for i := 0; i < items; i++ {
					if err := q.PushEventually(ctx, i); err != nil {
						slog.Warn("producer stopped", "err", err)
						return
					}
				}
			}()

			var got []int
			for len(got) < items {
				v, err := q.PopEventually(ctx)
				if err != nil {
					c.Err(err)
					break
				}
				got = append(got, v)
			}

			q.Abort(nil)

			c.Println("consumed", len(got), "items:", got)
		},
	}
}

func statsCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "stats",
		Help: "print system statistics as extended json",
		Func: func(c *ishell.Context) {
			b, err := bson.MarshalExtJSON(sys.Stats(), false, false)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println(string(b))
		},
	}
}
