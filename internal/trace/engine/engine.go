// Package engine implements the Event Loop (EL): it drives a ki.Source,
// maintains an internal/trace/table.Table, invokes a counters.Sampler at
// the two significant edges (NewDescendant and Exited, plus every
// ProgramReplaced), and terminates once the subtree is empty.
//
// Grounded on original_source/zb/src/time_command.rs's wait4 dispatch
// loop, generalized from a direct libc::wait4 call to the ki.Source
// abstraction so the same dispatch code drives both the real ptrace
// backend and tests' scripted ki.FakeSource.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zb-build/zb/internal/trace/counters"
	"github.com/zb-build/zb/internal/trace/ki"
	"github.com/zb-build/zb/internal/trace/table"
)

// ErrOrderingViolation is fatal: a NewDescendant named a pid that already
// has a live record, which KI's replay buffering should have prevented.
// A child whose parent was never observed is not fatal; the table keeps
// it as an orphan root.
var ErrOrderingViolation = errors.New("engine: event ordering could not be resolved")

// DefaultGracePeriod is the default interval between forwarding a
// termination signal to the root and detaching from survivors, per
// spec.md §5's "bounded by a configurable grace period (default: 30s)".
const DefaultGracePeriod = 30 * time.Second

// Result is what Run returns: the sealed table plus how the run ended.
type Result struct {
	Table *table.Table
	// RootExitStatus mirrors ProcessRecord.ExitStatus's encoding: a
	// non-negative exit code, or -signal for termination by signal.
	RootExitStatus int
	// Incomplete is true when the grace period expired and the engine
	// detached from surviving descendants rather than draining them,
	// per spec.md §5.
	Incomplete bool
}

// Engine owns one run of the tracing loop.
type Engine struct {
	src         ki.Source
	sampler     counters.Sampler
	log         *slog.Logger
	gracePeriod time.Duration
	now         func() time.Duration
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) { e.gracePeriod = d }
}

// WithLogger overrides the default slog.Logger (slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the wall-clock-offset function, for deterministic
// tests. The default measures real elapsed time since New was called.
func WithClock(now func() time.Duration) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine over src (real ptrace or a ki.FakeSource) and
// sampler (real /proc sampler or a scripted fake).
func New(src ki.Source, sampler counters.Sampler, opts ...Option) *Engine {
	start := time.Now()
	e := &Engine{
		src:         src,
		sampler:     sampler,
		log:         slog.Default(),
		gracePeriod: DefaultGracePeriod,
		now:         func() time.Duration { return time.Since(start) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run spawns argv as the root command and drives the event loop to
// completion. ctx governs only startup (e.g. a caller-imposed timeout
// before the root is even spawned); once the subtree exists, cancellation
// is via OS signals per spec.md §5, not ctx.
func (e *Engine) Run(ctx context.Context, argv, env []string, dir string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rootPid, err := e.src.Spawn(argv, env, dir)
	if err != nil {
		return nil, err
	}

	pt := table.New()
	if _, err := pt.Insert(rootPid, 0, e.now()); err != nil {
		return nil, fmt.Errorf("engine: insert root: %w", err)
	}
	root, _ := pt.Live(rootPid)
	root.CountersInitial = e.sampler.Sample(rootPid)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	terminating := make(chan struct{})
	var grace time.Time

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case sig := <-sigCh:
				e.log.Warn("caught termination signal, forwarding to root", "signal", sig)
				_ = e.src.Signal(rootPid, int(sig.(syscall.Signal)))
				select {
				case <-terminating:
				default:
					close(terminating)
				}
			}
		}
	})

	var result *Result
	g.Go(func() error {
		defer cancel() // wake the signal-watcher goroutine once draining ends
		defer func() {
			select {
			case <-terminating:
			default:
				close(terminating)
			}
		}()
		r, err := e.drain(pt, rootPid, terminating, &grace)
		result = r
		return err
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return result, runErr
	}
	return result, nil
}

// drain runs the main dispatch loop (spec.md §4.4's numbered steps) until
// PT.LiveCount reaches zero, or the grace period expires after a
// termination signal was forwarded.
func (e *Engine) drain(pt *table.Table, rootPid int, terminating <-chan struct{}, grace *time.Time) (*Result, error) {
	var rootExit int
	gracing := false

	for pt.LiveCount() > 0 {
		if !gracing {
			select {
			case <-terminating:
				gracing = true
				deadline := time.Now().Add(e.gracePeriod)
				*grace = deadline
			default:
			}
		}
		if gracing && time.Now().After(*grace) {
			e.log.Error("grace period expired; some descendants may still be running")
			return &Result{Table: pt, RootExitStatus: rootExit, Incomplete: true}, nil
		}

		ev, err := e.src.NextEvent(200 * time.Millisecond)
		if err != nil {
			if errors.Is(err, ki.ErrEmpty) {
				break
			}
			if errors.Is(err, ki.ErrTimeout) {
				continue
			}
			return &Result{Table: pt, RootExitStatus: rootExit}, err
		}

		done, exitStatus, err := e.handle(pt, ev)
		if err != nil {
			return &Result{Table: pt, RootExitStatus: rootExit}, err
		}
		if done && ev.Pid == rootPid {
			rootExit = exitStatus
		}
	}

	return &Result{Table: pt, RootExitStatus: rootExit}, nil
}

// handle applies one ki.Event to pt per the state table in spec.md §4.4.
// Returns (sealed, exitStatus, err); sealed is true only for Exited.
func (e *Engine) handle(pt *table.Table, ev ki.Event) (bool, int, error) {
	switch ev.Kind {
	case ki.NewDescendant:
		now := e.now()
		rec, err := pt.Insert(ev.ChildPid, ev.ParentPid, now)
		if err != nil {
			// A NewDescendant for a pid that already has a live record
			// is an ordering violation KI's replay buffering is supposed
			// to prevent (spec.md §4.4's fatal-conditions list).
			return false, 0, fmt.Errorf("%w: %v", ErrOrderingViolation, err)
		}
		pt.AttachToParent(rec)
		rec.CountersInitial = e.sampler.Sample(ev.ChildPid)
		if err := e.src.Continue(ev.ChildPid); err != nil {
			e.log.Debug("continue after NewDescendant failed", "pid", ev.ChildPid, "err", err)
		}
		return false, 0, nil

	case ki.ProgramReplaced:
		rec, ok := pt.Live(ev.Pid)
		if !ok {
			// A parent we haven't observed yet; KI's replay buffering is
			// supposed to prevent this, but degrade rather than crash.
			e.log.Warn("ProgramReplaced for unknown live pid", "pid", ev.Pid)
			return false, 0, nil
		}
		argv, err := e.src.ReadArgv(ev.Pid)
		if err != nil {
			e.log.Debug("read argv failed", "pid", ev.Pid, "err", err)
		} else {
			rec.Argv = argv
		}
		// Reset counters_initial so this program's costs are not
		// misattributed to a prior exec in the same pid (spec.md §9).
		rec.CountersInitial = e.sampler.Sample(ev.Pid)
		if err := e.src.Continue(ev.Pid); err != nil {
			e.log.Debug("continue after ProgramReplaced failed", "pid", ev.Pid, "err", err)
		}
		return false, 0, nil

	case ki.Stopped:
		if _, ok := pt.Live(ev.Pid); ok {
			if snap := e.sampler.Sample(ev.Pid); snap.Threads.IsKnown() {
				if threads, _ := snap.Threads.Value(); threads > 0 {
					pt.RecordThreadHighWater(ev.Pid, threads)
				}
			}
		}
		if err := e.src.Continue(ev.Pid); err != nil {
			e.log.Debug("continue after Stopped failed", "pid", ev.Pid, "err", err)
		}
		return false, 0, nil

	case ki.Exited:
		final := e.sampler.Sample(ev.Pid) // must sample before Seal: counters vanish once reaped
		now := e.now()
		if err := pt.Seal(ev.Pid, now, ev.Status, final); err != nil {
			if errors.Is(err, table.ErrUnknownPid) {
				e.log.Warn("Exited for unknown pid", "pid", ev.Pid)
				return false, 0, nil
			}
			return false, 0, fmt.Errorf("engine: seal pid=%d: %w", ev.Pid, err)
		}
		return true, ev.Status, nil

	default:
		return false, 0, fmt.Errorf("engine: unhandled event kind %v", ev.Kind)
	}
}
