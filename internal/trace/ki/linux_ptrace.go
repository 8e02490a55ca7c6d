//go:build linux

package ki

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ptraceOptions is the option set applied to the root on its first stop so
// every descendant fork/vfork/clone/exec/exit stops the descendant and
// notifies the supervisor, matching the original's PTRACE_O_TRACEFORK |
// PTRACE_O_TRACEVFORK | PTRACE_O_TRACECLONE | PTRACE_O_TRACEEXEC |
// PTRACE_O_TRACEEXIT (original_source/zb/src/time_command.rs).
const ptraceOptions = unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT

// PtraceSource is the real Linux Source, backed by os/exec + manual
// syscall.Wait4, translating the original's nix::sys::ptrace +
// libc::wait4(..., libc::__WALL, ...) loop into Go idiom: the child sets
// SysProcAttr.Ptrace (equivalent to ptrace::traceme() before execvp), and
// this type drives the resulting wait4/PTRACE_EVENT_* dispatch by hand
// because os/exec.Cmd.Wait cannot be used once ptrace is in play.
type PtraceSource struct {
	rootPid    int
	optionsSet bool
	pending    map[int][]Event // replay buffer keyed by not-yet-announced pid
	knownPids  map[int]bool
	liveCount  int
}

// NewPtraceSource returns an unstarted Linux ptrace backend.
func NewPtraceSource() *PtraceSource {
	return &PtraceSource{
		pending:   make(map[int][]Event),
		knownPids: make(map[int]bool),
	}
}

var _ Source = (*PtraceSource)(nil)

// Spawn forks argv[0] with SysProcAttr.Ptrace set (the traceme-then-execvp
// idiom), waits for its initial SIGTRAP stop, and applies ptraceOptions.
func (p *PtraceSource) Spawn(argv []string, env []string, dir string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("%w: empty argv", ErrSpawnFailed)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Args = argv
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	p.rootPid = cmd.Process.Pid

	// The child has called PTRACE_TRACEME, so it stops with SIGTRAP once
	// its execve succeeds. Spawn consumes that stop itself; no
	// NewDescendant is reported for the root (the engine inserts it
	// directly). Because that exec precedes ptraceOptions, no
	// PTRACE_EVENT_EXEC follows for it, so a ProgramReplaced event for the
	// root is queued below and the caller reads its argv like any other.
	var status unix.WaitStatus
	_, err = unix.Wait4(p.rootPid, &status, 0, nil)
	if err != nil {
		return 0, describeAttachRefusal(fmt.Errorf("initial wait4: %w", err))
	}
	if !status.Stopped() {
		return 0, describeAttachRefusal(fmt.Errorf("unexpected initial status %v", status))
	}

	if err := unix.PtraceSetOptions(p.rootPid, ptraceOptions); err != nil {
		return 0, describeAttachRefusal(fmt.Errorf("setoptions: %w", err))
	}
	p.optionsSet = true
	p.knownPids[p.rootPid] = true
	p.liveCount = 1
	p.pending[p.rootPid] = []Event{{Kind: ProgramReplaced, Pid: p.rootPid}}

	if err := unix.PtraceCont(p.rootPid, 0); err != nil {
		return 0, describeAttachRefusal(fmt.Errorf("initial cont: %w", err))
	}

	return p.rootPid, nil
}

// NextEvent runs the wait4/PTRACE_EVENT_* dispatch, translating kernel
// notifications into Events. It loops internally (rather than recursing)
// whenever the kernel's own delivery order would otherwise surface an
// event for a pid before that pid's NewDescendant — the race the spec's
// "buffer until ordering is established" contract describes.
// pollInterval is the sleep between WNOHANG polls while waiting for an
// event within NextEvent's timeout. wait4 has no native timeout, so this
// source polls rather than blocking indefinitely, which is what lets the
// engine's grace-period deadline (spec.md §5) actually get checked when
// a descendant ignores the forwarded termination signal.
const pollInterval = 10 * time.Millisecond

func (p *PtraceSource) NextEvent(timeout time.Duration) (Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		if ev, ok := p.drainPending(); ok {
			return ev, nil
		}

		if p.liveCount <= 0 {
			return Event{}, ErrEmpty
		}

		var status unix.WaitStatus
		var rusage unix.Rusage
		pid, err := unix.Wait4(-1, &status, unix.WALL|unix.WNOHANG, &rusage)
		if err != nil {
			if err == unix.ECHILD {
				p.liveCount = 0
				return Event{}, ErrEmpty
			}
			return Event{}, fmt.Errorf("ki: wait4: %w", err)
		}
		if pid == 0 {
			if time.Now().After(deadline) {
				return Event{}, ErrTimeout
			}
			time.Sleep(pollInterval)
			continue
		}

		ev, announced, err := p.dispatch(pid, status)
		if err != nil {
			return Event{}, err
		}
		if !announced {
			// dispatch buffered ev for replay once its pid becomes known.
			continue
		}
		return ev, nil
	}
}

// drainPending returns one buffered event whose subject pid has since
// become known (its NewDescendant was already returned to the caller).
func (p *PtraceSource) drainPending() (Event, bool) {
	for pid, evs := range p.pending {
		if !p.knownPids[pid] {
			continue
		}
		ev := evs[0]
		if len(evs) == 1 {
			delete(p.pending, pid)
		} else {
			p.pending[pid] = evs[1:]
		}
		return ev, true
	}
	return Event{}, false
}

// dispatch turns one wait4 result into an Event. The returned bool is
// false when the event concerns a pid this source has not yet announced
// via NewDescendant — the caller buffers it and loops rather than
// returning it early, preserving the "NewDescendant strictly precedes any
// other event for that child" contract.
func (p *PtraceSource) dispatch(pid int, status unix.WaitStatus) (Event, bool, error) {
	switch {
	case status.Exited():
		p.liveCount--
		ev, announced, err := p.announceOrBuffer(pid, Event{Kind: Exited, Pid: pid, Status: status.ExitStatus()})
		delete(p.knownPids, pid)
		return ev, announced, err

	case status.Signaled():
		p.liveCount--
		ev, announced, err := p.announceOrBuffer(pid, Event{Kind: Exited, Pid: pid, Status: -int(status.Signal())})
		delete(p.knownPids, pid)
		return ev, announced, err

	case status.Stopped():
		sig := status.StopSignal()
		trap := status.TrapCause()

		if sig == unix.SIGTRAP && trap >= 0 {
			return p.dispatchPtraceEvent(pid, trap)
		}

		if !p.optionsSet {
			// First stop before Spawn finished applying options: should
			// not happen given Spawn's own wait4, but handled defensively.
			_ = unix.PtraceSetOptions(pid, ptraceOptions)
			p.optionsSet = true
		}

		contSig := int(sig)
		if sig == unix.SIGSTOP || sig == unix.SIGTRAP {
			contSig = 0
		}
		_ = p.continueWithSignal(pid, contSig)
		return p.announceOrBuffer(pid, Event{Kind: Stopped, Pid: pid, StopReason: fmt.Sprintf("signal %d", sig)})

	default:
		return Event{}, false, fmt.Errorf("ki: unexpected wait status %v for pid %d", status, pid)
	}
}

// announceOrBuffer returns ev immediately if pid is already known
// (NewDescendant for it was already delivered), else queues ev for
// replay and reports "not announced" so NextEvent keeps looping.
func (p *PtraceSource) announceOrBuffer(pid int, ev Event) (Event, bool, error) {
	if pid == p.rootPid || p.knownPids[pid] {
		return ev, true, nil
	}
	p.pending[pid] = append(p.pending[pid], ev)
	return Event{}, false, nil
}

func (p *PtraceSource) dispatchPtraceEvent(pid int, trap int) (Event, bool, error) {
	eventData, gerr := unix.PtraceGetEventMsg(pid)
	_ = p.continueWithSignal(pid, 0)

	switch trap {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		if gerr != nil {
			return Event{}, false, fmt.Errorf("ki: ptrace geteventmsg (fork) pid=%d: %w", pid, gerr)
		}
		childPid := int(eventData)
		p.knownPids[childPid] = true
		p.liveCount++
		return Event{Kind: NewDescendant, ParentPid: pid, ChildPid: childPid}, true, nil

	case unix.PTRACE_EVENT_EXEC:
		return p.announceOrBuffer(pid, Event{Kind: ProgramReplaced, Pid: pid})

	case unix.PTRACE_EVENT_EXIT:
		if gerr != nil {
			return Event{}, false, fmt.Errorf("ki: ptrace geteventmsg (exit) pid=%d: %w", pid, gerr)
		}
		return p.announceOrBuffer(pid, Event{Kind: Stopped, Pid: pid, StopReason: "PTRACE_EVENT_EXIT"})

	case unix.PTRACE_EVENT_VFORK_DONE:
		return p.announceOrBuffer(pid, Event{Kind: Stopped, Pid: pid, StopReason: "PTRACE_EVENT_VFORK_DONE"})

	default:
		return Event{}, false, fmt.Errorf("ki: unhandled ptrace event %d for pid %d", trap, pid)
	}
}

func (p *PtraceSource) continueWithSignal(pid, sig int) error {
	err := unix.PtraceCont(pid, sig)
	if err != nil && err != unix.ESRCH {
		return fmt.Errorf("ki: cont pid=%d: %w", pid, err)
	}
	return nil
}

// ReadArgv reads /proc/<pid>/cmdline, the same surface the original reads
// in its PTRACE_EVENT_EXEC handler (std::fs::read_to_string of
// /proc/{}/cmdline, split on NUL).
func (p *PtraceSource) ReadArgv(pid int) ([]string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, fmt.Errorf("ki: read argv pid=%d: %w", pid, err)
	}
	parts := strings.Split(strings.TrimRight(string(b), "\x00"), "\x00")
	if len(parts) == 1 && parts[0] == "" {
		return nil, nil
	}
	return parts, nil
}

// Continue releases a stopped pid. ESRCH (already exited) is not an error.
func (p *PtraceSource) Continue(pid int) error {
	return p.continueWithSignal(pid, 0)
}

// Signal forwards sig to pid via kill(2).
func (p *PtraceSource) Signal(pid int, sig int) error {
	if err := unix.Kill(pid, syscall.Signal(sig)); err != nil && err != unix.ESRCH {
		return fmt.Errorf("ki: signal pid=%d: %w", pid, err)
	}
	return nil
}

// Close is a no-op: by the time the subtree is empty every child has
// already been reaped by wait4.
func (p *PtraceSource) Close() error { return nil }
