// Package ki implements the Kernel Interface (KI): a thin, platform-facing
// event stream over the host's process-tracing primitives. The event loop
// never touches ptrace (or any other kernel surface) directly — it only
// sees the Source interface defined here, which is grounded on
// original_source/zb/src/time_command.rs's wait4 dispatch translated into
// Go idiom (the Linux backend lives in linux_ptrace.go).
package ki

import (
	"errors"
	"time"
)

// ErrAttachRefused is returned by Spawn when the kernel denies trace
// attachment (permission, Yama ptrace_scope, missing capability).
var ErrAttachRefused = errors.New("ki: kernel refused trace attachment")

// ErrSpawnFailed is returned by Spawn when the root command itself could
// not be created (missing binary, exec permission, bad cwd).
var ErrSpawnFailed = errors.New("ki: failed to spawn root command")

// ErrEmpty is returned by NextEvent when no traced descendant remains.
var ErrEmpty = errors.New("ki: no traced descendants remain")

// ErrTimeout is returned by NextEvent when the timeout elapses with no
// event available.
var ErrTimeout = errors.New("ki: timed out waiting for an event")

// EventKind discriminates the Event union described in spec.md §4.1.
type EventKind int

const (
	// NewDescendant reports a fork/vfork/clone: ParentPid produced
	// ChildPid, which is stopped pending Continue.
	NewDescendant EventKind = iota
	// ProgramReplaced reports that Pid has successfully execed; argv is
	// now readable via ReadArgv.
	ProgramReplaced
	// Stopped reports a stop the engine does not act on (signal
	// delivery, group stop). Must be transparently continued.
	Stopped
	// Exited reports process termination. Status encodes a non-negative
	// exit code, or a negative sentinel for termination by signal
	// (matching ProcessRecord.ExitStatus's encoding, spec.md §3).
	Exited
)

func (k EventKind) String() string {
	switch k {
	case NewDescendant:
		return "NewDescendant"
	case ProgramReplaced:
		return "ProgramReplaced"
	case Stopped:
		return "Stopped"
	case Exited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Event is one notification from the traced subtree.
type Event struct {
	Kind EventKind

	// Pid is the subject process for ProgramReplaced, Stopped, and
	// Exited. For NewDescendant it is unset; use ChildPid instead.
	Pid int

	// ParentPid/ChildPid are set only for NewDescendant.
	ParentPid int
	ChildPid  int

	// Status is set only for Exited: a non-negative value is an exit
	// code, a negative value is -signal.
	Status int

	// StopReason is a human-readable description of a Stopped event's
	// cause, used only for diagnostics (e.g. "signal 19: SIGSTOP").
	StopReason string
}

// Source is the platform-facing half of KI. The event-loop package is
// tested entirely against a scripted fake Source (internal/trace/ki/fake.go)
// so no scenario test spawns a real child, per spec.md §9's CI requirement;
// only the Linux backend's own tests touch the real kernel.
type Source interface {
	// Spawn creates argv[0] with argv as its arguments, applies the
	// kernel's "trace every descendant fork/clone/vfork/exec/exit"
	// option set, and releases it. Returns the root pid.
	Spawn(argv []string, env []string, dir string) (rootPid int, err error)

	// NextEvent waits until a traced descendant delivers an event, the
	// subtree is empty (ErrEmpty), or timeout elapses with nothing to
	// report (ErrTimeout) — the event loop relies on the timeout path to
	// re-check its grace-period deadline even while every descendant is
	// otherwise silent.
	NextEvent(timeout time.Duration) (Event, error)

	// ReadArgv reads pid's current argument vector.
	ReadArgv(pid int) ([]string, error)

	// Continue releases a stopped process. Idempotent against the race
	// where the process has already exited.
	Continue(pid int) error

	// Signal forwards an OS signal to pid (used by the event loop's
	// grace-period cancellation, spec.md §5).
	Signal(pid int, sig int) error

	// Close releases any resources (real backends: none needed, since
	// wait4 has already reaped everything by the time the subtree is
	// empty; fake backends: nothing).
	Close() error
}
