package ki

import (
	"fmt"
	"time"
)

// FakeSource is a scripted, deterministic Source used by
// internal/trace/engine tests so scenario tests never spawn a real child —
// the "deterministic in-memory KI stub" design note of spec.md §9.
type FakeSource struct {
	script    []Event
	pos       int
	argv      map[int][]string
	continued []int
	signaled  []FakeSignal
	rootArgv  []string
	spawnErr  error
	rootPid   int
}

// FakeSignal records one Signal call observed by a FakeSource.
type FakeSignal struct {
	Pid int
	Sig int
}

// NewFakeSource builds a Source that replays script verbatim, in order,
// from NextEvent, and serves argv lookups from argv.
func NewFakeSource(rootPid int, script []Event, argv map[int][]string) *FakeSource {
	return &FakeSource{
		script:  script,
		argv:    argv,
		rootPid: rootPid,
	}
}

var _ Source = (*FakeSource)(nil)

// WithSpawnError makes Spawn fail, for exercising KI.ErrSpawnFailed /
// ErrAttachRefused propagation without a real kernel.
func (f *FakeSource) WithSpawnError(err error) *FakeSource {
	f.spawnErr = err
	return f
}

func (f *FakeSource) Spawn(argv []string, env []string, dir string) (int, error) {
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.rootArgv = argv
	return f.rootPid, nil
}

func (f *FakeSource) NextEvent(timeout time.Duration) (Event, error) {
	if f.pos >= len(f.script) {
		return Event{}, ErrEmpty
	}
	ev := f.script[f.pos]
	f.pos++
	return ev, nil
}

func (f *FakeSource) ReadArgv(pid int) ([]string, error) {
	if v, ok := f.argv[pid]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("ki: fake source has no argv for pid %d", pid)
}

func (f *FakeSource) Continue(pid int) error {
	f.continued = append(f.continued, pid)
	return nil
}

func (f *FakeSource) Signal(pid int, sig int) error {
	f.signaled = append(f.signaled, FakeSignal{Pid: pid, Sig: sig})
	return nil
}

func (f *FakeSource) Close() error { return nil }

// Continued returns every pid passed to Continue, in call order — used by
// tests asserting the engine continues every Stopped event.
func (f *FakeSource) Continued() []int { return f.continued }

// Signaled returns every (pid, signal) pair passed to Signal, in order.
func (f *FakeSource) Signaled() []FakeSignal { return f.signaled }
