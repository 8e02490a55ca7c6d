// Package table implements the Process Table (PT): the in-memory map from
// kernel pid to ProcessRecord, the parent/child edges that form the
// subtree, and the monotonic display-index assignment.
//
// Grounded on original_source/zb/src/thread_tracker.rs's ThreadTracker
// (ordinal assignment, parent binding, grandparent rebinding on the
// exec-before-spawn race) and thread_monitor.rs's finally(), which walks
// "processes without a parent" and prints each as its own top-level tree
// rather than folding them under a single synthetic root.
//
// Table is not safe for concurrent use: per spec.md §5, all mutation
// happens on the event-loop goroutine and no locking is required.
package table

import (
	"errors"
	"fmt"
	"time"

	"github.com/zb-build/zb/internal/trace/counters"
)

// ErrAlreadyLive is returned by Insert when pid already names a live record.
var ErrAlreadyLive = errors.New("table: pid already has a live record")

// ErrUnknownPid is returned by Seal when pid has no live record.
var ErrUnknownPid = errors.New("table: no live record for pid")

// ProcessRecord is one observed process instance, per spec.md §3.
type ProcessRecord struct {
	Pid          int
	Ppid         int
	DisplayIndex int
	StartWall    time.Duration
	EndWall      time.Duration

	Argv       []string
	ExitStatus int

	CountersInitial counters.Snapshot
	CountersFinal   counters.Snapshot

	Children             []int
	MaxConcurrentThreads int64

	sealed bool
}

// Sealed reports whether the record is immutable (exit has been observed).
func (r *ProcessRecord) Sealed() bool { return r.sealed }

// Table holds every ProcessRecord observed this run, live or sealed.
type Table struct {
	records   map[int]*ProcessRecord
	liveByPid map[int]*ProcessRecord
	order     []*ProcessRecord // records in first-observation (display-index) order
	nextIndex int

	// OrphanWarnings accumulates a postcondition warning, per spec.md
	// §4.3, for every child whose real parent was never observed.
	OrphanWarnings []string

	// orphanPids holds, in first-observation order, the pids of records
	// that became their own orphan root rather than being linked into
	// the main tree.
	orphanPids []int
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		records:   make(map[int]*ProcessRecord),
		liveByPid: make(map[int]*ProcessRecord),
		nextIndex: 1,
	}
}

// Insert creates a new live record for pid, observed at wall-clock offset
// now with parent ppid. Fails if pid already maps to a live record — spec
// treats pid reuse after exit as a new record, but never two live records
// for the same pid at once.
func (t *Table) Insert(pid, ppid int, now time.Duration) (*ProcessRecord, error) {
	if _, live := t.liveByPid[pid]; live {
		return nil, fmt.Errorf("%w: pid=%d", ErrAlreadyLive, pid)
	}
	rec := &ProcessRecord{
		Pid:          pid,
		Ppid:         ppid,
		DisplayIndex: t.nextIndex,
		StartWall:    now,
	}
	t.nextIndex++
	t.records[pid] = rec
	t.liveByPid[pid] = rec
	t.order = append(t.order, rec)
	return rec, nil
}

// AttachToParent appends child to its parent's Children list, in
// first-observation order. If the parent is not a known record (possible
// under a permitted platform race), child becomes its own orphan root
// instead of being linked into the main tree, and a postcondition
// warning is recorded. Orphans are retrieved with Orphans and reported
// as separate top-level trees, never silently dropped.
func (t *Table) AttachToParent(child *ProcessRecord) {
	parent, ok := t.records[child.Ppid]
	if !ok {
		for _, pid := range t.orphanPids {
			if pid == child.Pid {
				return
			}
		}
		t.OrphanWarnings = append(t.OrphanWarnings,
			fmt.Sprintf("process #%d (pid=%d) has unknown parent pid=%d; treated as its own orphan root",
				child.DisplayIndex, child.Pid, child.Ppid))
		t.orphanPids = append(t.orphanPids, child.Pid)
		return
	}
	for _, idx := range parent.Children {
		if idx == child.DisplayIndex {
			return
		}
	}
	parent.Children = append(parent.Children, child.DisplayIndex)
}

// Orphans returns, in first-observation order, every record that became
// its own orphan root because its real parent was never observed.
func (t *Table) Orphans() []*ProcessRecord {
	out := make([]*ProcessRecord, 0, len(t.orphanPids))
	for _, pid := range t.orphanPids {
		if r, ok := t.records[pid]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record for pid, live or sealed, and whether it exists.
func (t *Table) Get(pid int) (*ProcessRecord, bool) {
	r, ok := t.records[pid]
	return r, ok
}

// Live returns the live record for pid, if any.
func (t *Table) Live(pid int) (*ProcessRecord, bool) {
	r, ok := t.liveByPid[pid]
	return r, ok
}

// RecordThreadHighWater folds a newly observed thread count into a
// record's running high-water mark.
func (t *Table) RecordThreadHighWater(pid int, threads int64) {
	r, ok := t.liveByPid[pid]
	if !ok {
		return
	}
	if threads > r.MaxConcurrentThreads {
		r.MaxConcurrentThreads = threads
	}
}

// Seal finalizes pid's record: sets EndWall, ExitStatus, and
// CountersFinal, and removes it from the live index. The record remains
// reachable via Get and via the tree for reporting.
func (t *Table) Seal(pid int, endWall time.Duration, exitStatus int, final counters.Snapshot) error {
	rec, ok := t.liveByPid[pid]
	if !ok {
		return fmt.Errorf("%w: pid=%d", ErrUnknownPid, pid)
	}
	rec.EndWall = endWall
	rec.ExitStatus = exitStatus
	rec.CountersFinal = final
	rec.sealed = true
	delete(t.liveByPid, pid)
	return nil
}

// LiveCount returns the number of records not yet sealed. Zero signals
// event-loop termination.
func (t *Table) LiveCount() int { return len(t.liveByPid) }

// Root returns the record with DisplayIndex 1 (the top-level command), if
// any record has been inserted yet.
func (t *Table) Root() (*ProcessRecord, bool) {
	if len(t.order) == 0 {
		return nil, false
	}
	return t.order[0], true
}

// All returns every observed record, in first-observation (display-index)
// order. Used both by the aggregator and by best-effort reporting on a
// fatal error (spec.md §7's "final report best-effort flushed").
func (t *Table) All() []*ProcessRecord {
	out := make([]*ProcessRecord, 0, len(t.order))
	for _, rec := range t.order {
		out = append(out, rec)
	}
	return out
}

// ByDisplayIndex looks up a record by its stable #N identity.
func (t *Table) ByDisplayIndex(idx int) (*ProcessRecord, bool) {
	if idx < 1 || idx > len(t.order) {
		return nil, false
	}
	return t.order[idx-1], true
}
