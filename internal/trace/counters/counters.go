// Package counters implements the Counter Sampler (CS): reading a single
// process's kernel-exposed resource counters at an instant in time.
//
// A Sampler never fails outright on a readable-but-partial /proc surface:
// per spec.md's "Non-goals/Error handling" contract, an unreadable
// individual counter is marked types.Unknown rather than faked as zero,
// and the overall Sample call still returns a usable (if partial)
// Snapshot. Only a process that never existed at all (or has already been
// fully reaped by the time of sampling) is surfaced to callers as an
// "empty" snapshot — event-loop code decides what that means.
//
// Grounded on github.com/ja7ad/consumption's pkg/system/proc readers,
// generalized from "periodic utilization sampling of a process group" to
// "two-point (first/last observed) sampling of one process," and extended
// with the counters that package didn't need: major/minor page faults,
// on-CPU vs runnable-waiting split (via schedstat), and live thread count.
package counters

import "github.com/zb-build/zb/pkg/types"

// Snapshot is the tuple of kernel counters spec.md §3 calls a "Counter
// snapshot." Every field is a types.Counter so a platform that cannot
// supply a given counter propagates Unknown instead of a misleading zero.
type Snapshot struct {
	// OnCPU is time actually executing on a CPU, summed over threads.
	OnCPU types.Counter
	// RunnableWait is time runnable but waiting for a CPU. Only available
	// when /proc/<pid>/schedstat is exposed by the kernel.
	RunnableWait types.Counter
	// RSSHWM is the resident-memory high-water mark.
	RSSHWM types.Counter
	// ReadBytes/WriteBytes are cumulative storage I/O byte counts.
	ReadBytes  types.Counter
	WriteBytes types.Counter
	// MinorFaults/MajorFaults are cumulative page-fault counts.
	MinorFaults types.Counter
	MajorFaults types.Counter
	// Threads is the live kernel-thread count at the moment of sampling.
	Threads types.Counter
}

// Sampler produces Snapshots for a single pid. The Linux implementation
// lives in linux.go; tests exercise it directly (it needs no KI
// collaboration), while internal/trace/engine is tested against a fake
// Sampler so scenario tests never depend on real process counters.
type Sampler interface {
	Sample(pid int) Snapshot
}
