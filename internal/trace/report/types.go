// Package report implements the Aggregator & Report Builder (AR): it
// walks a sealed table.Table and produces the tree view, group-by-command
// view, and summary line described by spec.md §4.5/§6.
//
// Grounded directly on original_source/zb/src/command_tree.rs's
// CommandSpan/CommandGroup accumulation, print_tree's pre-order walk, and
// print_groups's ascending-by-self-CPU sort.
package report

import (
	"time"

	"github.com/zb-build/zb/pkg/types"
)

// TreeNode is one row of the tree view: a sealed ProcessRecord enriched
// with the rolled-up tree totals print_tree needs.
type TreeNode struct {
	DisplayIndex int
	Pid          int
	Argv         []string
	StartWall    time.Duration
	Wall         time.Duration
	ExitStatus   int

	SelfOnCPU types.Counter
	TreeOnCPU types.Counter // self + all descendants

	RSSHWM      types.Counter
	ReadBytes   types.Counter
	WriteBytes  types.Counter
	MajorFaults types.Counter
	MinorFaults types.Counter
	MaxThreads  types.Counter

	SelfCPUPercent float64 // NaN when wall is zero or on-CPU unknown
	TreeCPUPercent float64

	Children []*TreeNode
}

// GroupRow is one row of the group-by-command view.
type GroupRow struct {
	Label string

	Execs int

	SelfOnCPU types.Counter
	TreeOnCPU types.Counter
	TotalWall time.Duration

	AvgRSSHWM types.Counter
	MaxRSSHWM types.Counter

	TotalReadWriteBytes types.Counter // kilobytes read+written

	SelfCPUPercent float64
	TreeCPUPercent float64
}

// Summary is the single closing line: spec.md §4.5's
// "<root-command> <N> commands <wall>s <tree-cpu>% <R+Wk>iops <PF> Exited <status>".
type Summary struct {
	RootCommand   string
	CommandCount  int
	Wall          time.Duration
	TreeCPUPct    float64
	ReadWriteK    types.Counter
	MajorFaults   types.Counter
	ExitStatus    int
	ExitedBySig   bool
	Incomplete    bool
}

// Report is AR's complete output: everything internal/render needs.
type Report struct {
	Root *TreeNode
	// OrphanRoots holds one TreeNode per record whose real parent was
	// never observed (table.Table.Orphans), each its own top-level tree
	// rather than folded under Root, matching thread_monitor.rs's
	// finally() printing "processes without a parent" separately.
	OrphanRoots []*TreeNode
	Groups      []GroupRow // ascending by SelfOnCPU, per spec.md §4.5
	Summary     Summary
	Warnings    []string // postcondition warnings (orphan attachments, etc.)
}
