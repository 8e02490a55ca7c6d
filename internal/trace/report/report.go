package report

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zb-build/zb/internal/trace/table"
	"github.com/zb-build/zb/pkg/types"
)

// nodeSelfUsage is a node's self-attributed totals computed from its
// counters_initial/counters_final pair, grounded on
// original_source/zb/src/thread_tracker.rs's ResourceUsage.
type nodeSelfUsage struct {
	onCPU       types.Counter
	rssHWM      types.Counter
	readBytes   types.Counter
	writeBytes  types.Counter
	minorFaults types.Counter
	majorFaults types.Counter
	threads     types.Counter
}

func selfUsage(rec *table.ProcessRecord) nodeSelfUsage {
	threads := types.Known(rec.MaxConcurrentThreads)
	if rec.MaxConcurrentThreads == 0 {
		threads = rec.CountersFinal.Threads
	}
	return nodeSelfUsage{
		onCPU:       rec.CountersFinal.OnCPU.Delta(rec.CountersInitial.OnCPU),
		rssHWM:      rec.CountersInitial.RSSHWM.Max(rec.CountersFinal.RSSHWM),
		readBytes:   rec.CountersFinal.ReadBytes.Delta(rec.CountersInitial.ReadBytes),
		writeBytes:  rec.CountersFinal.WriteBytes.Delta(rec.CountersInitial.WriteBytes),
		minorFaults: rec.CountersFinal.MinorFaults.Delta(rec.CountersInitial.MinorFaults),
		majorFaults: rec.CountersFinal.MajorFaults.Delta(rec.CountersInitial.MajorFaults),
		threads:     threads,
	}
}

// Build walks pt's sealed tree and produces the complete Report: tree
// view, group-by-command view, and summary line, per spec.md §4.5.
func Build(pt *table.Table) (*Report, error) {
	root, ok := pt.Root()
	if !ok {
		return nil, fmt.Errorf("report: empty process table")
	}
	if !root.Sealed() {
		return nil, fmt.Errorf("report: root pid=%d is not sealed", root.Pid)
	}

	groups := map[string]*groupAccum{}
	rootNode, rootReadWrite, rootMajorFaults := buildNode(pt, root, groups)

	var orphanNodes []*TreeNode
	for _, orphan := range pt.Orphans() {
		if !orphan.Sealed() {
			continue
		}
		node, _, _ := buildNode(pt, orphan, groups)
		orphanNodes = append(orphanNodes, node)
	}

	rows := finalizeGroups(groups)

	totalWallSec := rootNode.Wall.Seconds()
	treeCPUPct := percentOrNaN(rootNode.TreeOnCPU, totalWallSec)

	rootCmd := "?"
	if len(root.Argv) > 0 {
		rootCmd = root.Argv[0]
	}

	sealedCount := 0
	for _, rec := range pt.All() {
		if rec.Sealed() {
			sealedCount++
		}
	}

	summary := Summary{
		RootCommand:  rootCmd,
		CommandCount: sealedCount,
		Wall:         rootNode.Wall,
		TreeCPUPct:   treeCPUPct,
		ReadWriteK:   toKilobytes(rootReadWrite),
		MajorFaults:  rootMajorFaults,
		ExitStatus:   root.ExitStatus,
		ExitedBySig:  root.ExitStatus < 0,
	}

	return &Report{
		Root:        rootNode,
		OrphanRoots: orphanNodes,
		Groups:      rows,
		Summary:     summary,
		Warnings:    pt.OrphanWarnings,
	}, nil
}

// buildNode recurses pre-order (matching print_tree's walk order) and
// returns the node plus its tree-rolled read+write bytes and major faults,
// which only the root needs for Summary but which are cheapest to thread
// through the same recursion that computes TreeOnCPU.
func buildNode(pt *table.Table, rec *table.ProcessRecord, groups map[string]*groupAccum) (*TreeNode, types.Counter, types.Counter) {
	self := selfUsage(rec)
	wall := rec.EndWall - rec.StartWall

	node := &TreeNode{
		DisplayIndex: rec.DisplayIndex,
		Pid:          rec.Pid,
		Argv:         rec.Argv,
		StartWall:    rec.StartWall,
		Wall:         wall,
		ExitStatus:   rec.ExitStatus,
		SelfOnCPU:    self.onCPU,
		RSSHWM:       self.rssHWM,
		ReadBytes:    self.readBytes,
		WriteBytes:   self.writeBytes,
		MajorFaults:  self.majorFaults,
		MinorFaults:  self.minorFaults,
		MaxThreads:   self.threads,
	}

	treeOnCPU := self.onCPU
	treeReadWrite := self.readBytes.Add(self.writeBytes)
	treeMajorFaults := self.majorFaults

	for _, childIdx := range rec.Children {
		childRec, ok := pt.ByDisplayIndex(childIdx)
		if !ok || !childRec.Sealed() {
			continue
		}
		childNode, childRW, childMajor := buildNode(pt, childRec, groups)
		node.Children = append(node.Children, childNode)
		treeOnCPU = treeOnCPU.Add(childNode.TreeOnCPU)
		treeReadWrite = treeReadWrite.Add(childRW)
		treeMajorFaults = treeMajorFaults.Add(childMajor)
	}

	node.TreeOnCPU = treeOnCPU
	node.SelfCPUPercent = percentOrNaN(self.onCPU, wall.Seconds())
	node.TreeCPUPercent = percentOrNaN(treeOnCPU, wall.Seconds())

	// Every sealed record the walk reaches contributes to some group, even
	// one that never observed a successful exec (Fingerprint's "?"
	// fallback), so the sum of group execs equals the command count of
	// sealed records. A sealed record under an unsealed parent is not
	// reached by the walk.
	addToGroup(groups, Fingerprint(rec.Argv), self, treeOnCPU, wall)

	return node, treeReadWrite, treeMajorFaults
}

type groupAccum struct {
	label       string
	execs       int
	selfOnCPU   types.Counter
	treeOnCPU   types.Counter
	totalWall   time.Duration
	totalRSSKB  types.Counter
	maxRSSKB    types.Counter
	totalRW     types.Counter
}

func addToGroup(groups map[string]*groupAccum, label string, self nodeSelfUsage, treeOnCPU types.Counter, wall time.Duration) {
	g, ok := groups[label]
	if !ok {
		g = &groupAccum{
			label:      label,
			selfOnCPU:  types.Known(0),
			treeOnCPU:  types.Known(0),
			totalRSSKB: types.Known(0),
			totalRW:    types.Known(0),
		}
		groups[label] = g
	}
	g.execs++
	g.selfOnCPU = g.selfOnCPU.Add(self.onCPU)
	g.treeOnCPU = g.treeOnCPU.Add(treeOnCPU) // each record's own subtree, per command_tree.rs's add_all(&lead.tree_usage)
	g.totalWall += wall
	g.totalRSSKB = g.totalRSSKB.Add(toKilobytes(self.rssHWM))
	g.maxRSSKB = g.maxRSSKB.Max(toKilobytes(self.rssHWM))
	g.totalRW = g.totalRW.Add(self.readBytes.Add(self.writeBytes))
}

// finalizeGroups converts the accumulation map into GroupRows sorted
// ascending by self on-CPU time, per spec.md §4.5 ("most CPU-intensive
// last"). Unknown self-CPU sorts first, since it carries no information
// to rank by.
func finalizeGroups(groups map[string]*groupAccum) []GroupRow {
	rows := make([]GroupRow, 0, len(groups))
	for _, g := range groups {
		avgRSS := types.UnknownCounter
		if v, ok := g.totalRSSKB.Value(); ok && g.execs > 0 {
			avgRSS = types.Known(v / int64(g.execs))
		}
		rows = append(rows, GroupRow{
			Label:               g.label,
			Execs:               g.execs,
			SelfOnCPU:           g.selfOnCPU,
			TreeOnCPU:           g.treeOnCPU,
			TotalWall:           g.totalWall,
			AvgRSSHWM:           avgRSS,
			MaxRSSHWM:           g.maxRSSKB,
			TotalReadWriteBytes: toKilobytes(g.totalRW),
			SelfCPUPercent:      percentOrNaN(g.selfOnCPU, g.totalWall.Seconds()),
			TreeCPUPercent:      percentOrNaN(g.treeOnCPU, g.totalWall.Seconds()),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		vi, oki := rows[i].SelfOnCPU.Value()
		vj, okj := rows[j].SelfOnCPU.Value()
		if !oki {
			return okj // unknown sorts first
		}
		if !okj {
			return false
		}
		return vi < vj
	})
	return rows
}

// percentOrNaN returns onCPU as a percentage of wallSeconds, or NaN when
// either input makes the ratio meaningless — internal/render checks
// math.IsNaN to render "?" instead of a misleading 0.0%.
func percentOrNaN(onCPU types.Counter, wallSeconds float64) float64 {
	v, ok := onCPU.Value()
	if !ok || wallSeconds <= 0 {
		return math.NaN()
	}
	return 100 * (float64(v) / 1e9) / wallSeconds
}

func toKilobytes(c types.Counter) types.Counter {
	v, ok := c.Value()
	if !ok {
		return types.UnknownCounter
	}
	return types.Known(v / 1024)
}
