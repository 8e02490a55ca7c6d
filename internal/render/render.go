// Package render turns an AR report.Report into text. It is a thin
// consumer of report's data contract: no counter math happens here,
// only layout.
//
// Grounded on original_source/zb/src/command_tree.rs's print_tree,
// print_groups and print_summary, adapted from colored/ANSI terminal
// output to plain text.Writer/text/tabwriter output, the way
// cmd/consumption/main.go lays out its own tabwriter-based table.
package render

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/zb-build/zb/internal/trace/report"
	"github.com/zb-build/zb/pkg/types"
)

// argvCutoffTTY and argvCutoffFile mirror command_tree.rs's
// "let argv_cutoff = if self.is_tty { 100 } else { 60000 }": a TTY gets a
// narrow argv so the line fits a terminal, a file capture gets the whole
// thing.
const (
	argvCutoffTTY  = 100
	argvCutoffFile = 60000
)

// Write renders rep to w. isTTY selects the argv truncation width;
// callers determine isTTY via golang.org/x/term.IsTerminal on the
// destination's file descriptor before calling Write.
func Write(w io.Writer, rep *report.Report, isTTY bool) error {
	cutoff := argvCutoffFile
	if isTTY {
		cutoff = argvCutoffTTY
	}

	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	writeNode(tw, rep.Root, "", "", cutoff)
	for _, orphan := range rep.OrphanRoots {
		fmt.Fprintln(tw, "\nprocess without parent:")
		writeNode(tw, orphan, "", "", cutoff)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	writeGroups(w, rep.Groups)
	writeSummary(w, rep.Summary)

	for _, warning := range rep.Warnings {
		fmt.Fprintf(w, "** %s\n", warning)
	}
	return nil
}

// writeNode walks the tree pre-order, matching print_tree's recursive
// connector bookkeeping. linePrefix is everything printed before "#N"
// for this node (the root's is empty); childIndent is the prefix the
// next depth inherits, already carrying this node's vertical-bar or
// blank continuation.
func writeNode(w io.Writer, node *report.TreeNode, linePrefix, childIndent string, argvCutoff int) {
	fmt.Fprintf(w, "%s#%-4d %9.3fs %7s%%cpu (tree: %7s%%cpu) %4s MB %9s iops %4s PF %4s threads %9s %s\n",
		linePrefix, node.DisplayIndex,
		node.Wall.Seconds(),
		pct(node.SelfCPUPercent),
		pct(node.TreeCPUPercent),
		toMB(node.RSSHWM).String(),
		node.ReadBytes.Add(node.WriteBytes).String(),
		node.MajorFaults.String(),
		node.MaxThreads.String(),
		statusTag(node),
		truncateArgv(node.Argv, argvCutoff),
	)

	for i, child := range node.Children {
		last := i == len(node.Children)-1
		connector, branch := "├─", "│ "
		if last {
			connector, branch = "└─", "  "
		}
		writeNode(w, child, childIndent+connector, childIndent+branch, argvCutoff)
	}
}

// writeGroups renders the group-by-command view: every group reports,
// with no participation-count gate, in ascending-by-self-CPU order
// (already sorted by report.Build).
func writeGroups(w io.Writer, groups []report.GroupRow) {
	if len(groups) == 0 {
		return
	}
	fmt.Fprintln(w, "\nGroup by command (most cpu-intensive last):")
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, g := range groups {
		fmt.Fprintf(tw, "%9ss\t%7s%%cpu\t(tree: %7s%%cpu)\t%4s MB avg\t%4s MB max\t%9s iops\t%5d execs\t%s\n",
			secondsStr(g.SelfOnCPU),
			pct(g.SelfCPUPercent),
			pct(g.TreeCPUPercent),
			kbToMB(g.AvgRSSHWM).String(),
			kbToMB(g.MaxRSSHWM).String(),
			g.TotalReadWriteBytes.String(),
			g.Execs,
			g.Label,
		)
	}
	tw.Flush()
}

// writeSummary renders the closing line, matching print_summary's
// layout and its three-way end-reason rendering.
func writeSummary(w io.Writer, s report.Summary) {
	status := "Still running"
	switch {
	case s.Incomplete:
		status = "Still running"
	case s.ExitedBySig:
		status = fmt.Sprintf("Killed by signal %d", -s.ExitStatus)
	default:
		status = fmt.Sprintf("Exited %d", s.ExitStatus)
	}
	fmt.Fprintf(w, "\n%s: %d commands %7.3fs %7s%%cpu %12s iops %6s PF  %s\n",
		s.RootCommand,
		s.CommandCount,
		s.Wall.Seconds(),
		pct(s.TreeCPUPct),
		s.ReadWriteK.String(),
		s.MajorFaults.String(),
		status,
	)
}

func statusTag(node *report.TreeNode) string {
	if node.ExitStatus < 0 {
		return fmt.Sprintf("[killed by %d]", -node.ExitStatus)
	}
	return fmt.Sprintf("[rc=%d]", node.ExitStatus)
}

func truncateArgv(argv []string, cutoff int) string {
	joined := strings.Join(argv, " ")
	if len(joined) <= cutoff {
		return joined
	}
	return joined[:cutoff]
}

func pct(v float64) string {
	if math.IsNaN(v) {
		return "?"
	}
	return fmt.Sprintf("%.1f", v)
}

func secondsStr(c types.Counter) string {
	v, ok := c.Value()
	if !ok {
		return "      ?"
	}
	return fmt.Sprintf("%.3f", float64(v)/1e9)
}

func toMB(c types.Counter) types.Counter {
	v, ok := c.Value()
	if !ok {
		return types.UnknownCounter
	}
	return types.Known(v / (1024 * 1024))
}

// kbToMB converts a kilobyte counter (report's group RSS values) to MB.
func kbToMB(c types.Counter) types.Counter {
	v, ok := c.Value()
	if !ok {
		return types.UnknownCounter
	}
	return types.Known(v / 1024)
}
