package render

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zb-build/zb/internal/trace/report"
	"github.com/zb-build/zb/pkg/types"
)

func leaf(idx, pid int, argv []string, wall time.Duration) *report.TreeNode {
	return &report.TreeNode{
		DisplayIndex:   idx,
		Pid:            pid,
		Argv:           argv,
		Wall:           wall,
		SelfOnCPU:      types.Known(0),
		TreeOnCPU:      types.Known(0),
		RSSHWM:         types.Known(2 * 1024 * 1024),
		ReadBytes:      types.Known(0),
		WriteBytes:     types.Known(0),
		MajorFaults:    types.Known(0),
		MinorFaults:    types.Known(0),
		MaxThreads:     types.Known(1),
		SelfCPUPercent: 0,
		TreeCPUPercent: 0,
	}
}

func TestWrite_SingleNodeContainsOrdinalAndArgv(t *testing.T) {
	rep := &report.Report{
		Root: leaf(1, 100, []string{"sleep", "0.2"}, 200*time.Millisecond),
		Summary: report.Summary{
			RootCommand:  "sleep",
			CommandCount: 1,
			Wall:         200 * time.Millisecond,
			TreeCPUPct:   0,
			ReadWriteK:   types.Known(0),
			MajorFaults:  types.Known(0),
			ExitStatus:   0,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	out := buf.String()

	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "sleep 0.2")
	assert.Contains(t, out, "[rc=0]")
	assert.Contains(t, out, "sleep:")
}

func TestWrite_TreeConnectorsMarkLastChild(t *testing.T) {
	root := leaf(1, 1, []string{"sh", "-c", "a; b"}, 10*time.Millisecond)
	root.Children = []*report.TreeNode{
		leaf(2, 2, []string{"a"}, 5*time.Millisecond),
		leaf(3, 3, []string{"b"}, 5*time.Millisecond),
	}
	rep := &report.Report{
		Root: root,
		Summary: report.Summary{
			RootCommand:  "sh",
			CommandCount: 3,
			ReadWriteK:   types.Known(0),
			MajorFaults:  types.Known(0),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	out := buf.String()

	assert.Contains(t, out, "├─#2")
	assert.Contains(t, out, "└─#3")
}

func TestWrite_SignalTerminationShowsKilledByTag(t *testing.T) {
	node := leaf(1, 1, []string{"sh"}, time.Millisecond)
	node.ExitStatus = -15
	rep := &report.Report{
		Root: node,
		Summary: report.Summary{
			RootCommand: "sh",
			ExitStatus:  -15,
			ExitedBySig: true,
			ReadWriteK:  types.Known(0),
			MajorFaults: types.Known(0),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	out := buf.String()

	assert.Contains(t, out, "[killed by 15]")
	assert.Contains(t, out, "Killed by signal 15")
}

func TestWrite_UnknownCounterRendersAsQuestionMark(t *testing.T) {
	node := leaf(1, 1, []string{"true"}, time.Millisecond)
	node.SelfOnCPU = types.UnknownCounter
	node.SelfCPUPercent = math.NaN() // mirrors report.percentOrNaN's contract
	rep := &report.Report{
		Root: node,
		Summary: report.Summary{
			RootCommand: "true",
			ReadWriteK:  types.UnknownCounter,
			MajorFaults: types.UnknownCounter,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	assert.Contains(t, buf.String(), "?")
}

func TestWrite_GroupsSectionOmittedWhenNoGroups(t *testing.T) {
	rep := &report.Report{
		Root:    leaf(1, 1, []string{"true"}, time.Millisecond),
		Summary: report.Summary{RootCommand: "true", ReadWriteK: types.Known(0), MajorFaults: types.Known(0)},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	assert.NotContains(t, buf.String(), "Group by command")
}

func TestWrite_GroupsSectionShownRegardlessOfExecCount(t *testing.T) {
	rep := &report.Report{
		Root: leaf(1, 1, []string{"sh"}, time.Millisecond),
		Groups: []report.GroupRow{
			{Label: "wc", Execs: 1, SelfOnCPU: types.Known(0), TotalWall: time.Millisecond,
				AvgRSSHWM: types.Known(0), MaxRSSHWM: types.Known(0), TotalReadWriteBytes: types.Known(0)},
		},
		Summary: report.Summary{RootCommand: "sh", ReadWriteK: types.Known(0), MajorFaults: types.Known(0)},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	out := buf.String()
	assert.Contains(t, out, "Group by command (most cpu-intensive last):")
	assert.Contains(t, out, "wc")
}

func TestWrite_OrphanRootsPrintAsSeparateTrees(t *testing.T) {
	rep := &report.Report{
		Root:        leaf(1, 1, []string{"init"}, time.Millisecond),
		OrphanRoots: []*report.TreeNode{leaf(4, 404, []string{"adopted"}, time.Millisecond)},
		Summary:     report.Summary{RootCommand: "init", ReadWriteK: types.Known(0), MajorFaults: types.Known(0)},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	out := buf.String()
	assert.Contains(t, out, "process without parent:")
	assert.Contains(t, out, "#4")
	assert.Contains(t, out, "adopted")
}

func TestWrite_WarningsAppendedAfterSummary(t *testing.T) {
	rep := &report.Report{
		Root:     leaf(1, 1, []string{"init"}, time.Millisecond),
		Summary:  report.Summary{RootCommand: "init", ReadWriteK: types.Known(0), MajorFaults: types.Known(0)},
		Warnings: []string{"orphan pid=2 parent=999 never observed"},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep, false))
	assert.Contains(t, buf.String(), "** orphan pid=2 parent=999 never observed")
}

func TestWrite_TTYNarrowsArgvCutoff(t *testing.T) {
	longArgv := []string{"echo"}
	for i := 0; i < 200; i++ {
		longArgv = append(longArgv, "x")
	}
	rep := &report.Report{
		Root:    leaf(1, 1, longArgv, time.Millisecond),
		Summary: report.Summary{RootCommand: "echo", ReadWriteK: types.Known(0), MajorFaults: types.Known(0)},
	}

	var ttyBuf, fileBuf bytes.Buffer
	require.NoError(t, Write(&ttyBuf, rep, true))
	require.NoError(t, Write(&fileBuf, rep, false))

	assert.Less(t, len(ttyBuf.String()), len(fileBuf.String()))
}
