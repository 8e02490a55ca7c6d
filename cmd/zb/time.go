package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zb-build/zb/internal/render"
	"github.com/zb-build/zb/internal/trace/counters"
	"github.com/zb-build/zb/internal/trace/engine"
	"github.com/zb-build/zb/internal/trace/ki"
	"github.com/zb-build/zb/internal/trace/report"
)

// Exit codes for failures that happen before the root child produces
// its own exit status, generalizing the original's single "exit 1 on
// any run_impl error" into distinct codes per spec.md §7's error table.
const (
	exitAttachRefused = 3
	exitSpawnFailed   = 4
	exitOrderingFail  = 5
	exitReportFailed  = 6
)

type timeOpts struct {
	verbosity int
	logPath   string
	output    string
}

func newTimeCommand() *cobra.Command {
	var o timeOpts

	cmd := &cobra.Command{
		Use:                   "time [flags] -- COMMAND [ARG...]",
		Short:                 "Run COMMAND and report per-process CPU, memory, I/O and thread usage",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		SilenceErrors:         true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTime(cmd.Context(), o, args)
		},
	}

	cmd.Flags().CountVarP(&o.verbosity, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")
	cmd.Flags().StringVar(&o.logPath, "log", "", "additionally mirror trace-level diagnostics to FILE")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write the full (untruncated) report to FILE as well as stdout")
	cmd.Flags().SetInterspersed(false)

	return cmd
}

// verbosityLevel maps -v count to a slog level, matching the original's
// LevelFilter ladder (WARN -> INFO -> DEBUG -> TRACE) with slog's lowest
// built-in level, Debug, standing in for TRACE since slog has no level
// below it.
func verbosityLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelWarn
	case v == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func buildLogger(o timeOpts) (*slog.Logger, func(), error) {
	consoleHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: verbosityLevel(o.verbosity)})
	if o.logPath == "" {
		return slog.New(consoleHandler), func() {}, nil
	}

	f, err := os.Create(o.logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("zb time: creating log file: %w", err)
	}
	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(fanoutHandler{consoleHandler, fileHandler}), func() { f.Close() }, nil
}

func runTime(ctx context.Context, o timeOpts, argv []string) error {
	logger, closeLogger, err := buildLogger(o)
	if err != nil {
		return err
	}
	defer closeLogger()

	src := ki.NewPtraceSource()
	defer src.Close()
	sampler := counters.NewLinuxSampler()
	eng := engine.New(src, sampler, engine.WithLogger(logger))

	result, runErr := eng.Run(ctx, argv, os.Environ(), "")
	if runErr != nil {
		logger.Error(runErr.Error())
		return exitError{code: exitCodeFor(runErr), err: runErr}
	}

	rep, err := report.Build(result.Table)
	if err != nil {
		logger.Error("building report", "err", err)
		return exitError{code: exitReportFailed, err: err}
	}
	rep.Summary.Incomplete = result.Incomplete

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	if err := render.Write(os.Stdout, rep, isTTY); err != nil {
		return fmt.Errorf("zb time: writing report: %w", err)
	}
	if o.output != "" {
		if err := writeFullReport(o.output, rep); err != nil {
			logger.Warn("writing --output file", "err", err)
		}
	}

	return exitError{code: rootExitCode(result.RootExitStatus), err: nil}
}

func writeFullReport(path string, rep *report.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("zb time: creating output file: %w", err)
	}
	defer f.Close()
	return render.Write(f, rep, false)
}

// rootExitCode maps ProcessRecord.ExitStatus (non-negative code, or a
// negative sentinel encoding the terminating signal) to a process exit
// code, per spec.md §6 ("the root child's exit code (or 128+signal if it
// died by signal)").
func rootExitCode(status int) int {
	if status < 0 {
		return 128 - status
	}
	return status
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ki.ErrAttachRefused):
		return exitAttachRefused
	case errors.Is(err, ki.ErrSpawnFailed):
		return exitSpawnFailed
	case errors.Is(err, engine.ErrOrderingViolation):
		return exitOrderingFail
	default:
		return 1
	}
}

// exitError carries a process exit code through cobra's error-returning
// RunE without forcing cobra to print a "normal" successful run's exit
// code as an error. main() unwraps it to call os.Exit directly.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error { return e.err }

// fanoutHandler mirrors the original's dual-sink tracing_subscriber
// setup (console layer + optional file layer) using slog.Handler
// composition instead of a dedicated crate, since the teacher's stack
// has no multi-sink slog handler of its own.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
