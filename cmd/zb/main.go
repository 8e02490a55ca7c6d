package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "zb",
		Short: "zb is a small collection of process-tracing utilities",
	}
	root.AddCommand(newTimeCommand())

	err := root.Execute()

	var exitErr exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			slog.Error(exitErr.Error())
		}
		os.Exit(exitErr.code)
	}
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
