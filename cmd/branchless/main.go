package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kurobon/branchless/internal/core"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var repoPath string

	cmd := &cobra.Command{
		Use:           "branchless",
		Short:         "Branchless workflow for git: smartlog, restack, and undo",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", ".", "path to the repository")

	open := func() (*core.Workspace, error) {
		return core.Open(repoPath)
	}

	cmd.AddCommand(
		newSmartlogCmd(open),
		newRecordCmd(open),
		newAmendCmd(open),
		newHideCmd(open),
		newUnhideCmd(open),
		newRestackCmd(open),
		newUndoCmd(open),
		newRedoCmd(open),
		newEventsCmd(open),
	)
	return cmd
}
