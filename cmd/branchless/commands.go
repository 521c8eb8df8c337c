package main

import (
	"github.com/spf13/cobra"

	"github.com/kurobon/branchless/internal/core"
	"github.com/kurobon/branchless/internal/restack"
)

type opener func() (*core.Workspace, error)

func newSmartlogCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:     "smartlog",
		Aliases: []string{"sl"},
		Short:   "Show the graph of commits you are working on",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			snap, err := ws.Smartlog()
			if err != nil {
				return err
			}
			cmd.Print(snap.Render())
			return nil
		},
	}
}

func newRecordCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "Record ref movements made outside branchless into the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			n, err := ws.Record()
			if err != nil {
				return err
			}
			if n == 0 {
				cmd.Println("nothing to record")
			} else {
				cmd.Printf("recorded %d ref move(s)\n", n)
			}
			return nil
		},
	}
}

func newAmendCmd(open opener) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "amend",
		Short: "Rewrite the current commit with the working tree contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			newHead, err := ws.Amend(message)
			if err != nil {
				return err
			}
			cmd.Printf("amended to %s\n", newHead.String()[:8])
			cmd.Println("run 'branchless restack' to carry descendants over")
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "replace the commit message")
	return cmd
}

func newHideCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "hide <revision>...",
		Short: "Hide commits from the smartlog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			oids, err := ws.Hide(args)
			if err != nil {
				return err
			}
			for _, oid := range oids {
				cmd.Printf("hid %s\n", oid.String()[:8])
			}
			return nil
		},
	}
}

func newUnhideCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "unhide <revision>...",
		Short: "Make hidden commits visible again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			oids, err := ws.Unhide(args)
			if err != nil {
				return err
			}
			for _, oid := range oids {
				cmd.Printf("unhid %s\n", oid.String()[:8])
			}
			return nil
		},
	}
}

func newRestackCmd(open opener) *cobra.Command {
	var cont bool

	cmd := &cobra.Command{
		Use:   "restack",
		Short: "Rebuild descendants of rewritten commits on their replacements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			var result *restack.ExecutionResult
			if cont {
				result, err = ws.RestackContinue()
			} else {
				result, err = ws.Restack()
			}
			if result != nil {
				printRestackResult(cmd, result)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&cont, "continue", false, "resume the interrupted restack")
	return cmd
}

func printRestackResult(cmd *cobra.Command, result *restack.ExecutionResult) {
	for _, step := range result.Succeeded {
		cmd.Printf("rebased %s onto %s as %s\n",
			step.Step.Commit.String()[:8], step.Step.Dest.String()[:8], step.NewOid.String()[:8])
	}
	for _, step := range result.Skipped {
		cmd.Printf("skipped %s (parent was hidden)\n", step.Step.Commit.String()[:8])
	}
	if result.Conflicted != nil {
		cmd.Printf("conflict while rebasing %s onto %s\n",
			result.Conflicted.Step.Commit.String()[:8], result.Conflicted.Step.Dest.String()[:8])
		cmd.Println("resolve the conflict, then run 'branchless restack --continue'")
		return
	}
	if result.Failed != nil {
		cmd.Printf("failed at %s\n", result.Failed.Step.Commit.String()[:8])
		return
	}
	if result.Completed && len(result.Succeeded) == 0 && len(result.Skipped) == 0 {
		cmd.Println("nothing to restack")
	}
}

func newUndoCmd(open opener) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Revert the most recent branchless command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			outcome, err := ws.Undo(n)
			if outcome != nil {
				for _, tx := range outcome.Applied {
					cmd.Printf("undid: %s\n", tx.Description)
				}
				if outcome.BlockedRef != "" {
					cmd.Printf("stopped: %s moved since this command ran\n", outcome.BlockedRef)
				}
				if len(outcome.Applied) == 0 && outcome.BlockedRef == "" {
					cmd.Println("nothing to undo")
				}
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 1, "number of commands to undo")
	return cmd
}

func newRedoCmd(open opener) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "redo",
		Short: "Re-apply previously undone commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			outcome, err := ws.Redo(n)
			if outcome != nil {
				for _, tx := range outcome.Applied {
					cmd.Printf("redid: %s\n", tx.Description)
				}
				if outcome.BlockedRef != "" {
					cmd.Printf("stopped: %s moved since this command ran\n", outcome.BlockedRef)
				}
				if len(outcome.Applied) == 0 && outcome.BlockedRef == "" {
					cmd.Println("nothing to redo")
				}
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 1, "number of commands to redo")
	return cmd
}

func newEventsCmd(open opener) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent transactions and their events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := open()
			if err != nil {
				return err
			}
			defer ws.Close()

			txs, err := ws.Events(limit)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				cmd.Println("no transactions recorded")
				return nil
			}
			for _, te := range txs {
				state := "open"
				if te.Tx.Closed {
					state = "closed"
				}
				cmd.Printf("tx %d (%s, %s) %s\n", te.Tx.ID, te.Tx.TxKind, state, te.Tx.Description)
				for _, ev := range te.Events {
					cmd.Printf("  %s\n", ev.String())
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "count", "n", 10, "number of transactions to show")
	return cmd
}
