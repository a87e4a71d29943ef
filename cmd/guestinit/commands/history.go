package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/guestinit/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		attempts bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled provisioning runs",
		Long: `Show runs recorded in the provisioning journal.

The journal is written only when journal.enabled is set. It is a record
of what happened and is never consulted to skip work.`,
		Example: `  # Recent runs
  guestinit history

  # One run with its backend attempts
  guestinit history 6f1c0a52-... --attempts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := os.Stat(cfg.Journal.Path); err != nil {
				return fmt.Errorf("no journal at %s: %w", cfg.Journal.Path, err)
			}

			store, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly("journal", store)

			var runs []*stores.Run
			if len(args) == 1 {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				runs = []*stores.Run{run}
			} else {
				runs, err = store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
			}

			type entry struct {
				*stores.Run
				Attempts []*stores.Attempt `json:"attempts,omitempty"`
			}
			entries := make([]entry, 0, len(runs))
			for _, run := range runs {
				e := entry{Run: run}
				if attempts {
					if e.Attempts, err = store.ListAttempts(ctx, run.ID); err != nil {
						return err
					}
				}
				entries = append(entries, e)
			}

			if jsonOutput {
				return printJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tSOURCE\tSTATUS\tEXIT\tHOST")
			for _, e := range entries {
				exit := "-"
				if e.ExitCode != nil {
					exit = fmt.Sprint(*e.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.StartedAt.Local().Format(time.DateTime), e.Source, e.Status, exit, e.Hostname)
				for _, a := range e.Attempts {
					msg := ""
					if a.Error != nil {
						msg = *a.Error
					}
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t\n", a.Resource, a.Backend, a.Outcome, a.Duration, msg)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&attempts, "attempts", false, "include backend attempts")

	return cmd
}
