package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/horde/internal/history"
	"github.com/wesleyorama2/horde/internal/output"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		Long: `List runs saved with --history (or history.path in the test file).
Without --history the default database ~/.horde/history.db is read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(a.v.GetInt("limit"))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintf(out, "No runs in %s\n", store.Path())
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-19s  %-24s  %10s  %8s  %s\n", "ID", "STARTED", "NAME", "REQUESTS", "FAIL %", "RESULT")
			for _, r := range runs {
				result := "passed"
				if !r.Passed {
					result = "failed"
				}
				var requests int64
				var rate float64
				if r.Report != nil {
					requests = r.Report.Totals.Requests
					rate = r.Report.Totals.FailureRate
				}
				fmt.Fprintf(out, "%-36s  %-19s  %-24s  %10d  %7.2f%%  %s\n",
					r.ID,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					truncateName(r.Name, 24),
					requests,
					rate*100,
					result)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "show at most this many runs (0 = all)")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Print the report of a past run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.Get(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			format := output.FormatJSON
			if s := a.v.GetString("format"); s != "" {
				if format, err = output.ParseFormat(s); err != nil {
					return err
				}
			}
			return output.WriteReportData(cmd.OutOrStdout(), format, run.Report)
		},
	}
	show.Flags().String("format", "json", "report format: json, yaml, junit")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Remove a past run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(args[0]); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func (a *app) openHistory() (*history.Store, error) {
	path := a.v.GetString("history")
	if path == "" {
		var err error
		if path, err = history.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return history.Open(path)
}

func truncateName(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
