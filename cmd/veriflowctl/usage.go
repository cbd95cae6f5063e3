package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/spf13/cobra"
)

func newUsageCmd(get func() *backend) *cobra.Command {
	cmd := &cobra.Command{Use: "usage", Short: "Inspect the usage ledger"}

	var f domain.UsageFilter
	var module, from, to string
	list := &cobra.Command{
		Use:   "list",
		Short: "List usage events, newest first, with per-module totals",
		Example: `  veriflowctl usage list --tenant 6f1c... --module ocr --from 2026-10-01 --to 2026-11-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			f.Module = domain.Module(module)
			if f.From, err = parseWhen(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if f.To, err = parseWhen(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			report, err := get().usage.Report(cmd.Context(), f)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tTENANT\tMODULE\tAMOUNT\tUNIT PRICE\tJOB")
			for _, ev := range report.Events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					ev.CreatedAt.UTC().Format(time.RFC3339), ev.TenantID, ev.Module,
					ev.Amount, ev.UnitPrice.StringFixed(4), orNone(ev.JobID))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n--- Totals ---\n")
			if len(report.Summary) == 0 {
				fmt.Fprintln(out, "(no usage)")
			}
			for _, s := range report.Summary {
				fmt.Fprintf(out, "%-11s %d\n", string(s.Module)+":", s.Total)
			}
			return nil
		},
	}
	list.Flags().StringVar(&f.TenantID, "tenant", "", "Tenant id")
	list.Flags().StringVar(&module, "module", "", "Module name")
	list.Flags().StringVar(&from, "from", "", "Inclusive start, RFC3339 or YYYY-MM-DD")
	list.Flags().StringVar(&to, "to", "", "Exclusive end, RFC3339 or YYYY-MM-DD")
	list.Flags().IntVar(&f.Limit, "limit", 0, "Maximum events to print (default 100, at most 1000)")

	cmd.AddCommand(list)
	return cmd
}

// parseWhen reads an RFC3339 timestamp or a UTC calendar date. Empty means unbounded.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}
