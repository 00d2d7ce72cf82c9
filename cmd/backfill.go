package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/alcalor-scraper/internal/backfill"
	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

type backfillFlags struct {
	resume   bool
	discover bool
	endDate  string
}

func newBackfillCmd() *cobra.Command {
	flags := &backfillFlags{}
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Walk the archive day by day from backfill.start_date to yesterday",
		Long: `backfill scrapes every day from the configured epoch up to yesterday,
saving a cursor after each completed day. With --resume it continues after the
last completed day; an interrupted backfill loses at most the day in flight.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.resume, "resume", false, "continue from the stored cursor")
	f.BoolVar(&flags.discover, "discover", false, "binary-search the earliest day with articles before a fresh start")
	f.StringVar(&flags.endDate, "end-date", "", "last day to backfill (default yesterday)")
	return cmd
}

func runBackfill(cmd *cobra.Command, flags *backfillFlags) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	opts := backfill.Options{Resume: flags.resume, Discover: flags.discover}
	if flags.endDate != "" {
		end, err := parseDayFlag("end-date", flags.endDate)
		if err != nil {
			return err
		}
		opts.End = &end
	}

	report, err := a.Backfill().Run(cmd.Context(), opts)
	out := cmd.OutOrStdout()
	switch {
	case err != nil:
		return err
	case report.NoOp:
		fmt.Fprintf(out, "backfill of %s already completed through %s\n",
			report.Source, report.Progress.LastCompletedDate.Format(harvest.DateLayout))
	case report.Cancelled:
		fmt.Fprintf(out, "backfill interrupted after %d day(s); resume with --resume (last completed %s)\n",
			report.Days, report.Progress.LastCompletedDate.Format(harvest.DateLayout))
	default:
		fmt.Fprintf(out, "backfill of %s completed: %d day(s), %s to %s\n",
			report.Source, report.Days, report.Start.Format(harvest.DateLayout), report.End.Format(harvest.DateLayout))
	}
	return nil
}
