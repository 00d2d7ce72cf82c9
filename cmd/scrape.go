package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/runner"
)

type scrapeFlags struct {
	date      string
	today     bool
	startDate string
	endDate   string
}

func newScrapeCmd() *cobra.Command {
	flags := &scrapeFlags{}
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape one day, a date range, or the recent rescrape window",
		Example: `  alcalor-scraper scrape --date 2024-01-15
  alcalor-scraper scrape --today
  alcalor-scraper scrape --start-date 2024-01-01 --end-date 2024-01-07`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.date, "date", "", "scrape a single day (YYYY-MM-DD)")
	f.BoolVar(&flags.today, "today", false, "scrape today and the previous run.rescrape_days days")
	f.StringVar(&flags.startDate, "start-date", "", "first day of a range (YYYY-MM-DD)")
	f.StringVar(&flags.endDate, "end-date", "", "last day of a range (YYYY-MM-DD)")
	cmd.MarkFlagsMutuallyExclusive("date", "today", "start-date")
	cmd.MarkFlagsMutuallyExclusive("date", "today", "end-date")
	cmd.MarkFlagsRequiredTogether("start-date", "end-date")
	cmd.MarkFlagsOneRequired("date", "today", "start-date")
	return cmd
}

func runScrape(cmd *cobra.Command, flags *scrapeFlags) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	r := a.Runner()

	var reports []runner.DayReport
	switch {
	case flags.today:
		reports, err = r.RunToday(ctx)
	case flags.date != "":
		day, parseErr := parseDayFlag("date", flags.date)
		if parseErr != nil {
			return parseErr
		}
		var report runner.DayReport
		report, err = r.RunDay(ctx, day, harvest.RunDaily)
		reports = append(reports, report)
	default:
		start, parseErr := parseDayFlag("start-date", flags.startDate)
		if parseErr != nil {
			return parseErr
		}
		end, parseErr := parseDayFlag("end-date", flags.endDate)
		if parseErr != nil {
			return parseErr
		}
		reports, err = r.RunRange(ctx, start, end, harvest.RunRange)
	}

	summarize(cmd.OutOrStdout(), a.Logger(), reports)
	return err
}

func parseDayFlag(name, value string) (time.Time, error) {
	day, err := harvest.ParseDay(value)
	if err != nil {
		return time.Time{}, &harvest.ConfigurationError{Field: name, Reason: "must be a YYYY-MM-DD date"}
	}
	return day, nil
}

func summarize(out io.Writer, logger *zap.Logger, reports []runner.DayReport) {
	var counts harvest.RunCounts
	statuses := map[harvest.RunStatus]int{}
	cancelled := false
	for _, rep := range reports {
		if rep.Run.ID == "" {
			continue
		}
		counts.Total += rep.Run.Counts.Total
		counts.Successful += rep.Run.Counts.Successful
		counts.Failed += rep.Run.Counts.Failed
		counts.New += rep.Run.Counts.New
		counts.Updated += rep.Run.Counts.Updated
		statuses[rep.Run.Status]++
		cancelled = cancelled || rep.Cancelled
	}
	logger.Info("scrape finished",
		zap.Int("days", len(reports)),
		zap.Int("total", counts.Total),
		zap.Int("successful", counts.Successful),
		zap.Int("failed", counts.Failed),
		zap.Int("new", counts.New),
		zap.Int("updated", counts.Updated),
		zap.Any("statuses", statuses),
		zap.Bool("cancelled", cancelled),
	)
	fmt.Fprintf(out, "%d day(s): %d articles, %d new, %d updated, %d failed\n",
		len(reports), counts.Successful, counts.New, counts.Updated, counts.Failed)
}
