// Package cmd defines the CLI commands of the alcalor-scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/app"
	"github.com/JakeFAU/alcalor-scraper/internal/config"
	"github.com/JakeFAU/alcalor-scraper/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType struct{}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath  string
	concurrency int
	dbOnly      bool
	noDB        bool

	// app is kept so Execute can close it when RunE fails, since cobra
	// skips PersistentPostRun in that case.
	app *app.App
}

func (f *rootFlags) closeApp() {
	if f.app == nil {
		return
	}
	f.app.Close()
	_ = f.app.Logger().Sync()
	f.app = nil
}

// newApp is the application factory; tests replace it to inject a transport.
var newApp = app.New

func newRootCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alcalor-scraper",
		Short: "Scrapes alcalorpolitico articles into Postgres and JSON day files.",
		Long: `alcalor-scraper fetches the daily article archive of alcalorpolitico.com,
extracts every article and stores it idempotently. It runs single days,
date ranges, the recent rescrape window, or a resumable historical backfill.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := flags.configPath
			if path == "" {
				path = config.FindFile()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, app.Options{
				Concurrency: flags.concurrency,
				DBOnly:      flags.dbOnly,
				NoDB:        flags.noDB,
			}, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("initialize application services: %w", err)
			}
			flags.app = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, a))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			flags.closeApp()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ./config.yaml, then $HOME/.alcalor-scraper/config.yaml)")
	pf.IntVar(&flags.concurrency, "concurrency", 0, "override scraper.concurrency (1-20)")
	pf.BoolVar(&flags.dbOnly, "db-only", false, "write to the database only, skip JSON day files")
	pf.BoolVar(&flags.noDB, "no-db", false, "skip the database, write JSON day files only")

	cmd.AddCommand(
		newScrapeCmd(),
		newBackfillCmd(),
		newHealthCheckCmd(),
		newMigrateCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKeyType{}).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the CLI until it finishes or SIGINT/SIGTERM cancels it, and
// returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flags := &rootFlags{}
	err := newRootCmd(flags).ExecuteContext(ctx)
	if err != nil && flags.app != nil {
		flags.app.Logger().Error("command failed", zap.Error(err))
	}
	flags.closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
