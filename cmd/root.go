// Package cmd defines and implements the CLI commands for the activityscout executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/app"
	"github.com/JakeFAU/activity-scout/internal/config"
	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/logging"
	"github.com/JakeFAU/activity-scout/internal/pipeline"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a mock.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Store() crawler.ActivityStore
	Sites() []crawler.SiteRecord
	Run(ctx context.Context, postcodes []string) (pipeline.Summary, error)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newLogger builds the process logger. Tests replace it.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
}

// newRootCmd creates and configures the root command. The returned cleanup
// closes the App when a subcommand fails, since cobra skips post-run hooks
// after an error.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		active  App
	)
	cleanup := func() {
		if active == nil {
			return
		}
		active.Close()
		_ = active.Logger().Sync()
		active = nil
	}
	cmd := &cobra.Command{
		Use:   "activityscout",
		Short: "Finds children's activities near UK postcodes.",
		Long: `activityscout searches the web for children's activities near one or more
UK postcodes. It fetches candidate pages politely, keeps the relevant ones,
extracts structured activity records and stores them without duplicates.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			active = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			cleanup()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (environment variables use the SCOUT_ prefix)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newActivitiesCmd())
	cmd.AddCommand(newSitesCmd())
	cmd.AddCommand(newServeCmd())

	return cmd, cleanup
}

// Execute runs the root command with ctx and exits non-zero on failure.
func Execute(ctx context.Context) {
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "activityscout:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
