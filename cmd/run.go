package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/api"
)

// newRunCmd creates the 'run' subcommand, which executes one discovery run.
func newRunCmd() *cobra.Command {
	var postcodes []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover and store activities near the given postcodes",
		Long: `Searches every configured engine for each keyword near each postcode,
processes the discovered pages and prints a JSON run summary. Postcodes
default to search.postcodes from the configuration.`,
		Example: `  activityscout run --postcode "SW1A 1AA" --postcode E16AN`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiscovery(cmd, postcodes)
		},
	}
	cmd.Flags().StringSliceVarP(&postcodes, "postcode", "p", nil, "UK postcode to search near (repeatable)")
	return cmd
}

func runDiscovery(cmd *cobra.Command, postcodes []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()
	if len(postcodes) == 0 {
		postcodes = cfg.Search.Postcodes
	}
	if len(postcodes) == 0 {
		return errors.New("no postcodes given; pass --postcode or set search.postcodes")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	serveErr := make(chan error, 1)
	if cfg.Metrics.Addr != "" {
		srv := api.NewServer(appInstance.Store(), appInstance, logger.Named("api"))
		go func() { serveErr <- srv.Serve(ctx, cfg.Metrics.Addr) }()
	} else {
		close(serveErr)
	}

	summary, runErr := appInstance.Run(ctx, postcodes)
	cancel()
	if err := <-serveErr; err != nil {
		logger.Warn("metrics server stopped with error", zap.Error(err))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("run discovery: %w", runErr)
	}
	return nil
}
