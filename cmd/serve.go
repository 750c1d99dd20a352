package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/activity-scout/internal/api"
)

const defaultServeAddr = ":8080"

// newServeCmd creates the 'serve' subcommand, a read-only HTTP view of stored
// activities and site health.
func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored activities, site health and metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = appInstance.Config().Metrics.Addr
			}
			if addr == "" {
				addr = defaultServeAddr
			}
			srv := api.NewServer(appInstance.Store(), appInstance, appInstance.Logger().Named("api"))
			return srv.Serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default metrics.addr or :8080)")
	return cmd
}
