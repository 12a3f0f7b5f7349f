package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/soyeahso/unisync/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		listen     string
		noAutoSync bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync loop",
		Long: "Serves /api (agents, invocation, sync), /healthz and /metrics, and runs\n" +
			"auto-sync on the configured interval until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp()
			cfg := a.Config

			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var syncDone <-chan struct{}
			if !noAutoSync {
				syncDone = a.Engine.StartAutoSync(ctx)
			}

			srv := server.New(a.Router, a.Engine, a.Health, server.Options{
				Listen:         cfg.Server.Listen,
				Token:          cfg.Server.Token,
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}, log, server.WithEvents(a.Events))

			err = srv.Start(ctx)
			stop()
			if syncDone != nil {
				<-syncDone
			}
			log.Info().Msg("stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&noAutoSync, "no-auto-sync", false, "do not run the background sync loop")

	return cmd
}
