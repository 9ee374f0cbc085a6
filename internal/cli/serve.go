package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"servicedeck/internal/app"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, watcher and notifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, e.cfgPath, app.WithListen(e.v.GetString("web_host"), e.v.GetString("web_port")))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			stopCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
	cmd.Flags().String("host", "", "listen host, overrides server.addr (env WEB_HOST)")
	cmd.Flags().String("port", "", "listen port, overrides server.addr (env WEB_PORT)")
	_ = e.v.BindPFlag("web_host", cmd.Flags().Lookup("host"))
	_ = e.v.BindPFlag("web_port", cmd.Flags().Lookup("port"))
	return cmd
}
