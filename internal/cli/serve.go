package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vivek-mule/persona-meet/internal/app"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		Long:  "Start the browser and expose session control over HTTP. Sessions are opened with POST /sessions and stopped with POST /sessions/stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, deps.Config)
			if err != nil {
				return err
			}
			return application.Serve(ctx)
		},
	}
}
