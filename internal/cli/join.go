package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vivek-mule/persona-meet/internal/app"
)

func NewJoinCmd(deps *Dependencies) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "join <meeting-url-or-code>",
		Short: "Join one meeting, record it, and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if name != "" {
				deps.Config.BotName = name
			}

			application, err := app.New(ctx, deps.Config)
			if err != nil {
				return err
			}
			return application.JoinAndRecord(ctx, args[0])
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Guest name shown in the meeting")

	return cmd
}
