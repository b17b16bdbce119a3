// Package cli defines the meetcap command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vivek-mule/persona-meet/internal/config"
	"github.com/vivek-mule/persona-meet/internal/version"
)

type Dependencies struct {
	Config *config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "meetcap",
		Short: "Join video meetings as a bot and record the call audio",
		Long:  "meetcap drives a Chrome instance that joins a meeting as a guest, records the remote audio into a WebM file, and saves it to the recordings directory.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewJoinCmd(deps))

	return rootCmd
}
