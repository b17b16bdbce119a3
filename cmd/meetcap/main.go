package main

import (
	"fmt"
	"os"

	"github.com/vivek-mule/persona-meet/internal/cli"
	"github.com/vivek-mule/persona-meet/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	deps := &cli.Dependencies{Config: cfg}
	return cli.NewRootCmd(deps).Execute()
}
