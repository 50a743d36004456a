package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/ClassPod"
	"github.com/jxucoder/ClassPod/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ClassPod server",
	Long: `Start the HTTP API, the practice terminal endpoint and the orphan
sandbox reaper. Configuration comes from the environment and
~/.classpod/config.env (see: classpod config show).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	app, err := classpod.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Start(ctx)
}
