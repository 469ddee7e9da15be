// vrstool inspects, validates, copies, merges, and repairs recordings.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	app := &cli.Command{
		Name:  "vrstool",
		Usage: "Multi-stream sensor recording toolbox",
		Commands: []*cli.Command{
			infoCommand(),
			checkCommand(),
			checksumCommand(),
			compareCommand(),
			copyCommand(),
			mergeCommand(),
			fixIndexCommand(),
			detailsCacheCommand(),
			catalogCommand(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}
