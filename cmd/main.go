package main

import (
	"context"
	"fmt"
	"os"

	"github.com/iofold/iofold-jobs/internal/app"
	"github.com/iofold/iofold-jobs/internal/platform/shutdown"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	if err := a.Run(ctx); err != nil {
		a.Log.Error("Job service exited with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	a.Log.Info("Job service stopped")
}
