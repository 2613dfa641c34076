package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/iofold/iofold-jobs/internal/platform/shutdown"
)

func main() {
	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobctl",
		Usage: "submit and watch background jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "dotenv file to load before reading the environment",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "job API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("JOBS_URL"),
			},
			&cli.StringFlag{
				Name:    "workspace",
				Usage:   "workspace id sent as X-Workspace-Id",
				Value:   "default",
				Sources: cli.EnvVars("JOBS_WORKSPACE"),
			},
		},
		Before: loadEnv,
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "submit a job",
				ArgsUsage: "<type>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "payload",
						Usage: "JSON payload, or @path to read it from a file",
						Value: "{}",
					},
					&cli.StringFlag{
						Name:  "idempotency-key",
						Usage: "deduplicate submissions with the same key",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "watch the job until it finishes",
					},
				}, watchFlags()...),
				Action: submitAction,
			},
			{
				Name:      "get",
				Usage:     "print the current job record",
				ArgsUsage: "<job-id>",
				Action:    getAction,
			},
			{
				Name:      "watch",
				Usage:     "follow a job until it reaches a terminal state",
				ArgsUsage: "<job-id>",
				Flags:     watchFlags(),
				Action:    watchAction,
			},
			{
				Name:      "cancel",
				Usage:     "request cancellation of a job",
				ArgsUsage: "<job-id>",
				Action:    cancelAction,
			},
		},
	}
}

func watchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "interval between polls when streaming is unavailable",
			Sources: cli.EnvVars("MONITOR_POLL_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "stream-idle",
			Usage:   "fall back to polling when the stream is silent this long (0 means five poll intervals)",
			Sources: cli.EnvVars("MONITOR_STREAM_IDLE"),
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "give up watching after this long (0 waits indefinitely)",
		},
		&cli.BoolFlag{
			Name:  "no-stream",
			Usage: "poll only",
		},
	}
}
