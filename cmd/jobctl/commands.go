package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/jobclient"
	"github.com/iofold/iofold-jobs/internal/platform/envutil"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

var stdout io.Writer = os.Stdout

func loadEnv(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := cmd.String("env")
	if path == "" {
		return ctx, nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ctx, fmt.Errorf("load %s: %w", path, err)
	}
	return ctx, nil
}

func newClient(cmd *cli.Command) (*jobclient.Client, error) {
	return jobclient.New(jobclient.Options{
		BaseURL:     cmd.String("url"),
		WorkspaceID: cmd.String("workspace"),
	})
}

func jobIDArg(cmd *cli.Command) (uuid.UUID, error) {
	raw := strings.TrimSpace(cmd.Args().First())
	if raw == "" {
		return uuid.Nil, cli.Exit("missing <job-id>", 2)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, cli.Exit(fmt.Sprintf("invalid job id %q", raw), 2)
	}
	return id, nil
}

func readPayload(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = string(b)
	}
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func submitAction(ctx context.Context, cmd *cli.Command) error {
	jobType := strings.TrimSpace(cmd.Args().First())
	if jobType == "" {
		return cli.Exit("missing <type>", 2)
	}
	payload, err := readPayload(cmd.String("payload"))
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	job, created, err := client.Submit(ctx, jobs.Type(jobType), payload, cmd.String("idempotency-key"))
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(os.Stderr, "idempotency key matched existing job %s\n", job.ID)
	}
	if !cmd.Bool("watch") {
		return printJSON(job)
	}
	return watch(ctx, cmd, client, job.ID)
}

func getAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	job, err := client.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func cancelAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	job, err := client.Cancel(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	return watch(ctx, cmd, client, id)
}

func watch(ctx context.Context, cmd *cli.Command, client *jobclient.Client, id uuid.UUID) error {
	log, err := logger.New(envutil.String("LOG_MODE", "test"))
	if err != nil {
		return err
	}
	defer log.Sync()

	m := jobclient.NewMonitor(client, id, jobclient.MonitorOptions{
		PollInterval:      cmd.Duration("poll-interval"),
		StreamIdleTimeout: cmd.Duration("stream-idle"),
		Timeout:           cmd.Duration("timeout"),
		Governor:          governorFromEnv(),
		DisableStream:     cmd.Bool("no-stream"),
		OnUpdate:          printUpdate,
		Log:               log,
	})
	res, err := m.Run(ctx)
	if err != nil {
		return fmt.Errorf("watch %s (%d requests, last transport %s): %w", id, m.Requests(), res.Transport, err)
	}
	if err := printJSON(res.State); err != nil {
		return err
	}
	if res.State.Status != jobs.StatusCompleted {
		return cli.Exit(fmt.Sprintf("job %s finished %s", id, res.State.Status), 1)
	}
	return nil
}

func governorFromEnv() jobclient.GovernorConfig {
	def := jobclient.DefaultGovernorConfig()
	return jobclient.GovernorConfig{
		Rate:        envutil.Float("MONITOR_RATE", def.Rate),
		Burst:       envutil.Int("MONITOR_BURST", def.Burst),
		Window:      envutil.Duration("MONITOR_WINDOW", def.Window),
		WindowMax:   envutil.Int("MONITOR_WINDOW_MAX", def.WindowMax),
		MaxRequests: envutil.Int("MONITOR_MAX_REQUESTS", def.MaxRequests),
	}
}

func printUpdate(e jobs.Event) {
	line := fmt.Sprintf("%-9s %5.1f%%", e.Status, e.Progress*100)
	if e.Stage != "" {
		line += " " + e.Stage
	}
	if e.Message != "" {
		line += ": " + e.Message
	}
	fmt.Fprintln(os.Stderr, line)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
