package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	"github.com/iofold/iofold-jobs/internal/jobs/pipeline/execute_eval"
	"github.com/iofold/iofold-jobs/internal/jobs/pipeline/generate_eval"
	"github.com/iofold/iofold-jobs/internal/jobs/pipeline/import_traces"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/platform/openai"
	"github.com/iofold/iofold-jobs/internal/platform/sandbox"
	"github.com/iofold/iofold-jobs/internal/platform/traceplatform"
	"github.com/iofold/iofold-jobs/internal/realtime/bus"
)

type Clients struct {
	Bus         bus.Bus
	Traces      import_traces.TraceSource
	Synthesizer generate_eval.EvalSynthesizer
	Model       string
	Executor    execute_eval.EvalExecutor
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Realtime bus
	switch cfg.Bus {
	case BusRedis:
		b, err := bus.NewRedisBus(log, cfg.Redis)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis bus: %w", err)
		}
		out.Bus = b
	case BusNATS:
		b, err := bus.NewNATSBus(log, cfg.NATS)
		if err != nil {
			return Clients{}, fmt.Errorf("init nats bus: %w", err)
		}
		out.Bus = b
	}

	hc := &http.Client{Timeout: 60 * time.Second}

	// Trace platform
	if cfg.TracePlatformURL != "" {
		tp, err := traceplatform.New(traceplatform.Options{
			BaseURL:    cfg.TracePlatformURL,
			APIKey:     cfg.TracePlatformAPIKey,
			HTTPClient: hc,
			Log:        log,
		})
		if err != nil {
			out.closeBus()
			return Clients{}, fmt.Errorf("init trace platform client: %w", err)
		}
		out.Traces = tp
	} else {
		log.Warn("TRACE_PLATFORM_URL not set; importing synthetic traces")
		out.Traces = artifacts.SyntheticSource{Delay: 200 * time.Millisecond}
	}

	// OpenAI
	synth, err := openai.NewSynthesizer(openai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	}, log)
	switch {
	case err == nil:
		out.Synthesizer = synth
		out.Model = synth.Model()
	case errors.Is(err, openai.ErrAPIKeyNotSet):
		log.Warn("OPENAI_API_KEY not set; eval generation uses the template synthesizer")
		out.Synthesizer = generate_eval.TemplateSynthesizer{}
		out.Model = "template"
	default:
		out.closeBus()
		return Clients{}, fmt.Errorf("init openai synthesizer: %w", err)
	}

	// Eval sandbox
	if cfg.EvalSandboxURL != "" {
		sb, err := sandbox.New(cfg.EvalSandboxURL, hc)
		if err != nil {
			out.closeBus()
			return Clients{}, fmt.Errorf("init eval sandbox client: %w", err)
		}
		out.Executor = sb
	} else {
		out.Executor = execute_eval.LocalExecutor{}
	}

	return out, nil
}

func (c Clients) closeBus() {
	if c.Bus != nil {
		_ = c.Bus.Close()
	}
}
