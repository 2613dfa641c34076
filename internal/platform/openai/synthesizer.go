package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	"github.com/iofold/iofold-jobs/internal/pkg/httpx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second
	maxRetries     = 3
)

var ErrAPIKeyNotSet = errors.New("OPENAI_API_KEY not set")

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Synthesizer asks a chat model to write evaluation code from labelled examples.
type Synthesizer struct {
	client  openai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

func NewSynthesizer(cfg Config, baseLog *logger.Logger) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyNotSet
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Synthesizer{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
		log:     baseLog.With("client", "OpenAISynthesizer"),
	}, nil
}

func (s *Synthesizer) Model() string { return s.model }

func (s *Synthesizer) Synthesize(ctx context.Context, spec artifacts.EvalSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(spec)),
		},
		Temperature: openai.Float(0.2),
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := httpx.Sleep(ctx, httpx.Backoff(attempt-1, 2*time.Second, 32*time.Second)); err != nil {
				return "", err
			}
		}
		completion, err := s.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if IsRateLimit(err) {
				s.log.Warn("openai rate limited; backing off", "attempt", attempt+1)
				continue
			}
			return "", fmt.Errorf("openai chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("openai returned no choices")
		}
		code := stripFences(completion.Choices[0].Message.Content)
		if code == "" {
			return "", fmt.Errorf("openai returned empty eval code")
		}
		return code, nil
	}
	return "", fmt.Errorf("openai retries exhausted: %w", lastErr)
}

func IsRateLimit(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

const systemPrompt = "You write Python evaluation functions for AI agent traces. " +
	"Reply with a single function `def evaluate(trace) -> tuple[bool, str]` and nothing else."

func userPrompt(spec artifacts.EvalSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Eval name: %s\n", spec.Name)
	if spec.Instructions != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", spec.Instructions)
	}
	b.WriteString("Labelled examples:\n")
	for i, ex := range spec.Examples {
		verdict := "FAIL"
		if ex.Pass {
			verdict = "PASS"
		}
		fmt.Fprintf(&b, "%d. [%s]\ninput: %s\noutput: %s\n", i+1, verdict, ex.Input, ex.Output)
	}
	return b.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
