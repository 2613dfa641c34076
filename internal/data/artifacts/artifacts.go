package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("artifact not found")

// Trace is one agent execution trace pulled from an observability platform.
type Trace struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integration_id"`
	Input         string          `json:"input"`
	Output        string          `json:"output"`
	Steps         json.RawMessage `json:"steps,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
}

type FetchRequest struct {
	IntegrationID string
	Cursor        string
	Limit         int
}

// TracePage is one page of traces. An empty NextCursor means no more data.
type TracePage struct {
	Traces     []Trace `json:"traces"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Eval is generated evaluation code for an eval set.
type Eval struct {
	ID        string    `json:"id"`
	EvalSetID string    `json:"eval_set_id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type EvalResult struct {
	TraceID string  `json:"trace_id"`
	Passed  bool    `json:"passed"`
	Score   float64 `json:"score"`
	Detail  string  `json:"detail,omitempty"`
}

// Store is the in-process stand-in for the resource stores that own imported
// traces, evals and eval runs.
type Store struct {
	mu      sync.RWMutex
	traces  map[string]Trace
	imports map[string][]string
	evals   map[string]Eval
	runs    map[string][]EvalResult
}

func NewStore() *Store {
	return &Store{
		traces:  make(map[string]Trace),
		imports: make(map[string][]string),
		evals:   make(map[string]Eval),
		runs:    make(map[string][]EvalResult),
	}
}

// SaveTraces appends traces to the import identified by ref.
func (s *Store) SaveTraces(_ context.Context, ref string, traces []Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range traces {
		if t.ID == "" {
			return fmt.Errorf("save traces: trace without id")
		}
		s.traces[t.ID] = t
		s.imports[ref] = append(s.imports[ref], t.ID)
	}
	return nil
}

func (s *Store) ImportedTraces(ref string) []Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.imports[ref]
	out := make([]Trace, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.traces[id])
	}
	return out
}

func (s *Store) Trace(_ context.Context, id string) (Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return Trace{}, fmt.Errorf("trace %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Store) SaveEval(_ context.Context, e Eval) (Eval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.evals[e.ID] = e
	return e, nil
}

func (s *Store) Eval(_ context.Context, id string) (Eval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evals[id]
	if !ok {
		return Eval{}, fmt.Errorf("eval %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (s *Store) SaveResults(_ context.Context, ref string, results []EvalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[ref] = append(s.runs[ref], results...)
	return nil
}

func (s *Store) Results(ref string) []EvalResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EvalResult(nil), s.runs[ref]...)
}

// SyntheticSource serves deterministic traces so imports work without an
// external platform. Delay is applied per page.
type SyntheticSource struct {
	Total int
	Delay time.Duration
}

func (s SyntheticSource) FetchTraces(ctx context.Context, req FetchRequest) (TracePage, error) {
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return TracePage{}, fmt.Errorf("bad cursor %q", req.Cursor)
		}
		offset = n
	}
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return TracePage{}, ctx.Err()
		case <-t.C:
		}
	}
	total := s.Total
	if total <= 0 {
		total = 1000
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := TracePage{}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := offset; i < end; i++ {
		page.Traces = append(page.Traces, Trace{
			ID:            fmt.Sprintf("%s-trace-%04d", req.IntegrationID, i),
			IntegrationID: req.IntegrationID,
			Input:         fmt.Sprintf("question %d", i),
			Output:        fmt.Sprintf("answer %d", i),
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
		})
	}
	if end < total {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// Example is a labelled trace used to steer eval generation.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Pass   bool   `json:"pass"`
}

// EvalSpec describes the eval a synthesizer should write.
type EvalSpec struct {
	EvalSetID    string    `json:"eval_set_id"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	Examples     []Example `json:"examples"`
}
