package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	types "github.com/iofold/iofold-jobs/internal/domain"
)

var (
	ErrUnknownType    = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid payload")
)

type Handler interface {
	Type() types.JobType
	Run(ctx *Context) error
}

// PayloadValidator is implemented by handlers that can reject a payload at
// submission time, before any job record exists.
type PayloadValidator interface {
	ValidatePayload(raw []byte) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[types.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.JobType]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType types.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *Registry) Types() []types.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate rejects unregistered types and payloads the handler refuses.
func (r *Registry) Validate(jobType types.JobType, payload []byte) error {
	h, ok := r.Get(jobType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	if v, ok := h.(PayloadValidator); ok {
		if err := v.ValidatePayload(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}
