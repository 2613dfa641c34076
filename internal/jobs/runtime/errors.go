package runtime

import (
	"errors"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
)

// ErrStopped is returned to a work unit once its job has left the running
// state (cancelled, reaped, or finished elsewhere). The unit should return.
var ErrStopped = errors.New("job is no longer running")

// CodedError lets a work unit choose the {code, message} its job fails with.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// CodeOf returns the code attached to err, or run_failed.
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return jobs.CodeRunFailed
}
