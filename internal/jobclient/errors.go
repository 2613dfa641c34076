package jobclient

import (
	"errors"
	"fmt"
)

var (
	// ErrMonitorTimeout means no terminal state was observed in time. It says
	// nothing about the job itself, which may still be running.
	ErrMonitorTimeout = errors.New("jobclient: timed out waiting for a terminal job state")

	// ErrStopped is returned by Run after Stop was called.
	ErrStopped = errors.New("jobclient: monitor stopped")

	// ErrRequestBudgetExhausted is returned by Governor.Wait once the session
	// hard cap has been spent.
	ErrRequestBudgetExhausted = errors.New("jobclient: request budget exhausted")

	errAlreadyStarted = errors.New("jobclient: monitor already started")
	errStreamIdle     = errors.New("jobclient: no stream event within the idle timeout")
)

// HTTPError is a non-2xx answer from the jobs API, decoded from the
// {"error":{"message","code"}} envelope when present.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("jobs api: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("jobs api: status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }
