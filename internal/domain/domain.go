package domain

import (
	"github.com/iofold/iofold-jobs/internal/domain/jobs"
)

const (
	JobStatusQueued    = jobs.StatusQueued
	JobStatusRunning   = jobs.StatusRunning
	JobStatusCompleted = jobs.StatusCompleted
	JobStatusFailed    = jobs.StatusFailed
	JobStatusCancelled = jobs.StatusCancelled
)

const (
	JobTypeImportTraces = jobs.TypeImportTraces
	JobTypeGenerateEval = jobs.TypeGenerateEval
	JobTypeExecuteEval  = jobs.TypeExecuteEval
)

const (
	CodeTimeout     = jobs.CodeTimeout
	CodePanic       = jobs.CodePanic
	CodeRunFailed   = jobs.CodeRunFailed
	CodeUnknownType = jobs.CodeUnknownType
	CodeBadPayload  = jobs.CodeBadPayload
	CodeInterrupted = jobs.CodeInterrupted
)

type Job = jobs.Job
type JobEvent = jobs.Event
type JobError = jobs.JobError
type JobStatus = jobs.Status
type JobType = jobs.Type

var ErrJobNotFound = jobs.ErrNotFound
