package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Job is a unit of work claimed from the engine. Targets are opaque to the
// worker and handed to the executor unchanged.
type Job struct {
	ID      string            `json:"jobId"`
	Targets []json.RawMessage `json:"targets"`
}

// Result is the successful outcome of an execution. Raw is the scanner's
// native output and travels to the engine as a string.
type Result struct {
	Findings []Finding
	Raw      []byte
}

// JobError is a failure carrying a short kind (eg. InvalidTarget) and
// a human readable message.
type JobError struct {
	Kind    string
	Message string
}

func (e *JobError) Error() string {
	return e.Kind + ": " + e.Message
}

// NewJobError returns a JobError of a given kind
func NewJobError(kind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

const (
	KindError           = "Error"
	KindPanic           = "Panic"
	KindInvalidTarget   = "InvalidTarget"
	KindSubmissionError = "SubmissionError"
	KindTimeout         = "Timeout"
)

// Failure is the failure report as sent to the engine
type Failure struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails"`
	ScannerID    string `json:"scannerId"`
}

// NewFailure normalizes any error into a Failure. A JobError in the chain
// keeps its kind, every other error is reported as a generic Error.
func NewFailure(err error) Failure {
	if err == nil {
		return Failure{ErrorMessage: KindError, ErrorDetails: "unknown error"}
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		kind := jobErr.Kind
		if kind == "" {
			kind = KindError
		}
		return Failure{ErrorMessage: kind, ErrorDetails: jobErr.Message}
	}
	return Failure{ErrorMessage: KindError, ErrorDetails: err.Error()}
}

// TaskCounters are monotonic counters of jobs processed by the worker
type TaskCounters struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// NewWorkerID returns an unique identifier of a worker with a given name
func NewWorkerID(name string) string {
	return "securebox." + name + "." + uuid.NewString()
}
