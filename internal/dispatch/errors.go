package dispatch

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrInvalidState is returned by operations against a dispatcher in the wrong lifecycle state.
	ErrInvalidState = errors.New("invalid dispatcher state")
	// ErrInvalidArgument is returned for bad construction parameters and malformed rows.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStopTimeout is returned when workers do not exit within the stop timeout.
	ErrStopTimeout = errors.New("timed out waiting for workers to stop")
)

// Worker outcomes reported by Results.
const (
	ResultCompleted = "COMPLETED"
	ResultCancelled = "CANCELLED"
)

// WorkerResult is the terminal outcome of one worker slot.
type WorkerResult struct {
	Worker string `json:"worker"`
	Result string `json:"result"`
}

// WorkerFault is an unhandled error that terminated a worker.
type WorkerFault struct {
	Worker string
	Err    error
}

func (f WorkerFault) Error() string {
	return fmt.Sprintf("%s: %v", f.Worker, f.Err)
}

func (f WorkerFault) Unwrap() error {
	return f.Err
}

// AggregateResultsError reports every worker fault alongside the results of
// the workers that ended cleanly.
type AggregateResultsError struct {
	Results []WorkerResult
	Faults  []WorkerFault
}

func (e *AggregateResultsError) Error() string {
	return fmt.Sprintf("%d worker(s) failed: %v", len(e.Faults), multierr.Combine(e.Unwrap()...))
}

func (e *AggregateResultsError) Unwrap() []error {
	errs := make([]error, 0, len(e.Faults))
	for _, f := range e.Faults {
		errs = append(errs, f)
	}
	return errs
}
