package common

import (
	"errors"
	"fmt"
)

// RunFatalError aborts a pipeline run. Every other error kind is recovered
// per entity or per reference and only counted.
type RunFatalError struct {
	Stage string
	Err   error
}

func (e *RunFatalError) Error() string {
	return fmt.Sprintf("run aborted in %s: %v", e.Stage, e.Err)
}

func (e *RunFatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a RunFatalError raised by stage.
func Fatal(stage string, err error) error {
	return &RunFatalError{Stage: stage, Err: err}
}

// IsFatal reports whether err aborts the run.
func IsFatal(err error) bool {
	var fe *RunFatalError
	return errors.As(err, &fe)
}
