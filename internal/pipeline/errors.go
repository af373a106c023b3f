package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pass stages, as reported in errors and events.
const (
	StageLock       = "lock"
	StageInterpret  = "interpret"
	StageVerify     = "verify"
	StageExecute    = "execute"
	StagePlan       = "plan"
	StageApply      = "apply"
	StageSynthesize = "synthesize"
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("pipeline closed")

// CollaboratorError reports a failed, timed out or panicking stage.
// The session stays usable after one.
type CollaboratorError struct {
	Stage string
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// call runs fn with a deadline. A panic in fn, an error, or the deadline
// passing all come back as a *CollaboratorError for stage. fn keeps running
// in the background if it ignores its context; its result is discarded.
func call[T any](ctx context.Context, timeout time.Duration, stage string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{v: v, err: err}
	}()

	var zero T
	select {
	case o := <-done:
		if o.err != nil {
			return zero, &CollaboratorError{Stage: stage, Err: o.err}
		}
		return o.v, nil
	case <-ctx.Done():
		return zero, &CollaboratorError{Stage: stage, Err: ctx.Err()}
	}
}
