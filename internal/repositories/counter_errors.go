package repositories

import (
	"errors"
	"fmt"
)

var (
	// ErrCounterInvalidInput marks a Next call with a blank counter id or a negative step.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted marks a sequence that would pass its configured ceiling.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterError reports which sequence failed. Match the cause with errors.Is against the
// ErrCounter* sentinels.
type CounterError struct {
	Counter string
	Cause   error
	Detail  string
}

func (e *CounterError) Error() string {
	if e.Counter == "" {
		return fmt.Sprintf("%v: %s", e.Cause, e.Detail)
	}
	return fmt.Sprintf("%v: %s: %s", e.Cause, e.Counter, e.Detail)
}

func (e *CounterError) Unwrap() error { return e.Cause }

// InvalidCounterInput builds the error returned for rejected Next arguments.
func InvalidCounterInput(counter, detail string) *CounterError {
	return &CounterError{Counter: counter, Cause: ErrCounterInvalidInput, Detail: detail}
}

// CounterExhausted builds the error returned when a bounded sequence runs out.
func CounterExhausted(counter string, ceiling int64) *CounterError {
	return &CounterError{Counter: counter, Cause: ErrCounterExhausted, Detail: fmt.Sprintf("ceiling %d reached", ceiling)}
}
