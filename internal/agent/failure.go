package agent

import (
	"errors"
	"fmt"
)

// Failure is a domain-level handler failure. Unlike an unexpected fault,
// which abandons the exchange and puts the agent in the error state, a
// Failure is reported back to the requester as a response with success=false,
// and the agent returns to idle.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

// Failf builds a Failure with a formatted reason.
func Failf(format string, args ...any) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...)}
}

// AsFailure reports whether err is (or wraps) a Failure.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
