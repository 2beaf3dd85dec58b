package verify

import "fmt"

// VerificationFailure is returned when the syntax checker rejects a configuration
type VerificationFailure struct {
	Path   string
	Output string
	Err    error
}

func (e *VerificationFailure) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("verification of %s failed: %s", e.Path, e.Output)
	}
	return fmt.Sprintf("verification of %s failed: %v", e.Path, e.Err)
}

func (e *VerificationFailure) Unwrap() error {
	return e.Err
}

// FatalError means no known-good configuration could be restored
type FatalError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal: %s: %s", e.Path, e.Reason)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
