package utils

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// ExitErr reports err with the caller's location and exits with status 1.
func ExitErr(err error) {
	_, file, line, _ := runtime.Caller(1)
	fmt.Fprintf(os.Stderr, "fatal: %v (%s:%d)\n", err, file, line)
	os.Exit(1)
}

// MergedError is the failure of a fan-out. errors.Is and errors.As see every
// member error.
type MergedError struct {
	Hint string
	Errs []error
}

func (e *MergedError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s failed with %s: %s", e.Hint, Pluralize(len(e.Errs), "error", "errors"), strings.Join(msgs, ", "))
}

func (e *MergedError) Unwrap() []error {
	return e.Errs
}

// MergeErrors folds the non-nil errors of a fan-out into a *MergedError, or
// returns nil if there are none.
func MergeErrors(errs []error, hint string) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &MergedError{Hint: hint, Errs: failed}
}
