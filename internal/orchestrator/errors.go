package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// AggregatedError maps unit names to the error each raised during one
// fan-out. It is only returned when at least one unit failed.
type AggregatedError struct {
	Errors map[string]error
}

// Units returns the failed unit names in sorted order.
func (e *AggregatedError) Units() []string {
	names := make([]string, 0, len(e.Errors))
	for n := range e.Errors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *AggregatedError) Error() string {
	names := e.Units()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s: %v", n, e.Errors[n])
	}
	return fmt.Sprintf("%d unit(s) failed: %s", len(names), strings.Join(parts, "; "))
}

// Unwrap exposes every unit error to errors.Is and errors.As.
func (e *AggregatedError) Unwrap() []error {
	names := e.Units()
	out := make([]error, len(names))
	for i, n := range names {
		out[i] = e.Errors[n]
	}
	return out
}

func aggregate(errs map[string]error) error {
	if len(errs) == 0 {
		return nil
	}
	return &AggregatedError{Errors: errs}
}
