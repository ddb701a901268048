package entities

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a request for a logical model that is not configured.
type ConfigurationError struct {
	LogicalModel string
	Reason       string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("logical model %q: %s", e.LogicalModel, e.Reason)
	}
	return fmt.Sprintf("logical model %q is not configured", e.LogicalModel)
}

// AdapterError wraps a backend failure with the instance that produced it.
type AdapterError struct {
	Instance string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("instance %s: %v", e.Instance, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// AllInstancesFailedError is returned when every candidate instance was
// skipped or failed. Events holds the full attempt log.
type AllInstancesFailedError struct {
	LogicalModel string
	LastErr      error
	Events       []FailoverEvent
}

func (e *AllInstancesFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all instances failed for %q", e.LogicalModel)
	if e.LastErr != nil {
		fmt.Fprintf(&b, ": %v", e.LastErr)
	} else {
		b.WriteString(": no usable instance")
	}
	return b.String()
}

func (e *AllInstancesFailedError) Unwrap() error { return e.LastErr }
