/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides the coordinator's error taxonomy: a general
// purpose OperationError for ambient failures, plus a small set of
// typed, numerically-coded variants for the categories the incident
// lifecycle must dispatch on (§7 of the design: Validation, NotFound,
// Conflict, CircuitOpen, Throttled, Timeout, GuardrailBlock,
// BudgetExceeded, Cancelled, Corruption, Internal).
package errors

import (
	"fmt"
	"strings"
)

// OperationError carries enough context to produce an actionable log
// line without the caller needing to re-assemble it from scratch.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString("failed to ")
	b.WriteString(e.Operation)
	if e.Component != "" {
		b.WriteString(", component: ")
		b.WriteString(e.Component)
	}
	if e.Resource != "" {
		b.WriteString(", resource: ")
		b.WriteString(e.Resource)
	}
	if e.Cause != nil {
		b.WriteString(", cause: ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a minimal OperationError with only an action and an
// optional cause.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds a fully-populated OperationError.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf adds context to err using fmt.Errorf's %w verb; a nil err
// yields a nil result so call sites can Wrapf unconditionally.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError tags a failure as originating from the storage layer.
func DatabaseError(operation string, cause error) error {
	return FailedToWithDetails(operation, "database", "", cause)
}

// NetworkError tags a failure as originating from a network call to endpoint.
func NetworkError(operation, endpoint string, cause error) error {
	return FailedToWithDetails(operation, "network", endpoint, cause)
}

// ValidationError reports that field failed a validation rule.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports a bad configuration setting.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError reports a deadline exceeded while waiting on operation.
func TimeoutError(operation, after string) error {
	return fmt.Errorf("timeout while waiting for %s after %s", operation, after)
}

// AuthenticationError reports a failed authentication attempt.
func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

// AuthorizationError reports that the caller lacked permission to act on resource.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError reports a failure decoding resource as format.
func ParseError(resource, format string, cause error) error {
	return FailedToWithDetails(fmt.Sprintf("parse %s as %s", resource, format), "parser", resource, cause)
}

// IsRetryable is a heuristic over plain errors (no typed wrapping) used
// at boundaries that only see an opaque error, e.g. a third-party
// client. Prefer the typed Kind-based classification in kind.go when the
// producing call site controls the error type.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection refused", "unavailable", "temporarily", "throttl", "reset by peer"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Chain joins non-nil errors into a single error; nil inputs are
// skipped; a single remaining error is returned unwrapped.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, e := range nonNil {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
