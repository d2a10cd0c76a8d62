package main

import (
	"errors"
	"fmt"
)

// ConfigurationError reports invalid static configuration. It is returned
// from constructors and config validation, never from a forward pass, and
// always indicates caller misuse that must be fixed rather than retried.
type ConfigurationError struct {
	Field  string // configuration field that failed validation
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// configErrorf builds a ConfigurationError with a formatted reason.
func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ShapeMismatchError reports a per-call tensor shape that disagrees with
// the model's configured geometry (wrong spatial size, wrong channel count,
// or batch sizes that differ between paired inputs). It propagates to the
// caller unmodified; the model never retries or repairs shapes.
type ShapeMismatchError struct {
	What string // which input or dimension disagrees
	Want string
	Got  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: %s: want %s, got %s", e.What, e.Want, e.Got)
}

// shapeErrorf builds a ShapeMismatchError from want/got shape descriptions.
func shapeErrorf(what string, want, got interface{}) error {
	return &ShapeMismatchError{
		What: what,
		Want: fmt.Sprint(want),
		Got:  fmt.Sprint(got),
	}
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsShapeMismatchError reports whether err is (or wraps) a ShapeMismatchError.
func IsShapeMismatchError(err error) bool {
	var se *ShapeMismatchError
	return errors.As(err, &se)
}
