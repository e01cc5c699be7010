// Package errors provides error wrapping utilities and the typed errors
// that a build surfaces to the operator.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// New, Is and As mirror the standard library so callers need one import.
func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// ConfigurationError reports an unknown feature, format or shell value.
// It is raised before any stage runs and is never retried.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
		if e.Value != "" {
			fmt.Fprintf(&b, " %q", e.Value)
		}
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Configf builds a ConfigurationError for field and value.
func Configf(field, value, format string, args ...any) error {
	return &ConfigurationError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// PreconditionError reports missing inputs detected before the filesystem is touched.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// Preconditionf builds a PreconditionError.
func Preconditionf(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// ExternalCommandError reports a non-zero exit or timeout of an invoked tool.
type ExternalCommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// NetworkError reports a non-2xx response or a timeout from a remote catalog.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("request to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CacheIntegrityError means the snapshot cache and the filesystem diverged,
// e.g. a rollback target is missing.
type CacheIntegrityError struct {
	Snapshot string
	Reason   string
}

func (e *CacheIntegrityError) Error() string {
	return fmt.Sprintf("cache integrity error: snapshot %q: %s", e.Snapshot, e.Reason)
}

// KindOf returns a short label for the typed error found in err's chain.
func KindOf(err error) string {
	var (
		cfgErr   *ConfigurationError
		preErr   *PreconditionError
		cmdErr   *ExternalCommandError
		netErr   *NetworkError
		cacheErr *CacheIntegrityError
	)
	switch {
	case err == nil:
		return ""
	case As(err, &cfgErr):
		return "configuration"
	case As(err, &preErr):
		return "precondition"
	case As(err, &cacheErr):
		return "cache_integrity"
	case As(err, &netErr):
		return "network"
	case As(err, &cmdErr):
		return "external_command"
	default:
		return "internal"
	}
}
