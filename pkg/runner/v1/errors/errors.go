package errors

import (
	"errors"
	"fmt"
)

// --- Runner Error Types ---

// ErrProfilerUnavailable is the sentinel matched by errors.Is for any
// ProfilerUnavailableError. Callers that cannot guarantee the confinement
// tooling is installed treat it as a skip condition.
var ErrProfilerUnavailable = errors.New("resource profiler unavailable")

// ConfigError represents an error encountered while loading or preparing the
// run configuration or controller options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (run configuration, a decoded
// record's structure) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// DecodeError reports a single stdout line that could not be turned into a
// structured record. It is non-fatal: the reader skips the line and continues.
type DecodeError struct {
	Line   int    // 1-based line number in the subprocess output
	Reason string // short machine-friendly reason, e.g. "not_json", "missing_event"
	Cause  error
}

func NewDecodeError(line int, reason string, cause error) *DecodeError {
	return &DecodeError{Line: line, Reason: reason, Cause: cause}
}
func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode error on line %d (%s): %v", e.Line, e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode error on line %d (%s)", e.Line, e.Reason)
}
func (e *DecodeError) Unwrap() error { return e.Cause }

// LaunchError is fatal: the automation subprocess could not be started and the
// run produced no events.
type LaunchError struct {
	Command string
	Cause   error
}

func NewLaunchError(command string, cause error) *LaunchError {
	return &LaunchError{Command: command, Cause: cause}
}
func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch '%s': %v", e.Command, e.Cause)
}
func (e *LaunchError) Unwrap() error { return e.Cause }

// ProfilerUnavailableError signals that the confinement tooling required for
// resource profiling is missing on the host. It is fatal to the profiling
// feature only; the automation run still completes.
type ProfilerUnavailableError struct {
	Backend string
	Reason  string
	Cause   error
}

func NewProfilerUnavailableError(backend, reason string, cause error) *ProfilerUnavailableError {
	return &ProfilerUnavailableError{Backend: backend, Reason: reason, Cause: cause}
}
func (e *ProfilerUnavailableError) Error() string {
	msg := fmt.Sprintf("resource profiler unavailable (%s): %s", e.Backend, e.Reason)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}
func (e *ProfilerUnavailableError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrProfilerUnavailable) match without unwrapping.
func (e *ProfilerUnavailableError) Is(target error) bool {
	return target == ErrProfilerUnavailable
}

// IsProfilerUnavailable checks if an error is a ProfilerUnavailableError.
func IsProfilerUnavailable(err error) bool {
	var pu *ProfilerUnavailableError
	return errors.As(err, &pu)
}

// SerializationError means an event that passed normalization could not be
// re-encoded. It indicates a normalizer defect and is never swallowed.
type SerializationError struct {
	EventType string
	UUID      string
	Cause     error
}

func NewSerializationError(eventType, uuid string, cause error) *SerializationError {
	return &SerializationError{EventType: eventType, UUID: uuid, Cause: cause}
}
func (e *SerializationError) Error() string {
	return fmt.Sprintf("event '%s' (%s) is not serializable: %v", e.EventType, e.UUID, e.Cause)
}
func (e *SerializationError) Unwrap() error { return e.Cause }
