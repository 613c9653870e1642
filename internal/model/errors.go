package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates an invalid or incomplete model
	// configuration: empty registry, unset default view, unresolvable
	// identifying property under auto-populate. Fatal at runtime start;
	// fail-closed during correlation.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// ErrCodeCorrelationConflict indicates the same (source, key) pair was
	// observed for two different reference ids. Never auto-resolved.
	ErrCodeCorrelationConflict ErrorCode = "CORRELATION_CONFLICT"

	// ErrCodeDelivery indicates the task delivery system was unavailable
	// during enqueue. Retried via the scheduler's idempotent enqueue.
	ErrCodeDelivery ErrorCode = "DELIVERY_ERROR"

	// ErrCodeMonitorFailure indicates a registered monitor failed during
	// the hook chain. The whole projection for that reference/version is
	// discarded with no partial commit.
	ErrCodeMonitorFailure ErrorCode = "MONITOR_FAILURE"

	// ErrCodeNotFound indicates an unknown reference id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeVersionConflict indicates an optimistic snapshot commit lost
	// the race: the persisted version advanced past the expected version.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"
)

// Error is the structured error carried across the engine's packages.
// Modeled so callers can branch on Code without string matching.
type Error struct {
	Code        ErrorCode
	Message     string
	ReferenceID string
	Source      string
	Details     map[string]string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.ReferenceID != "" && e.Source != "":
		return fmt.Sprintf("%s: %s (ref=%s, source=%s)", e.Code, e.Message, e.ReferenceID, e.Source)
	case e.ReferenceID != "":
		return fmt.Sprintf("%s: %s (ref=%s)", e.Code, e.Message, e.ReferenceID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Returns "" when err carries no structured code.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return CodeOf(err) == ErrCodeConfiguration
}

// IsCorrelationConflict reports whether err is a correlation conflict.
func IsCorrelationConflict(err error) bool {
	return CodeOf(err) == ErrCodeCorrelationConflict
}

// IsDeliveryError reports whether err is a delivery error.
func IsDeliveryError(err error) bool {
	return CodeOf(err) == ErrCodeDelivery
}

// IsMonitorFailure reports whether err is a monitor failure.
func IsMonitorFailure(err error) bool {
	return CodeOf(err) == ErrCodeMonitorFailure
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsVersionConflict reports whether err is an optimistic commit conflict.
func IsVersionConflict(err error) bool {
	return CodeOf(err) == ErrCodeVersionConflict
}

// NewConfigurationError creates a CONFIGURATION_ERROR.
func NewConfigurationError(message string) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: message}
}

// NewCorrelationConflict creates a CORRELATION_CONFLICT for a (source, key)
// pair observed for both existingRef and newRef. The first link stays intact.
func NewCorrelationConflict(source, sourceKey, existingRef, newRef string) *Error {
	return &Error{
		Code:        ErrCodeCorrelationConflict,
		Message:     fmt.Sprintf("source key %q already linked to a different reference", sourceKey),
		ReferenceID: newRef,
		Source:      source,
		Details: map[string]string{
			"source_key":   sourceKey,
			"existing_ref": existingRef,
		},
	}
}

// NewDeliveryError creates a DELIVERY_ERROR wrapping the transport failure.
func NewDeliveryError(referenceID string, attempts int, cause error) *Error {
	return &Error{
		Code:        ErrCodeDelivery,
		Message:     fmt.Sprintf("task delivery failed after %d attempts: %v", attempts, cause),
		ReferenceID: referenceID,
		cause:       cause,
	}
}

// NewMonitorFailure creates a MONITOR_FAILURE for a named monitor.
func NewMonitorFailure(monitorName, referenceID string, cause error) *Error {
	return &Error{
		Code:        ErrCodeMonitorFailure,
		Message:     fmt.Sprintf("monitor %q failed: %v", monitorName, cause),
		ReferenceID: referenceID,
		Details:     map[string]string{"monitor": monitorName},
		cause:       cause,
	}
}

// NewNotFound creates a NOT_FOUND for a reference id.
func NewNotFound(referenceID string) *Error {
	return &Error{
		Code:        ErrCodeNotFound,
		Message:     "reference not found",
		ReferenceID: referenceID,
	}
}

// NewVersionConflict creates a VERSION_CONFLICT.
func NewVersionConflict(referenceID string, expected, actual int64) *Error {
	return &Error{
		Code:        ErrCodeVersionConflict,
		Message:     fmt.Sprintf("snapshot version advanced past expected %d (now %d)", expected, actual),
		ReferenceID: referenceID,
		Details: map[string]string{
			"expected": fmt.Sprintf("%d", expected),
			"actual":   fmt.Sprintf("%d", actual),
		},
	}
}
