// Package errors provides a structured error system for dicomsim with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for dicomsim operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Listener / transport errors
	ErrCodeListenFailed      ErrorCode = "LISTEN_FAILED"
	ErrCodeConnectionAborted ErrorCode = "CONNECTION_ABORTED"

	// Event pipeline errors
	ErrCodeEventDecode    ErrorCode = "EVENT_DECODE"
	ErrCodeEventRecovered ErrorCode = "EVENT_RECOVERED"

	// Session registry errors
	ErrCodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionUnmatched ErrorCode = "SESSION_UNMATCHED"
	ErrCodeRegistryState    ErrorCode = "REGISTRY_STATE"

	// API errors
	ErrCodeAPIBadRequest ErrorCode = "API_BAD_REQUEST"
	ErrCodeAPINotFound   ErrorCode = "API_NOT_FOUND"
	ErrCodeLogUnreadable ErrorCode = "LOG_UNREADABLE"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryListener      ErrorCategory = "listener"
	CategoryEvent         ErrorCategory = "event"
	CategoryRegistry      ErrorCategory = "registry"
	CategoryAPI           ErrorCategory = "api"
	CategoryInternal      ErrorCategory = "internal"
)

// DicomSimError represents a structured error with context and metadata.
type DicomSimError struct {
	Code     ErrorCode         `json:"code"`
	Category ErrorCategory     `json:"category"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`

	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *DicomSimError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DicomSimError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DicomSimError) Is(target error) bool {
	if simErr, ok := target.(*DicomSimError); ok {
		return e.Code == simErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DicomSimError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Context) > 0 {
		context, _ := json.Marshal(e.Context)
		parts = append(parts, fmt.Sprintf("Context=%s", context))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DicomSimError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new dicomsim error with default values.
func NewError(code ErrorCode, message string) *DicomSimError {
	return &DicomSimError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// WrapError wraps an existing error with dicomsim error metadata.
func WrapError(cause error, code ErrorCode, message string) *DicomSimError {
	err := NewError(code, message)
	err.Cause = cause
	return err
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "LISTEN_") || strings.HasPrefix(codeStr, "CONNECTION_"):
		return CategoryListener
	case strings.HasPrefix(codeStr, "EVENT_"):
		return CategoryEvent
	case strings.HasPrefix(codeStr, "SESSION_") || strings.HasPrefix(codeStr, "REGISTRY_"):
		return CategoryRegistry
	case strings.HasPrefix(codeStr, "API_") || strings.HasPrefix(codeStr, "LOG_"):
		return CategoryAPI
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeListenFailed:      true,
		ErrCodeConnectionAborted: true,
		ErrCodeLogUnreadable:     true,
	}
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:    400,
		ErrCodeConfigValidation: 400,
		ErrCodeAPIBadRequest:    400,
		ErrCodeAPINotFound:      404,
		ErrCodeSessionNotFound:  404,
		ErrCodeInternalError:    500,
		ErrCodeRegistryState:    500,
		ErrCodePanicRecovered:   500,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithContext adds contextual information to an error.
func (e *DicomSimError) WithContext(key, value string) *DicomSimError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *DicomSimError) WithComponent(component string) *DicomSimError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *DicomSimError) WithOperation(operation string) *DicomSimError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *DicomSimError) WithCause(cause error) *DicomSimError {
	e.Cause = cause
	return e
}
