// Package errors provides the coded error type used across the chunk cache,
// its storage sources and configuration loading.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a failure condition
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage sources
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeInvalidLayout  ErrorCode = "INVALID_LAYOUT"
	ErrCodeCodecFailed    ErrorCode = "CODEC_FAILED"

	// Chunk cache
	ErrCodeIntrospectionFailed ErrorCode = "INTROSPECTION_FAILED"
	ErrCodeDimensionMismatch   ErrorCode = "DIMENSION_MISMATCH"
	ErrCodeNoChunks            ErrorCode = "NO_CHUNKS"
	ErrCodeChunkFetchFailed    ErrorCode = "CHUNK_FETCH_FAILED"
	ErrCodeMissingChunks       ErrorCode = "MISSING_CHUNKS"
	ErrCodeInvalidChunkInfo    ErrorCode = "INVALID_CHUNK_INFO"

	// Resources
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"

	// State
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped   ErrorCode = "COMPONENT_STOPPED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Operations
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory groups related codes
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCache         ErrorCategory = "cache"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrIntrospectionFailed = &CacheError{Code: ErrCodeIntrospectionFailed}
	ErrDimensionMismatch   = &CacheError{Code: ErrCodeDimensionMismatch}
	ErrNoChunks            = &CacheError{Code: ErrCodeNoChunks}
	ErrChunkFetchFailed    = &CacheError{Code: ErrCodeChunkFetchFailed}
	ErrMissingChunks       = &CacheError{Code: ErrCodeMissingChunks}
	ErrInvalidChunkInfo    = &CacheError{Code: ErrCodeInvalidChunkInfo}
	ErrComponentStopped    = &CacheError{Code: ErrCodeComponentStopped}
	ErrObjectNotFound      = &CacheError{Code: ErrCodeObjectNotFound}
	ErrServiceUnavailable  = &CacheError{Code: ErrCodeServiceUnavailable}
)

// CacheError is a structured error with code, context and retry hints
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches on code so sentinels work with errors.Is
func (e *CacheError) Is(target error) bool {
	if ce, ok := target.(*CacheError); ok {
		return e.Code == ce.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *CacheError) String() string {
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
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with category and retry defaults for code.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a format string
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error for code with cause attached
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory maps a code to its category
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeNetworkError:
		return CategoryConnection
	case ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeStorageRead, ErrCodeAccessDenied,
		ErrCodeInvalidLayout, ErrCodeCodecFailed:
		return CategoryStorage
	case ErrCodeIntrospectionFailed, ErrCodeDimensionMismatch, ErrCodeNoChunks,
		ErrCodeChunkFetchFailed, ErrCodeMissingChunks, ErrCodeInvalidChunkInfo:
		return CategoryCache
	case ErrCodeResourceExhausted, ErrCodeRateLimited:
		return CategoryResource
	case ErrCodeAlreadyStarted, ErrCodeComponentStopped, ErrCodeServiceUnavailable:
		return CategoryState
	case ErrCodeOperationTimeout, ErrCodeOperationCanceled, ErrCodeRetryExhausted, ErrCodeValidationFailed:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether code is transient
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout:  true,
		ErrCodeConnectionFailed:   true,
		ErrCodeNetworkError:       true,
		ErrCodeStorageRead:        true,
		ErrCodeOperationTimeout:   true,
		ErrCodeResourceExhausted:  true,
		ErrCodeRateLimited:        true,
		ErrCodeServiceUnavailable: true,
		ErrCodeInternalError:      true,
	}
	return retryableCodes[code]
}

// IsRetryable reports whether err, or any CacheError it wraps, is marked
// retryable
func IsRetryable(err error) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// CodeOf returns the code of the outermost CacheError in err's chain
func CodeOf(err error) ErrorCode {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeUnknownError
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithRequestID tags the error with the read request that produced it
func (e *CacheError) WithRequestID(id string) *CacheError {
	e.RequestID = id
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *CacheError) WithStack() *CacheError {
	e.Stack = CaptureStack(2)
	return e
}
