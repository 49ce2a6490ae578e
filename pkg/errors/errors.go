// Package errors provides a structured error system for tiercache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Storage errors
	ErrCodeStorageOpen     ErrorCode = "STORAGE_OPEN"
	ErrCodeStorageRead     ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite    ErrorCode = "STORAGE_WRITE"
	ErrCodeTierUnavailable ErrorCode = "TIER_UNAVAILABLE"

	// Encoding errors
	ErrCodeCompression   ErrorCode = "CODEC_COMPRESSION"
	ErrCodeDecompression ErrorCode = "CODEC_DECOMPRESSION"
	ErrCodeSerialization ErrorCode = "CODEC_SERIALIZATION"

	// State errors
	ErrCodeClosed ErrorCode = "CACHE_CLOSED"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryEncoding      ErrorCategory = "encoding"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured cache error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	// Tier is the cache tier that produced the error ("l1", "l2").
	Tier      string `json:"tier,omitempty"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var msg string
	switch {
	case e.Tier != "" && e.Operation != "":
		msg = fmt.Sprintf("[%s:%s] %s: %s", e.Tier, e.Operation, e.Code, e.Message)
	case e.Tier != "":
		msg = fmt.Sprintf("[%s] %s: %s", e.Tier, e.Code, e.Message)
	default:
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CacheError with the same code.
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Tier != "" {
		parts = append(parts, fmt.Sprintf("Tier=%s", e.Tier))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%q", e.Key))
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

// NewError creates a new cache error with default values.
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

// Wrap creates a new cache error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "TIER_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "CODEC_"):
		return CategoryEncoding
	case strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeTierUnavailable, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithTier sets the tier for an error
func (e *CacheError) WithTier(tier string) *CacheError {
	e.Tier = tier
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithKey sets the cache key involved
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// HasCode reports whether any error in err's chain is a CacheError with code.
func HasCode(err error, code ErrorCode) bool {
	var cacheErr *CacheError
	for err != nil {
		if errors.As(err, &cacheErr) {
			if cacheErr.Code == code {
				return true
			}
			err = cacheErr.Cause
			continue
		}
		return false
	}
	return false
}

// IsRetryable reports whether err is a CacheError marked retryable.
func IsRetryable(err error) bool {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Retryable
	}
	return false
}

// GetCode returns the code of the first CacheError in err's chain, or "" if none.
func GetCode(err error) ErrorCode {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Code
	}
	return ""
}
