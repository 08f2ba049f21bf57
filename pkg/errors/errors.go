// Package errors defines FactoryError, the coded error every factory
// operation returns, together with the per-code defaults for category,
// HTTP status, retryability and operator hints.
package errors

import (
	stderr "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a failure kind. Callers branch on codes, never on messages.
type ErrorCode string

const (
	// Registration: the platform id is unknown or could not be registered.
	ErrCodeUnknownPlatform    ErrorCode = "UNKNOWN_PLATFORM"
	ErrCodeRegistrationFailed ErrorCode = "REGISTRATION_FAILED"

	// Construction
	ErrCodeConstructionFailed    ErrorCode = "CONSTRUCTION_FAILED"
	ErrCodeConstructionSuspended ErrorCode = "CONSTRUCTION_SUSPENDED"

	// Lifecycle
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeLifecycleFailed   ErrorCode = "LIFECYCLE_FAILED"

	// Background health checks and cleanup
	ErrCodeHealthCheckFailed ErrorCode = "HEALTH_CHECK_FAILED"
	ErrCodeCleanupFailed     ErrorCode = "CLEANUP_FAILED"

	ErrCodeAdapterNotFound ErrorCode = "ADAPTER_NOT_FOUND"

	// Factory state
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Operation control
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInvalidQuery      ErrorCode = "INVALID_QUERY"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory groups codes for metrics and API responses.
type ErrorCategory string

const (
	CategoryRegistration  ErrorCategory = "registration"
	CategoryConstruction  ErrorCategory = "construction"
	CategoryLifecycle     ErrorCategory = "lifecycle"
	CategoryBackground    ErrorCategory = "background"
	CategoryLookup        ErrorCategory = "lookup"
	CategoryState         ErrorCategory = "state"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// codeInfo holds the defaults NewError applies for a code.
type codeInfo struct {
	category  ErrorCategory
	status    int
	retryable bool
	hint      string
}

// Codes missing here fall back to internalInfo. Registration codes are never
// retryable: an unknown platform does not become known by asking again.
var codes = map[ErrorCode]codeInfo{
	ErrCodeUnknownPlatform: {CategoryRegistration, http.StatusNotFound, false,
		"The platform identifier is not registered. Check the platforms section of the configuration."},
	ErrCodeRegistrationFailed: {CategoryRegistration, http.StatusInternalServerError, false,
		"The platform driver could not be registered. Check the driver name in the configuration."},
	ErrCodeConstructionFailed: {CategoryConstruction, http.StatusInternalServerError, true,
		"The platform adapter could not be constructed. Verify platform defaults and credentials."},
	ErrCodeConstructionSuspended: {CategoryConstruction, http.StatusServiceUnavailable, false,
		"Construction for this platform is suspended after repeated failures. It resumes once the breaker timeout elapses."},
	ErrCodeInvalidTransition: {CategoryLifecycle, http.StatusConflict, false,
		"The adapter is not in a state that allows this operation. Inspect the adapter state before driving it."},
	ErrCodeLifecycleFailed:   {CategoryLifecycle, http.StatusInternalServerError, true, ""},
	ErrCodeHealthCheckFailed: {CategoryBackground, http.StatusInternalServerError, false, ""},
	ErrCodeCleanupFailed:     {CategoryBackground, http.StatusInternalServerError, false, ""},
	ErrCodeAdapterNotFound: {CategoryLookup, http.StatusNotFound, false,
		"No live adapter has this id. Finalized adapters are forgotten."},
	ErrCodeNotInitialized: {CategoryState, http.StatusServiceUnavailable, false,
		"The factory has not been initialized. Call Initialize first."},
	ErrCodeShutdownInProgress: {CategoryState, http.StatusServiceUnavailable, false,
		"The factory is stopping. Initialize it again before requesting adapters."},
	ErrCodeInvalidConfig: {CategoryConfiguration, http.StatusBadRequest, false,
		"Configuration validation failed. Check the configuration file and ADAPTERFACTORY_* variables."},
	ErrCodeConfigLoad: {CategoryConfiguration, http.StatusInternalServerError, false,
		"The configuration file could not be read or parsed."},
	ErrCodeOperationCanceled: {CategoryOperation, http.StatusInternalServerError, false, ""},
	ErrCodeOperationTimeout:  {CategoryOperation, http.StatusGatewayTimeout, true, ""},
	ErrCodeRetryExhausted:    {CategoryOperation, http.StatusInternalServerError, false, ""},
	ErrCodeInvalidQuery:      {CategoryOperation, http.StatusBadRequest, false, ""},
	ErrCodeInternalError:     {CategoryInternal, http.StatusInternalServerError, true, ""},
}

var internalInfo = codeInfo{category: CategoryInternal, status: http.StatusInternalServerError}

const defaultHint = "Please check the error message for details."

func lookup(code ErrorCode) codeInfo {
	if info, ok := codes[code]; ok {
		return info
	}
	return internalInfo
}

// FactoryError is a coded error with the component and operation that
// raised it. Details carry structured data, Context carries identifiers.
type FactoryError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Context  map[string]string      `json:"context,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error renders "[component:operation] CODE: message: cause", omitting
// the parts that are unset.
func (e *FactoryError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	switch {
	case e.Component != "" && e.Operation != "":
		return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
	case e.Component != "":
		return fmt.Sprintf("[%s] %s", e.Component, msg)
	}
	return msg
}

func (e *FactoryError) Unwrap() error { return e.Cause }

// Is matches any FactoryError with the same code.
func (e *FactoryError) Is(target error) bool {
	other, ok := target.(*FactoryError)
	return ok && other.Code == e.Code
}

// LogFields flattens the error for a structured log line.
func (e *FactoryError) LogFields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_code":     string(e.Code),
		"error_category": string(e.Category),
		"error":          e.Error(),
	}
	if e.Component != "" {
		fields["component"] = e.Component
	}
	if e.Operation != "" {
		fields["operation"] = e.Operation
	}
	if e.Retryable {
		fields["retryable"] = true
	}
	for k, v := range e.Context {
		fields[k] = v
	}
	for k, v := range e.Details {
		fields["detail_"+k] = v
	}
	return fields
}

// NewError creates an error carrying the defaults registered for code.
func NewError(code ErrorCode, message string) *FactoryError {
	info := lookup(code)
	return &FactoryError{
		Code:       code,
		Category:   info.category,
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  info.retryable,
		HTTPStatus: info.status,
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *FactoryError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a coded error around cause.
func Wrap(cause error, code ErrorCode, message string) *FactoryError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory returns the category of code; unknown codes are internal.
func GetCategory(code ErrorCode) ErrorCategory { return lookup(code).category }

// IsRetryableByDefault reports whether errors with code are retried
// unless the caller says otherwise.
func IsRetryableByDefault(code ErrorCode) bool { return lookup(code).retryable }

// GetDefaultHTTPStatus maps code to the status the HTTP API answers with.
func GetDefaultHTTPStatus(code ErrorCode) int { return lookup(code).status }

// WithContext records an identifier such as a platform or adapter id.
func (e *FactoryError) WithContext(key, value string) *FactoryError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail records structured data about the failure.
func (e *FactoryError) WithDetail(key string, value interface{}) *FactoryError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *FactoryError) WithComponent(component string) *FactoryError {
	e.Component = component
	return e
}

func (e *FactoryError) WithOperation(operation string) *FactoryError {
	e.Operation = operation
	return e
}

func (e *FactoryError) WithCause(cause error) *FactoryError {
	e.Cause = cause
	return e
}

// GetRecommendation returns an operator-facing hint for fixing the error.
func (e *FactoryError) GetRecommendation() string {
	if hint := lookup(e.Code).hint; hint != "" {
		return hint
	}
	return defaultHint
}

// GetCode returns the code of the outermost FactoryError in err's chain,
// or ErrCodeUnknownError.
func GetCode(err error) ErrorCode {
	var fe *FactoryError
	if stderr.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeUnknownError
}

// HasCode reports whether any FactoryError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	var fe *FactoryError
	for stderr.As(err, &fe) {
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}

// IsRetryable reports whether the outermost FactoryError in err's chain
// is marked retryable.
func IsRetryable(err error) bool {
	var fe *FactoryError
	return stderr.As(err, &fe) && fe.Retryable
}
