package worker

import "strings"

// ErrorCode represents the classification of a stage failure
type ErrorCode string

const (
	ErrorCodeFileNotFound    ErrorCode = "file_not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeProviderError   ErrorCode = "provider_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured failure information for status events
// and logs. Classification is informational only: every failure goes
// through the same retry policy regardless of code.
type ErrorContext struct {
	Stage   string    // Where the error occurred
	Code    ErrorCode // Error classification
	Message string    // Human-readable message
}

// ClassifyError categorizes an error based on its message and stage
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	errMsg := err.Error()
	errLower := strings.ToLower(errMsg)

	ctx := ErrorContext{
		Stage:   stage,
		Message: errMsg,
	}

	switch {
	case strings.Contains(errLower, "no such file") || strings.Contains(errLower, "file not found") || strings.Contains(errLower, "not found"):
		ctx.Code = ErrorCodeFileNotFound

	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json"):
		ctx.Code = ErrorCodeParseError

	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out") || strings.Contains(errLower, "timeout"):
		ctx.Code = ErrorCodeTimeout

	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection") || strings.Contains(errLower, "refused"):
		ctx.Code = ErrorCodeNetworkError

	case strings.Contains(errLower, "schema") || strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidationError

	case strings.Contains(errLower, "model") || strings.Contains(errLower, "llm") || strings.Contains(errLower, "completion"):
		ctx.Code = ErrorCodeProviderError

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
