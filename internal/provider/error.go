package provider

import "fmt"

const (
	CodeValidation   = "validation_error"
	CodeInvalidInput = "invalid_input"
	CodeRead         = "read_error"
	CodeNetwork      = "network_error"
	CodeTimeout      = "timeout"
	CodeCanceled     = "canceled"
	CodeCircuitOpen  = "circuit_open"
	CodeServer       = "server_error"
	CodeProtocol     = "protocol_error"
	CodeHTTP         = "http_error"
)

type Error struct {
	Provider  string
	Code      string
	Status    int
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Provider != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: error", e.Provider)
	}
	return "error"
}

func (e *Error) Unwrap() error { return e.Cause }

// Name is the provider label carried by every error raised below the public
// package.
const Name = "basilica"

func Validation(format string, args ...any) *Error {
	return &Error{Provider: Name, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(cause error, format string, args ...any) *Error {
	return &Error{Provider: Name, Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...), Cause: cause}
}
