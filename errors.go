package basilica

import (
	"context"
	"errors"
	"net/http"

	"github.com/bitop-dev/basilica/internal/provider"
)

// Error codes carried by *Error.
const (
	CodeValidation   = provider.CodeValidation
	CodeInvalidInput = provider.CodeInvalidInput
	CodeRead         = provider.CodeRead
	CodeNetwork      = provider.CodeNetwork
	CodeCircuitOpen  = provider.CodeCircuitOpen
	CodeTimeout      = provider.CodeTimeout
	CodeCanceled     = provider.CodeCanceled
	CodeServer       = provider.CodeServer
	CodeProtocol     = provider.CodeProtocol
	CodeHTTP         = provider.CodeHTTP
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
		return e.Provider + ": " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Provider != "" {
		return e.Provider + ": error"
	}
	return "error"
}

func (e *Error) Unwrap() error { return e.Cause }

func hasCode(err error, codes ...string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}

// IsValidation reports a bad argument rejected before any request was made.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsInvalidInput reports an item that could not be encoded, such as an
// undecodable image or an unreadable file.
func IsInvalidInput(err error) bool { return hasCode(err, CodeInvalidInput, CodeRead) }

// IsNetwork reports a connection failure, including an open circuit breaker.
func IsNetwork(err error) bool { return hasCode(err, CodeNetwork, CodeCircuitOpen) }

func IsServer(err error) bool { return hasCode(err, CodeServer) }

func IsProtocol(err error) bool { return hasCode(err, CodeProtocol) }

func IsHTTP(err error) bool { return hasCode(err, CodeHTTP) }

func IsAuth(err error) bool {
	var e *Error
	return errors.As(err, &e) && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

func IsTimeout(err error) bool {
	if hasCode(err, CodeTimeout) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsCanceled(err error) bool {
	if hasCode(err, CodeCanceled) {
		return true
	}
	return errors.Is(err, context.Canceled)
}
