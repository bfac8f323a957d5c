package basilica

import (
	"context"
	"errors"

	"github.com/bitop-dev/basilica/internal/provider"
)

func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return &Error{
			Provider:  pe.Provider,
			Code:      pe.Code,
			Status:    pe.Status,
			Message:   pe.Message,
			Retryable: pe.Retryable,
			Cause:     pe.Cause,
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Provider: provider.Name, Code: CodeCanceled, Message: err.Error(), Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Provider: provider.Name, Code: CodeTimeout, Message: err.Error(), Retryable: true, Cause: err}
	}
	return err
}

func validationError(format string, args ...any) error {
	return mapProviderError(provider.Validation(format, args...))
}
