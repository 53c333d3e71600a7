package model

import (
	"context"
	"errors"
)

// Error categories surfaced to callers.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrProviderFailure    = errors.New("provider failure")
	ErrTransportFailure   = errors.New("transport failure")
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Machine-readable error codes used in error bodies and error events.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeProviderError   = "provider_error"
	CodeProviderTimeout = "provider_timeout"
	CodePersistence     = "persistence_error"
	CodeTransport       = "transport_error"
	CodeInternal        = "internal_error"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrProviderFailure) && errors.Is(err, context.DeadlineExceeded):
		return CodeProviderTimeout
	case errors.Is(err, ErrProviderFailure):
		return CodeProviderError
	case errors.Is(err, ErrPersistenceFailure):
		return CodePersistence
	case errors.Is(err, ErrTransportFailure):
		return CodeTransport
	default:
		return CodeInternal
	}
}
