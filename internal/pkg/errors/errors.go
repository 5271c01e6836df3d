package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalid              = errors.New("invalid")
	ErrConflict             = errors.New("conflict")
	ErrBusy                 = errors.New("resource busy")
	ErrInternal             = errors.New("internal")
	ErrInvalidContext       = errors.New("invalid context")
	ErrSessionNotFound      = errors.New("chat session not found")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrFileNotSupported     = errors.New("file not supported")
)

// ModifyContextError wraps an unexpected failure during a context mutation so
// the context id travels with the original message. Known sentinel errors are
// never wrapped; they pass through to the caller as-is.
type ModifyContextError struct {
	ContextID string
	Err       error
}

func (e *ModifyContextError) Error() string {
	return fmt.Sprintf("failed to modify context %s: %v", e.ContextID, e.Err)
}

func (e *ModifyContextError) Unwrap() error {
	return e.Err
}

func WrapModify(contextID string, err error) error {
	if err == nil {
		return nil
	}
	if IsKnown(err) {
		return err
	}
	return &ModifyContextError{ContextID: contextID, Err: err}
}

func IsKnown(err error) bool {
	for _, known := range []error{
		ErrNotFound, ErrUnauthorized, ErrForbidden, ErrInvalid, ErrConflict,
		ErrBusy, ErrInvalidContext, ErrSessionNotFound,
		ErrEmbeddingUnavailable, ErrQuotaExceeded, ErrFileNotSupported,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
