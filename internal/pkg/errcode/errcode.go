package errcode

const (
	ErrUnknown = 10000000 + iota
	ErrUnauthorized
	ErrForbidden
	ErrNotFound
	ErrInvalid
	ErrConflict
	ErrBusy
	ErrInternal
	ErrInvalidContext
	ErrSessionNotFound
	ErrEmbeddingUnavailable
	ErrQuotaExceeded
	ErrFileNotSupported
	ErrUploadFailed
	ErrTooMany
)
