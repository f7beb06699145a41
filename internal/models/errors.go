package models

import "errors"

// Error classes surfaced by the store and the memory service. Callers match
// them with errors.Is; producers wrap them with goerr to attach context.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrAuthentication = errors.New("store authentication failed")
	ErrCorruption     = errors.New("store is corrupted")
	ErrNotFound       = errors.New("memory not found")
	ErrDuplicateID    = errors.New("duplicate memory id")
	ErrValidation     = errors.New("validation error")
	ErrConflict       = errors.New("version conflict")
)

// IsStoreUnreadable reports whether err means the persisted state could not
// be decrypted or parsed.
func IsStoreUnreadable(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrCorruption)
}
