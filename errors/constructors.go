package errors

import (
	"fmt"
)

// AuthFailed wraps a credential rejection from the auth collaborator.
// The original error stays reachable through Unwrap.
func AuthFailed(err error) *SyncError {
	msg := "authentication failed"
	if err != nil {
		msg = fmt.Sprintf("authentication failed: %v", err)
	}
	return Wrap(err, ErrCodeAuth, msg)
}

// APIFailed creates a transient collaborator error with its HTTP status.
func APIFailed(status int, message string) *SyncError {
	return New(ErrCodeAPI, message).
		WithDetail("status", status)
}

// StorageFailed creates a durable store error for the given operation and key
func StorageFailed(op, key string, err error) *SyncError {
	return Wrap(err, ErrCodeStorage, fmt.Sprintf("storage %s failed for key '%s'", op, key)).
		WithDetail("op", op).
		WithDetail("key", key)
}

// StreamFailed creates an alarm push-transport error
func StreamFailed(reason string) *SyncError {
	return New(ErrCodeStream, fmt.Sprintf("alarm stream failed: %s", reason))
}

// BusFailed wraps a cross-tab bus failure
func BusFailed(op string, err error) *SyncError {
	return Wrap(err, ErrCodeBus, fmt.Sprintf("bus %s failed", op)).
		WithDetail("op", op)
}

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *SyncError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *SyncError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// InvalidInput creates an invalid input error for the named field
func InvalidInput(field, reason string) *SyncError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason)).
		WithDetail("field", field)
}
