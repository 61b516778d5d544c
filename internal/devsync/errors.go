package devsync

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrOperationNotFound   = errors.New("sync operation not found")
	ErrInvalidTransition   = errors.New("invalid device status transition")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrLocked              = errors.New("offline data is encrypted: unlock required")
	ErrRemoteWipeDisabled  = errors.New("remote wipe is disabled for device")
	ErrNoSecurityPolicy    = errors.New("no security policy configured")
	ErrOperationNotRetried = errors.New("only failed operations can be retried")
)

// StorageError reports a failure of the durable local store. Callers must
// not assume the write happened.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// TransportError reports a failed call to the remote collaborator
// (network, timeout, 5xx). The queue retries these with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError is returned by a remote that refused a mutation outright.
// It is terminal for the operation.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "rejected by remote: " + e.Reason }

// ValidationError reports malformed caller input. Invalid operations are
// never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IntegrityError reports an offline entry whose stored bytes no longer match
// its checksum.
type IntegrityError struct {
	EntryID string
	Want    string
	Got     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for offline entry %s: want %s, got %s", e.EntryID, e.Want, e.Got)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
