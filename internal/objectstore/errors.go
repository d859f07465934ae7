package objectstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("object does not exist")
	ErrCredentialUsed = errors.New("upload credential has already been used")
)

type (
	// NetworkError is a transport level failure (connection refused, timeout, etc)
	// or an unexpected response status when talking to the store.
	NetworkError struct {
		Op         string
		StatusCode int
		Err        error
	}

	// AuthExpiredError indicates the store rejected the token used for
	// a request. The caller should re-authorize and retry once.
	AuthExpiredError struct {
		Op string
	}

	// StorageWriteError is returned when an upload was rejected. Writes are
	// whole object, so the previously stored object (if any) is unchanged.
	StorageWriteError struct {
		Name       string
		StatusCode int
		Err        error
	}
)

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("object store %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("object store %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("object store authorization expired during %s", e.Op)
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("failed to write object '%s' (status %d): %v", e.Name, e.StatusCode, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }
