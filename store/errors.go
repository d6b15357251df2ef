package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a create finds an existing document or an
	// update carries a revision that is no longer current.
	ErrConflict = errors.New("store: conflict")

	// ErrUnavailable is returned when the backend cannot complete a call
	// (timeout, dropped connection, server error).
	ErrUnavailable = errors.New("store: unavailable")

	// ErrInvalidID is returned when an empty or malformed document ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrUnknownIndex is returned when a query names an index that was never ensured.
	ErrUnknownIndex = errors.New("store: unknown index")

	// ErrInvalidQuery is returned when the query values do not match the index fields.
	ErrInvalidQuery = errors.New("store: invalid query")

	// ErrInvalidDocument is returned when document content is not a JSON object.
	ErrInvalidDocument = errors.New("store: invalid document")
)

// Unavailable wraps a backend failure so that errors.Is(err, ErrUnavailable)
// holds while the original cause stays inspectable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
