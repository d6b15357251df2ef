package maildoc

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/maildoc/mimeparse"
	"github.com/rbaliyan/maildoc/store"
)

// Sentinel errors for the maildoc package.
// Use errors.Is() to check for these errors.
//
// Errors that have a store-level counterpart wrap it, so
// errors.Is(err, maildoc.ErrNotFound) also matches store.ErrNotFound.
var (
	// ErrStoreUnavailable is returned when the document store fails or
	// times out. The caller may retry with backoff.
	ErrStoreUnavailable = fmt.Errorf("maildoc: %w", store.ErrUnavailable)

	// ErrNotFound is returned when a document cannot be found.
	ErrNotFound = fmt.Errorf("maildoc: %w", store.ErrNotFound)

	// ErrConflict is returned when a write loses against a concurrent
	// writer and could not be merged.
	ErrConflict = fmt.Errorf("maildoc: %w", store.ErrConflict)

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = fmt.Errorf("maildoc: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = fmt.Errorf("maildoc: %w", store.ErrAlreadyConnected)

	// ErrImmutableDocument is returned when an update would change a
	// Header or Content Document.
	ErrImmutableDocument = errors.New("maildoc: immutable document")

	// ErrPartIndex is returned for a part index outside 1..N.
	ErrPartIndex = errors.New("maildoc: part index out of range")

	// ErrPartMissing is returned when a declared part has no Content
	// Document.
	ErrPartMissing = errors.New("maildoc: part missing")

	// ErrMalformedMessage is returned when raw input cannot be parsed.
	ErrMalformedMessage = errors.New("maildoc: malformed message")

	// ErrMailboxNotEmpty is returned by a non-destructive mailbox delete.
	ErrMailboxNotEmpty = errors.New("maildoc: mailbox not empty")

	// ErrStoreInit is returned when the store cannot be prepared.
	ErrStoreInit = errors.New("maildoc: store initialization failed")

	// ErrMessageExists is returned when the message already has a Flags
	// Document in the target mailbox.
	ErrMessageExists = errors.New("maildoc: message already exists in mailbox")

	// ErrAlreadySaved is returned when an operation needs an unsaved
	// message.
	ErrAlreadySaved = errors.New("maildoc: message already saved")

	// ErrNotSaved is returned when an operation needs a saved message.
	ErrNotSaved = errors.New("maildoc: message not saved")

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("maildoc: store is required")

	// ErrInvalidFlag is returned for an empty or malformed flag or tag.
	ErrInvalidFlag = errors.New("maildoc: invalid flag")

	// ErrInvalidMailbox is returned for an empty or malformed mailbox name.
	ErrInvalidMailbox = errors.New("maildoc: invalid mailbox")

	// ErrMailboxExists is returned when a rename would duplicate a name.
	ErrMailboxExists = errors.New("maildoc: mailbox already exists")

	// ErrMessageTooLarge is returned when raw input exceeds the size limit.
	ErrMessageTooLarge = errors.New("maildoc: message too large")

	// ErrTooManyParts is returned when a message exceeds the part limit.
	ErrTooManyParts = errors.New("maildoc: too many parts")
)

// PartIndexError reports a part index outside 1..Max.
type PartIndexError struct {
	Index int
	Max   int
}

func (e *PartIndexError) Error() string {
	return fmt.Sprintf("maildoc: part index %d out of range 1..%d", e.Index, e.Max)
}

func (e *PartIndexError) Unwrap() error { return ErrPartIndex }

// PartMissingError reports a declared part whose Content Document (or
// payload blob) is absent, typically because sync has not delivered it.
type PartMissingError struct {
	Chash string
	Index int
	Err   error
}

func (e *PartMissingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("maildoc: part %d of %s missing: %v", e.Index, e.Chash, e.Err)
	}
	return fmt.Sprintf("maildoc: part %d of %s missing", e.Index, e.Chash)
}

func (e *PartMissingError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPartMissing, e.Err}
	}
	return []error{ErrPartMissing}
}

// ImmutableDocumentError names the immutable document an update would
// have changed.
type ImmutableDocumentError struct {
	DocID string
}

func (e *ImmutableDocumentError) Error() string {
	return fmt.Sprintf("maildoc: document %s is immutable", e.DocID)
}

func (e *ImmutableDocumentError) Unwrap() error { return ErrImmutableDocument }

// MalformedMessageError wraps a parser failure.
type MalformedMessageError struct {
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("maildoc: malformed message: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() []error {
	return []error{ErrMalformedMessage, e.Err}
}

// MailboxNotEmptyError is returned by DeleteMbox with NonDestructive set.
type MailboxNotEmptyError struct {
	Mailbox  string
	Messages int
}

func (e *MailboxNotEmptyError) Error() string {
	return fmt.Sprintf("maildoc: mailbox %q holds %d messages", e.Mailbox, e.Messages)
}

func (e *MailboxNotEmptyError) Unwrap() error { return ErrMailboxNotEmpty }

// StoreInitError reports the index that could not be created.
type StoreInitError struct {
	Index string
	Err   error
}

func (e *StoreInitError) Error() string {
	return fmt.Sprintf("maildoc: store init failed on index %s: %v", e.Index, e.Err)
}

func (e *StoreInitError) Unwrap() []error {
	return []error{ErrStoreInit, e.Err}
}

// EventPublishError is returned when event publishing fails but the
// operation succeeded. The documents are durable; only the notification
// was lost.
type EventPublishError struct {
	Event string // The event name (e.g., "maildoc.message.created")
	DocID string // The Flags or Mailbox document the event was for
	Err   error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("maildoc: event %s publish failed for %s: %v", e.Event, e.DocID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}

// IsRetryableError reports whether retrying the same call may succeed:
// the store was unavailable or not connected, or a concurrent writer won.
// Create is not idempotent; a retried create may report ErrMessageExists.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, store.ErrNotConnected) ||
		errors.Is(err, store.ErrConflict)
}

// IsNotFound reports whether err means a document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// IsInconsistent reports whether err describes a repairable consistency
// problem rather than a failure.
func IsInconsistent(err error) bool {
	return errors.Is(err, ErrPartMissing) || errors.Is(err, ErrPartIndex)
}

// storeErr maps a store error onto the package sentinel so that both
// errors.Is(err, ErrNotFound) and errors.Is(err, store.ErrNotFound) hold.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s", ErrConflict, op)
	case errors.Is(err, store.ErrNotConnected):
		return fmt.Errorf("%w: %s", ErrNotConnected, op)
	default:
		return fmt.Errorf("maildoc: %s: %w", op, err)
	}
}

// parseErr maps mimeparse errors to package errors.
func parseErr(err error) error {
	if errors.Is(err, mimeparse.ErrTooManyParts) {
		return fmt.Errorf("%w: %w", ErrTooManyParts, err)
	}
	return &MalformedMessageError{Err: err}
}
