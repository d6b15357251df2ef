package maildoc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rbaliyan/maildoc/mimeparse"
	"github.com/rbaliyan/maildoc/store"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ErrStoreUnavailable is retryable", ErrStoreUnavailable, true},
		{"store unavailable is retryable", store.Unavailable("get", errors.New("timeout")), true},
		{"ErrNotConnected is retryable", ErrNotConnected, true},
		{"ErrConflict is retryable", ErrConflict, true},
		{"ErrNotFound is permanent", ErrNotFound, false},
		{"ErrImmutableDocument is permanent", &ImmutableDocumentError{DocID: "H-x"}, false},
		{"ErrMalformedMessage is permanent", &MalformedMessageError{Err: errors.New("bad")}, false},
		{"ErrPartIndex is permanent", &PartIndexError{Index: 3, Max: 2}, false},
		{"ErrMessageExists is permanent", ErrMessageExists, false},
		{"unknown error is permanent", errors.New("some unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStoreErr(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		name    string
		err     error
		targets []error
	}{
		{"unavailable", store.Unavailable("put", cause), []error{ErrStoreUnavailable, store.ErrUnavailable, cause}},
		{"not found", store.ErrNotFound, []error{ErrNotFound, store.ErrNotFound}},
		{"conflict", store.ErrConflict, []error{ErrConflict, store.ErrConflict}},
		{"not connected", store.ErrNotConnected, []error{ErrNotConnected}},
		{"other", store.ErrInvalidDocument, []error{store.ErrInvalidDocument}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeErr("op", tt.err)
			for _, target := range tt.targets {
				if !errors.Is(err, target) {
					t.Errorf("errors.Is(%v, %v) = false", err, target)
				}
			}
			if !strings.Contains(err.Error(), "op") {
				t.Errorf("expected the operation in %q", err)
			}
		})
	}
	if storeErr("op", nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestParseErr(t *testing.T) {
	err := parseErr(fmt.Errorf("%w: more than 2", mimeparse.ErrTooManyParts))
	if !errors.Is(err, ErrTooManyParts) {
		t.Errorf("expected ErrTooManyParts, got %v", err)
	}

	err = parseErr(fmt.Errorf("%w: empty input", mimeparse.ErrMalformed))
	if !errors.Is(err, ErrMalformedMessage) || !errors.Is(err, mimeparse.ErrMalformed) {
		t.Errorf("expected a malformed message error wrapping the cause, got %v", err)
	}
	var mme *MalformedMessageError
	if !errors.As(err, &mme) {
		t.Errorf("expected MalformedMessageError, got %T", err)
	}
}

func TestTypedErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		text   string
	}{
		{"part index", &PartIndexError{Index: 4, Max: 2}, ErrPartIndex, "4 out of range 1..2"},
		{"part missing", &PartMissingError{Chash: "abc", Index: 2}, ErrPartMissing, "part 2 of abc"},
		{"part missing with cause", &PartMissingError{Chash: "abc", Err: ErrNotFound}, ErrNotFound, "not found"},
		{"immutable", &ImmutableDocumentError{DocID: "H-abc"}, ErrImmutableDocument, "H-abc"},
		{"mailbox not empty", &MailboxNotEmptyError{Mailbox: "INBOX", Messages: 3}, ErrMailboxNotEmpty, "3 messages"},
		{"store init", &StoreInitError{Index: "by-type", Err: store.ErrUnavailable}, ErrStoreInit, "by-type"},
		{"store init cause", &StoreInitError{Index: "by-type", Err: store.ErrUnavailable}, store.ErrUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.target)
			}
			if !strings.Contains(tt.err.Error(), tt.text) {
				t.Errorf("expected %q in %q", tt.text, tt.err.Error())
			}
		})
	}
}

func TestIsInconsistent(t *testing.T) {
	if !IsInconsistent(&PartMissingError{Chash: "x", Index: 1}) {
		t.Error("missing part is an inconsistency")
	}
	if !IsInconsistent(&PartIndexError{Index: 0}) {
		t.Error("bad part index is an inconsistency")
	}
	if IsInconsistent(ErrStoreUnavailable) {
		t.Error("an unavailable store is a failure")
	}
	if IsInconsistent(nil) {
		t.Error("nil is not an inconsistency")
	}
}

func TestIsEventPublishError(t *testing.T) {
	inner := &EventPublishError{Event: EventNameMessageCreated, DocID: "F-a-b", Err: errors.New("broker down")}

	epe, ok := IsEventPublishError(fmt.Errorf("wrapped: %w", inner))
	if !ok || epe.DocID != "F-a-b" {
		t.Errorf("expected the publish error, got %v %v", epe, ok)
	}
	if epe, ok := IsEventPublishError(ErrNotFound); ok || epe != nil {
		t.Error("expected false for other errors")
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinelErrors := []error{
		ErrStoreUnavailable,
		ErrNotFound,
		ErrConflict,
		ErrNotConnected,
		ErrAlreadyConnected,
		ErrImmutableDocument,
		ErrPartIndex,
		ErrPartMissing,
		ErrMalformedMessage,
		ErrMailboxNotEmpty,
		ErrStoreInit,
		ErrMessageExists,
		ErrAlreadySaved,
		ErrNotSaved,
		ErrStoreRequired,
		ErrInvalidFlag,
		ErrInvalidMailbox,
		ErrMailboxExists,
		ErrMessageTooLarge,
		ErrTooManyParts,
	}

	seen := make(map[string]int)
	for i, err := range sentinelErrors {
		msg := err.Error()
		if !strings.HasPrefix(msg, "maildoc: ") {
			t.Errorf("sentinel %d lacks the package prefix: %q", i, msg)
		}
		if prev, exists := seen[msg]; exists {
			t.Errorf("duplicate error message %q at indices %d and %d", msg, prev, i)
		}
		seen[msg] = i
	}
}
