package maildoc

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation constants.
const (
	// MaxFlagLength is the maximum length of a flag or tag.
	MaxFlagLength = 256

	// MaxMailboxNameLength is the maximum length of a mailbox name.
	MaxMailboxNameLength = 1024
)

// ValidateFlag checks a flag or tag: non-empty, at most MaxFlagLength
// bytes, no whitespace, control characters, parentheses or quotes.
// A leading backslash is only allowed for system flags.
func ValidateFlag(flag string) error {
	if flag == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFlag)
	}
	if len(flag) > MaxFlagLength {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidFlag, MaxFlagLength)
	}
	if !utf8.ValidString(flag) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidFlag)
	}
	for _, r := range flag {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidFlag, flag)
		}
		switch r {
		case '(', ')', '"', '{', '%', '*':
			return fmt.Errorf("%w: %q contains %q", ErrInvalidFlag, flag, r)
		}
	}
	if strings.HasPrefix(flag, `\`) && !isSystemFlag(flag) {
		return fmt.Errorf("%w: unknown system flag %q", ErrInvalidFlag, flag)
	}
	return nil
}

func isSystemFlag(flag string) bool {
	switch flag {
	case FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft, FlagRecent:
		return true
	}
	return false
}

// ValidateMailboxName checks a mailbox name: non-empty after trimming,
// valid UTF-8, no control characters, at most MaxMailboxNameLength bytes.
func ValidateMailboxName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMailbox)
	}
	if len(name) > MaxMailboxNameLength {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidMailbox, MaxMailboxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidMailbox)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control characters", ErrInvalidMailbox)
		}
	}
	return nil
}

// validateRaw checks raw input against the configured size limit.
func validateRaw(raw []byte, maxSize int) error {
	if len(raw) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(raw), maxSize)
	}
	return nil
}
