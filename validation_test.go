package maildoc

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValidateFlag(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		wantErr bool
	}{
		{"system flag", FlagSeen, false},
		{"recent", FlagRecent, false},
		{"keyword", "$Junk", false},
		{"plain tag", "work", false},
		{"unicode tag", "überprüft", false},
		{"empty", "", true},
		{"space", "two words", true},
		{"tab", "a\tb", true},
		{"control", "a\x00b", true},
		{"parenthesis", "a(b", true},
		{"quote", `a"b`, true},
		{"wildcard", "a*", true},
		{"unknown system flag", `\Important`, true},
		{"invalid utf-8", "\xff", true},
		{"at max length", strings.Repeat("a", MaxFlagLength), false},
		{"too long", strings.Repeat("a", MaxFlagLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlag(tt.flag)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFlag) {
					t.Errorf("expected ErrInvalidFlag, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateMailboxName(t *testing.T) {
	tests := []struct {
		name    string
		mbox    string
		wantErr bool
	}{
		{"inbox", "INBOX", false},
		{"hierarchy", "Projects/2026", false},
		{"spaces inside", "Sent Items", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"control", "a\nb", true},
		{"invalid utf-8", "\xff", true},
		{"too long", strings.Repeat("a", MaxMailboxNameLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMailboxName(tt.mbox)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMailbox) {
					t.Errorf("expected ErrInvalidMailbox, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeFlags(t *testing.T) {
	got, err := normalizeFlags([]string{FlagSeen, "b", "a", FlagSeen})
	if err != nil {
		t.Fatalf("normalizeFlags: %v", err)
	}
	if diff := cmp.Diff([]string{FlagSeen, "a", "b"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := normalizeFlags([]string{"ok", ""}); !errors.Is(err, ErrInvalidFlag) {
		t.Errorf("expected ErrInvalidFlag, got %v", err)
	}

	got, err = normalizeFlags(nil)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("expected an empty non-nil set, got %#v, %v", got, err)
	}
}

func TestMergeSet(t *testing.T) {
	tests := []struct {
		name                string
		base, local, remote []string
		want                []string
	}{
		{"no changes", []string{"a"}, []string{"a"}, []string{"a"}, []string{"a"}},
		{"local add", []string{"a"}, []string{"a", "b"}, []string{"a"}, []string{"a", "b"}},
		{"remote add kept", []string{"a"}, []string{"a"}, []string{"a", "c"}, []string{"a", "c"}},
		{"both add", []string{}, []string{"b"}, []string{"c"}, []string{"b", "c"}},
		{"local remove", []string{"a", "b"}, []string{"a"}, []string{"a", "b"}, []string{"a"}},
		{"remote remove kept", []string{"a", "b"}, []string{"a", "b"}, []string{"a"}, []string{"a"}},
		{"local remove wins over remote keep", []string{"a"}, []string{}, []string{"a", "c"}, []string{"c"}},
		{"same add", []string{}, []string{"x"}, []string{"x"}, []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeSet(tt.base, tt.local, tt.remote)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFlagsDocID(t *testing.T) {
	chash := Chash([]byte("raw"))
	id := FlagsDocID("8d1c-uuid-with-dashes", chash)

	mbox, got, err := ParseFlagsDocID(id)
	if err != nil {
		t.Fatalf("ParseFlagsDocID: %v", err)
	}
	if mbox != "8d1c-uuid-with-dashes" || got != chash {
		t.Errorf("unexpected parts %q %q", mbox, got)
	}

	for _, bad := range []string{"", "H-" + chash, "F-" + chash, "F-mbox-short"} {
		if _, _, err := ParseFlagsDocID(bad); err == nil {
			t.Errorf("ParseFlagsDocID(%q) should fail", bad)
		}
	}
}
