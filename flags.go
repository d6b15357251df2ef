package maildoc

import (
	"slices"

	"github.com/emersion/go-imap/v2"
)

// System flags. Any other valid flag string is a keyword.
const (
	FlagSeen     = string(imap.FlagSeen)
	FlagAnswered = string(imap.FlagAnswered)
	FlagFlagged  = string(imap.FlagFlagged)
	FlagDeleted  = string(imap.FlagDeleted)
	FlagDraft    = string(imap.FlagDraft)

	// FlagRecent marks a message new to its mailbox. IMAP4rev2 dropped it
	// from the protocol, but counts still depend on it.
	FlagRecent = `\Recent`
)

// normalizeFlags validates and returns the sorted, deduplicated set.
func normalizeFlags(flags []string) ([]string, error) {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if err := ValidateFlag(f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func hasFlag(flags []string, flag string) bool {
	return slices.Contains(flags, flag)
}

func addFlag(flags []string, flag string) []string {
	if hasFlag(flags, flag) {
		return flags
	}
	out := append(slices.Clone(flags), flag)
	slices.Sort(out)
	return out
}

// mergeSet applies the local changes (local relative to base) on top of
// remote: members added locally are added, members removed locally are
// removed, everything else keeps the remote state.
func mergeSet(base, local, remote []string) []string {
	out := slices.Clone(remote)
	for _, f := range local {
		if !slices.Contains(base, f) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	out = slices.DeleteFunc(out, func(f string) bool {
		return slices.Contains(base, f) && !slices.Contains(local, f)
	})
	slices.Sort(out)
	return slices.Compact(out)
}
