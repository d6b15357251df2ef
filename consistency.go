package maildoc

import (
	"slices"
)

// FetchState classifies the documents found for a message.
type FetchState int

const (
	// Consistent: the header and every declared content part are present.
	Consistent FetchState = iota
	// DanglingFlags: the Flags Document exists but its Header Document does
	// not, typically because sync has not delivered it yet.
	DanglingFlags
	// MissingContent: the header exists but some declared parts do not.
	MissingContent
)

func (s FetchState) String() string {
	switch s {
	case Consistent:
		return "consistent"
	case DanglingFlags:
		return "dangling_flags"
	case MissingContent:
		return "missing_content"
	default:
		return "unknown"
	}
}

// Consistency describes the documents found for one message.
type Consistency struct {
	State FetchState
	Chash string
	// Missing lists declared part indexes without a Content Document.
	Missing []int
	// BodyMissing is set when the designated body part is among Missing.
	BodyMissing bool
}

// Err returns nil for a consistent message and a PartMissingError
// otherwise.
func (c *Consistency) Err() error {
	switch c.State {
	case DanglingFlags:
		return &PartMissingError{Chash: c.Chash, Err: ErrNotFound}
	case MissingContent:
		return &PartMissingError{Chash: c.Chash, Index: c.Missing[0]}
	default:
		return nil
	}
}

// FetchResult is returned by FetchMsg. An inconsistent message is still
// returned so that a repair pass or a later sync can complete it.
type FetchResult struct {
	Message Message
	Consistency
}

// assess compares the declared parts of h with the content found.
// A header whose part list is not 1..N is corrupt and yields a
// PartIndexError.
func assess(chash string, h *HeaderDocument, cdocs map[int]*ContentDocument) (*Consistency, error) {
	c := &Consistency{Chash: chash}
	if h == nil {
		c.State = DanglingFlags
		return c, nil
	}
	for k, i := range h.Parts {
		if i != k+1 {
			return nil, &PartIndexError{Index: i, Max: len(h.Parts)}
		}
		if _, ok := cdocs[i]; !ok {
			c.Missing = append(c.Missing, i)
		}
	}
	if len(c.Missing) > 0 {
		c.State = MissingContent
		c.BodyMissing = slices.Contains(c.Missing, h.Body)
	}
	return c, nil
}
