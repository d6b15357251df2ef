package maildoc

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/maildoc/mimeparse"
	"github.com/rbaliyan/maildoc/store"
	"golang.org/x/crypto/blake2b"
)

// Document type values, stored in the "type" field of every document.
const (
	TypeFlags   = "flags"
	TypeHeader  = "head"
	TypeContent = "cnt"
	TypeMailbox = "mbox"
)

// Document id prefixes.
const (
	flagsPrefix   = "F-"
	headerPrefix  = "H-"
	contentPrefix = "C-"
	mailboxPrefix = "M-"
)

// Index names created by InitializeStore.
const (
	IndexByType           = "by-type"
	IndexByTypeName       = "by-type-name"
	IndexByTypeMbox       = "by-type-mbox"
	IndexByTypeMboxSeen   = "by-type-mbox-seen"
	IndexByTypeMboxRecent = "by-type-mbox-recent"
	IndexByTypeMboxMsgID  = "by-type-mbox-msgid"
	IndexByTypeChash      = "by-type-chash"
)

// Indexes lists the index definitions the adaptor queries with.
func Indexes() []store.Index {
	return []store.Index{
		{Name: IndexByType, Fields: []string{"type"}},
		{Name: IndexByTypeName, Fields: []string{"type", "name"}},
		{Name: IndexByTypeMbox, Fields: []string{"type", "mbox_uuid"}},
		{Name: IndexByTypeMboxSeen, Fields: []string{"type", "mbox_uuid", "seen"}},
		{Name: IndexByTypeMboxRecent, Fields: []string{"type", "mbox_uuid", "recent"}},
		{Name: IndexByTypeMboxMsgID, Fields: []string{"type", "mbox_uuid", "msgid"}},
		{Name: IndexByTypeChash, Fields: []string{"type", "chash"}},
	}
}

// Field is one raw header field.
type Field = mimeparse.Field

// FlagsDocument is the mutable per-(message, mailbox) record.
// seen, recent and deleted mirror Flags so they can be indexed.
type FlagsDocument struct {
	Type      string    `json:"type"`
	MboxUUID  string    `json:"mbox_uuid"`
	Chash     string    `json:"chash"`
	MsgID     string    `json:"msgid"`
	Flags     []string  `json:"flags"`
	Tags      []string  `json:"tags"`
	Date      time.Time `json:"date"`
	Seen      bool      `json:"seen"`
	Recent    bool      `json:"recent"`
	Deleted   bool      `json:"deleted"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ID returns the document id, which is also the mdoc id.
func (f *FlagsDocument) ID() string { return FlagsDocID(f.MboxUUID, f.Chash) }

// HasFlag reports whether flag is set.
func (f *FlagsDocument) HasFlag(flag string) bool { return hasFlag(f.Flags, flag) }

func (f *FlagsDocument) derive() {
	f.Type = TypeFlags
	f.Seen = hasFlag(f.Flags, FlagSeen)
	f.Recent = hasFlag(f.Flags, FlagRecent)
	f.Deleted = hasFlag(f.Flags, FlagDeleted)
	if f.Flags == nil {
		f.Flags = []string{}
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}
}

func (f *FlagsDocument) clone() *FlagsDocument {
	c := *f
	c.Flags = append([]string{}, f.Flags...)
	c.Tags = append([]string{}, f.Tags...)
	return &c
}

// HeaderDocument is the immutable message metadata record.
// Parts is the ordered content index list 1..N and Body the designated
// body part (0 when the message has no parts).
type HeaderDocument struct {
	Type        string            `json:"type"`
	Chash       string            `json:"chash"`
	MsgID       string            `json:"msgid"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc"`
	Date        time.Time         `json:"date"`
	Size        int               `json:"size"`
	ContentType string            `json:"content_type"`
	Multipart   bool              `json:"multipart"`
	PartMap     map[string]string `json:"part_map"`
	Parts       []int             `json:"parts"`
	Body        int               `json:"body"`
	Headers     []Field           `json:"headers"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ID returns the document id.
func (h *HeaderDocument) ID() string { return HeaderDocID(h.Chash) }

// ContentDocument is the immutable record of one leaf MIME part.
// Payload holds the part body encoded with the named codec, unless the
// body was offloaded, in which case PayloadURI points at the blob.
type ContentDocument struct {
	Type        string            `json:"type"`
	Chash       string            `json:"chash"`
	Index       int               `json:"index"`
	ContentType string            `json:"content_type"`
	Params      map[string]string `json:"params,omitempty"`
	Disposition string            `json:"disposition,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	Headers     []Field           `json:"headers"`
	Encoding    string            `json:"encoding,omitempty"`
	Payload     string            `json:"payload"`
	PHash       string            `json:"phash"`
	Size        int               `json:"size"`
	PayloadURI  string            `json:"payload_uri,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ID returns the document id.
func (c *ContentDocument) ID() string { return ContentDocID(c.Chash, c.Index) }

// Offloaded reports whether the payload lives in a payload store.
func (c *ContentDocument) Offloaded() bool { return c.PayloadURI != "" }

// MailboxDocument is the stored form of a mailbox.
type MailboxDocument struct {
	Type        string    `json:"type"`
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	UIDValidity uint32    `json:"uid_validity"`
	Subscribed  bool      `json:"subscribed"`
	Closed      bool      `json:"closed"`
	CreatedAt   time.Time `json:"created_at"`
}

// ID returns the document id.
func (m *MailboxDocument) ID() string { return MailboxDocID(m.UUID) }

// FlagsDocID returns the Flags Document id for a message in a mailbox.
func FlagsDocID(mboxUUID, chash string) string {
	return flagsPrefix + mboxUUID + "-" + chash
}

// HeaderDocID returns the Header Document id of a message.
func HeaderDocID(chash string) string { return headerPrefix + chash }

// ContentDocID returns the Content Document id of part index.
func ContentDocID(chash string, index int) string {
	return contentPrefix + chash + "-" + strconv.Itoa(index)
}

// MailboxDocID returns the Mailbox Document id.
func MailboxDocID(uuid string) string { return mailboxPrefix + uuid }

// ParseFlagsDocID splits an mdoc id into mailbox uuid and chash.
func ParseFlagsDocID(id string) (mboxUUID, chash string, err error) {
	rest, ok := strings.CutPrefix(id, flagsPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a flags document id", store.ErrInvalidID, id)
	}
	// chash is fixed-width hex; the mailbox uuid may contain dashes.
	n := hex.EncodedLen(blake2b.Size256)
	if len(rest) < n+2 || rest[len(rest)-n-1] != '-' {
		return "", "", fmt.Errorf("%w: %q is not a flags document id", store.ErrInvalidID, id)
	}
	return rest[:len(rest)-n-1], rest[len(rest)-n:], nil
}

// Chash returns the message identifier of raw: the hex BLAKE2b-256 digest.
func Chash(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func decodeAs[T any](doc *store.Document, want string) (*T, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := doc.Decode(&probe); err != nil {
		return nil, err
	}
	if probe.Type != want {
		return nil, fmt.Errorf("%w: %s has type %q, want %q", store.ErrInvalidDocument, doc.ID, probe.Type, want)
	}
	v := new(T)
	if err := doc.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}
