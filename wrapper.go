package maildoc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/maildoc/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/blake2b"
)

// MessageWrapper is one message in one mailbox: its Flags Document plus
// the Header and Content Documents it shares with every other placement of
// the same message.
//
// Only the Flags Document is ever rewritten. Header and Content Documents
// are written once by Create and removed by the Delete of the last
// placement.
type MessageWrapper interface {
	// MdocID returns the message document id (the Flags Document id).
	MdocID() string
	// Saved reports whether the Flags Document has been written.
	Saved() bool

	FlagsDoc() *FlagsDocument
	HeaderDoc() *HeaderDocument
	ContentDocs() []*ContentDocument

	// Create writes the Header, the Content and then the Flags Document.
	Create(ctx context.Context) error
	// Update writes the Flags Document. It fails with ImmutableDocumentError
	// if the header or content changed since the message was loaded.
	Update(ctx context.Context) error
	// Delete removes the message from its mailbox, and its Header and
	// Content Documents when no other mailbox holds it.
	Delete(ctx context.Context) error
	// Copy places the message in another mailbox, sharing its content.
	Copy(ctx context.Context, mboxUUID string) (MessageWrapper, error)

	SetMboxUUID(mboxUUID string) error
	SetFlags(flags []string) error
	SetTags(tags []string) error
	SetDate(date time.Time)

	// Subpart returns the Content Document of part index (1-based).
	Subpart(index int) (*ContentDocument, error)
	// SubpartIndexes returns the part indexes declared by the header.
	SubpartIndexes() []int
	// Body returns the decoded payload of the designated body part.
	Body(ctx context.Context) ([]byte, error)
	// Part returns the decoded payload of part index.
	Part(ctx context.Context, index int) ([]byte, error)

	// Fingerprint hashes the Header and Content Documents.
	Fingerprint() string
	// Validate checks the message documents against the store.
	Validate(ctx context.Context) (*Consistency, error)
}

// Wrapper is the MessageWrapper implementation. A Wrapper is not safe for
// concurrent use; each operation works on its own snapshot and re-reads
// the store where it matters.
type Wrapper struct {
	a *Adaptor

	fdoc  *FlagsDocument
	hdoc  *HeaderDocument
	cdocs map[int]*ContentDocument

	// bodies holds part bodies waiting to be offloaded on Create.
	bodies map[int][]byte

	rev    string
	base   *FlagsDocument    // flags as last read from or written to the store
	hashes map[string]string // document id -> hash when loaded or created
}

var _ MessageWrapper = (*Wrapper)(nil)

func newWrapper(a *Adaptor) *Wrapper {
	return &Wrapper{
		a:      a,
		cdocs:  make(map[int]*ContentDocument),
		bodies: make(map[int][]byte),
		hashes: make(map[string]string),
	}
}

// MdocID returns the Flags Document id.
func (w *Wrapper) MdocID() string { return w.fdoc.ID() }

// Saved reports whether the Flags Document has been written.
func (w *Wrapper) Saved() bool { return w.rev != "" }

// Rev returns the Flags Document revision, empty when unsaved.
func (w *Wrapper) Rev() string { return w.rev }

func (w *Wrapper) FlagsDoc() *FlagsDocument { return w.fdoc }

func (w *Wrapper) HeaderDoc() *HeaderDocument { return w.hdoc }

// ContentDocs returns the loaded Content Documents in index order.
func (w *Wrapper) ContentDocs() []*ContentDocument {
	idx := slices.Sorted(maps.Keys(w.cdocs))
	out := make([]*ContentDocument, 0, len(idx))
	for _, i := range idx {
		out = append(out, w.cdocs[i])
	}
	return out
}

// SetMboxUUID binds an unsaved message to a mailbox. A saved message
// moves with Copy followed by Delete.
func (w *Wrapper) SetMboxUUID(mboxUUID string) error {
	if w.Saved() {
		return ErrAlreadySaved
	}
	if mboxUUID == "" {
		return fmt.Errorf("%w: empty mailbox uuid", ErrInvalidMailbox)
	}
	w.fdoc.MboxUUID = mboxUUID
	return nil
}

// SetFlags replaces the flag set. The change is written by Update.
func (w *Wrapper) SetFlags(flags []string) error {
	n, err := normalizeFlags(flags)
	if err != nil {
		return err
	}
	w.fdoc.Flags = n
	w.fdoc.derive()
	return nil
}

// SetTags replaces the tag set. The change is written by Update.
func (w *Wrapper) SetTags(tags []string) error {
	n, err := normalizeFlags(tags)
	if err != nil {
		return err
	}
	w.fdoc.Tags = n
	return nil
}

// SetDate sets the internal date. The change is written by Update.
func (w *Wrapper) SetDate(date time.Time) {
	w.fdoc.Date = date.UTC()
}

// Subpart returns the Content Document of part index without touching the
// store.
func (w *Wrapper) Subpart(index int) (*ContentDocument, error) {
	n := 0
	if w.hdoc != nil {
		n = len(w.hdoc.Parts)
	}
	if index < 1 || index > n {
		return nil, &PartIndexError{Index: index, Max: n}
	}
	c, ok := w.cdocs[index]
	if !ok {
		return nil, &PartMissingError{Chash: w.fdoc.Chash, Index: index}
	}
	return c, nil
}

// SubpartIndexes returns the declared part indexes, nil without a header.
func (w *Wrapper) SubpartIndexes() []int {
	if w.hdoc == nil {
		return nil
	}
	return slices.Clone(w.hdoc.Parts)
}

// Body returns the decoded body part. A message without parts has an empty
// body.
func (w *Wrapper) Body(ctx context.Context) ([]byte, error) {
	if w.hdoc == nil {
		return nil, &PartMissingError{Chash: w.fdoc.Chash, Err: ErrNotFound}
	}
	if w.hdoc.Body == 0 {
		return nil, nil
	}
	return w.Part(ctx, w.hdoc.Body)
}

// Part returns the decoded payload of part index. Parts that were not
// loaded are read from the store.
func (w *Wrapper) Part(ctx context.Context, index int) ([]byte, error) {
	if w.hdoc == nil {
		return nil, &PartIndexError{Index: index}
	}
	if index < 1 || index > len(w.hdoc.Parts) {
		return nil, &PartIndexError{Index: index, Max: len(w.hdoc.Parts)}
	}
	if body, ok := w.bodies[index]; ok {
		return bytes.Clone(body), nil
	}

	c, ok := w.cdocs[index]
	if !ok {
		if !w.Saved() {
			return nil, &PartMissingError{Chash: w.fdoc.Chash, Index: index}
		}
		var err error
		if c, err = w.loadContent(ctx, index); err != nil {
			return nil, err
		}
	}

	if !c.Offloaded() {
		data, err := w.a.opts.codecs.Decode(c.Encoding, c.Payload)
		if err != nil {
			return nil, fmt.Errorf("maildoc: decode part %d of %s: %w", index, c.Chash, err)
		}
		return data, nil
	}

	if w.a.opts.payloads == nil {
		return nil, &PartMissingError{Chash: c.Chash, Index: index,
			Err: fmt.Errorf("payload %s is offloaded but no payload store is configured", c.PayloadURI)}
	}
	rc, err := w.a.opts.payloads.Load(ctx, c.PayloadURI)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &PartMissingError{Chash: c.Chash, Index: index, Err: err}
	}
	if err != nil {
		return nil, storeErr("load payload", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storeErr("read payload", store.Unavailable("read", err))
	}
	return data, nil
}

// loadContent reads a Content Document the wrapper has not seen yet, for
// instance one that arrived by sync after the message was fetched.
func (w *Wrapper) loadContent(ctx context.Context, index int) (*ContentDocument, error) {
	id := ContentDocID(w.fdoc.Chash, index)
	doc, err := w.a.opts.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &PartMissingError{Chash: w.fdoc.Chash, Index: index, Err: err}
	}
	if err != nil {
		return nil, storeErr("get content", err)
	}
	c, err := decodeAs[ContentDocument](doc, TypeContent)
	if err != nil {
		return nil, storeErr("decode content", err)
	}
	w.cdocs[index] = c
	w.hashes[id] = hashDoc(c)
	return c, nil
}

// Fingerprint hashes the Header and Content Documents held by the wrapper.
func (w *Wrapper) Fingerprint() string {
	hashes := w.docHashes()
	h, _ := blake2b.New256(nil)
	for _, id := range slices.Sorted(maps.Keys(hashes)) {
		io.WriteString(h, id)
		io.WriteString(h, hashes[id])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (w *Wrapper) docHashes() map[string]string {
	out := make(map[string]string, len(w.cdocs)+1)
	if w.hdoc != nil {
		out[w.hdoc.ID()] = hashDoc(w.hdoc)
	}
	for _, c := range w.cdocs {
		out[c.ID()] = hashDoc(c)
	}
	return out
}

func (w *Wrapper) snapshot() {
	w.hashes = w.docHashes()
	w.base = w.fdoc.clone()
}

// checkImmutable fails if a Header or Content Document differs from the
// state it had when the wrapper was loaded or created, or if a Flags
// Document field outside flags, tags and date was changed.
func (w *Wrapper) checkImmutable() error {
	if b := w.base; b != nil {
		f := w.fdoc
		if f.Type != b.Type || f.MboxUUID != b.MboxUUID || f.Chash != b.Chash ||
			f.MsgID != b.MsgID || f.Size != b.Size || !f.CreatedAt.Equal(b.CreatedAt) {
			return &ImmutableDocumentError{DocID: b.ID()}
		}
	}
	cur := w.docHashes()
	for _, id := range slices.Sorted(maps.Keys(w.hashes)) {
		if cur[id] != w.hashes[id] {
			return &ImmutableDocumentError{DocID: id}
		}
	}
	return nil
}

func hashDoc(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(data)
}

func hashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Create writes the Header Document, the Content Documents in index order
// and finally the Flags Document. Header and Content Documents that
// already exist (the same message in another mailbox) are left alone.
//
// There is no rollback: if the Flags write fails, the Header and Content
// Documents stay behind as orphaned content for Repair. Cancelling ctx
// stops further writes.
func (w *Wrapper) Create(ctx context.Context) (err error) {
	if err := w.a.checkConnected(); err != nil {
		return err
	}
	if w.Saved() {
		return ErrAlreadySaved
	}
	if w.hdoc == nil {
		return &PartMissingError{Chash: w.fdoc.Chash, Err: errors.New("no header document")}
	}
	if w.fdoc.MboxUUID == "" {
		return fmt.Errorf("%w: message is not bound to a mailbox", ErrInvalidMailbox)
	}

	ctx, end := w.a.otel.begin(ctx, "create",
		attribute.String("mbox", w.fdoc.MboxUUID),
		attribute.String("chash", w.fdoc.Chash),
		attribute.Int("parts", len(w.hdoc.Parts)),
	)
	defer func() { end(err) }()

	if err := w.a.plugins.beforeCreate(ctx, w); err != nil {
		return err
	}

	if err := w.putImmutable(ctx, w.hdoc.ID(), w.hdoc); err != nil {
		return err
	}
	for _, i := range w.hdoc.Parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, ok := w.cdocs[i]
		if !ok {
			return &PartMissingError{Chash: w.fdoc.Chash, Index: i}
		}
		if err := w.offload(ctx, c); err != nil {
			return err
		}
		if err := w.putImmutable(ctx, c.ID(), c); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.fdoc.derive()
	doc, err := store.NewDocument(w.fdoc.ID(), w.fdoc)
	if err != nil {
		return err
	}
	saved, err := w.a.opts.store.Put(ctx, doc)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrMessageExists, w.fdoc.ID())
	}
	if err != nil {
		w.a.logger.Warn("flags write failed, header and content left for repair",
			"mbox", w.fdoc.MboxUUID, "chash", w.fdoc.Chash, "error", err)
		return storeErr("create flags", err)
	}
	w.rev = saved.Rev
	w.bodies = make(map[int][]byte)
	w.snapshot()

	w.a.logger.Debug("message created", "mbox", w.fdoc.MboxUUID, "chash", w.fdoc.Chash, "doc_id", doc.ID)
	w.a.plugins.afterCreate(ctx, w)

	return publish(ctx, w.a, func(e *AdaptorEvents) event.Event[MessageCreatedEvent] { return e.MessageCreated },
		EventNameMessageCreated, doc.ID, MessageCreatedEvent{
			MdocID:    doc.ID,
			MboxUUID:  w.fdoc.MboxUUID,
			Chash:     w.fdoc.Chash,
			MsgID:     w.fdoc.MsgID,
			Parts:     len(w.hdoc.Parts),
			CreatedAt: w.fdoc.CreatedAt,
		})
}

// putImmutable creates a Header or Content Document. An existing document
// with the same id holds the same bytes, since the id derives from the
// message hash.
func (w *Wrapper) putImmutable(ctx context.Context, id string, v any) error {
	doc, err := store.NewDocument(id, v)
	if err != nil {
		return err
	}
	_, err = w.a.opts.store.Put(ctx, doc)
	switch {
	case err == nil:
		w.a.logger.Debug("document written", "doc_id", id)
		return nil
	case errors.Is(err, store.ErrConflict):
		w.a.logger.Debug("document exists, shared", "doc_id", id)
		return nil
	default:
		return storeErr("create "+id, err)
	}
}

// offload uploads a pending part body to the payload store.
func (w *Wrapper) offload(ctx context.Context, c *ContentDocument) error {
	body, ok := w.bodies[c.Index]
	if !ok || w.a.opts.payloads == nil {
		return nil
	}
	uri, err := w.a.opts.payloads.Upload(ctx, c.ID(), c.ContentType, bytes.NewReader(body))
	if err != nil {
		return storeErr("upload payload", err)
	}
	c.PayloadURI = uri
	c.Payload = ""
	c.Encoding = ""
	return nil
}

// Update writes the Flags Document.
//
// When a concurrent writer (typically sync) changed the document since it
// was read, Update re-reads it and merges: flags and tags added locally
// are added, flags and tags removed locally are removed, everything else
// keeps the stored value, and the date is taken from the local side. The
// merge is retried up to WithMaxConflictRounds times.
func (w *Wrapper) Update(ctx context.Context) (err error) {
	if err := w.a.checkConnected(); err != nil {
		return err
	}
	if !w.Saved() {
		return ErrNotSaved
	}
	if err := w.checkImmutable(); err != nil {
		return err
	}

	want := w.fdoc.clone()
	if want.Flags, err = normalizeFlags(want.Flags); err != nil {
		return err
	}
	if want.Tags, err = normalizeFlags(want.Tags); err != nil {
		return err
	}
	want.derive()

	id := want.ID()
	ctx, end := w.a.otel.begin(ctx, "update", attribute.String("doc_id", id))
	defer func() { end(err) }()

	next, rev := want, w.rev
	rounds := 0
	for {
		rounds++
		doc, err := store.NewDocument(id, next)
		if err != nil {
			return err
		}
		doc.Rev = rev
		saved, err := w.a.opts.store.Put(ctx, doc)
		if err == nil {
			w.fdoc = next
			w.rev = saved.Rev
			w.base = next.clone()
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return storeErr("update flags", err)
		}
		if rounds >= w.a.opts.maxConflictRounds {
			w.a.otel.recordConflict(ctx, false)
			return fmt.Errorf("%w: %s after %d rounds", ErrConflict, id, rounds)
		}

		cur, err := w.a.opts.store.Get(ctx, id)
		if err != nil {
			return storeErr("reload flags", err)
		}
		remote, err := decodeAs[FlagsDocument](cur, TypeFlags)
		if err != nil {
			return storeErr("decode flags", err)
		}
		next, rev = mergeFlags(w.base, want, remote), cur.Rev
		w.a.otel.recordConflict(ctx, true)
		w.a.logger.Debug("flags conflict, merged", "doc_id", id, "round", rounds)
	}

	return publish(ctx, w.a, func(e *AdaptorEvents) event.Event[MessageUpdatedEvent] { return e.MessageUpdated },
		EventNameMessageUpdated, id, MessageUpdatedEvent{
			MdocID:    id,
			MboxUUID:  w.fdoc.MboxUUID,
			Flags:     slices.Clone(w.fdoc.Flags),
			Tags:      slices.Clone(w.fdoc.Tags),
			Rounds:    rounds,
			UpdatedAt: w.a.opts.now().UTC(),
		})
}

// mergeFlags applies the change from base to local on top of remote.
func mergeFlags(base, local, remote *FlagsDocument) *FlagsDocument {
	out := remote.clone()
	out.Flags = mergeSet(base.Flags, local.Flags, remote.Flags)
	out.Tags = mergeSet(base.Tags, local.Tags, remote.Tags)
	out.Date = local.Date
	out.derive()
	return out
}

// Copy writes a new Flags Document for the message in mboxUUID, marked
// Recent and sharing the Header and Content Documents.
func (w *Wrapper) Copy(ctx context.Context, mboxUUID string) (_ MessageWrapper, err error) {
	if err := w.a.checkConnected(); err != nil {
		return nil, err
	}
	if !w.Saved() {
		return nil, ErrNotSaved
	}
	if mboxUUID == "" {
		return nil, fmt.Errorf("%w: empty mailbox uuid", ErrInvalidMailbox)
	}

	ctx, end := w.a.otel.begin(ctx, "copy",
		attribute.String("doc_id", w.fdoc.ID()),
		attribute.String("mbox", mboxUUID),
	)
	defer func() { end(err) }()

	c := newWrapper(w.a)
	c.hdoc = w.hdoc
	maps.Copy(c.cdocs, w.cdocs)
	c.fdoc = w.fdoc.clone()
	c.fdoc.MboxUUID = mboxUUID
	c.fdoc.Flags = addFlag(c.fdoc.Flags, FlagRecent)
	c.fdoc.CreatedAt = w.a.opts.now().UTC()
	c.fdoc.derive()

	doc, err := store.NewDocument(c.fdoc.ID(), c.fdoc)
	if err != nil {
		return nil, err
	}
	saved, err := w.a.opts.store.Put(ctx, doc)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrMessageExists, doc.ID)
	}
	if err != nil {
		return nil, storeErr("copy flags", err)
	}
	c.rev = saved.Rev
	c.snapshot()

	w.a.logger.Debug("message copied", "doc_id", w.fdoc.ID(), "mbox", mboxUUID)
	err = publish(ctx, w.a, func(e *AdaptorEvents) event.Event[MessageCopiedEvent] { return e.MessageCopied },
		EventNameMessageCopied, doc.ID, MessageCopiedEvent{
			SourceID: w.fdoc.ID(),
			MdocID:   doc.ID,
			MboxUUID: mboxUUID,
			Chash:    c.fdoc.Chash,
			CopiedAt: c.fdoc.CreatedAt,
		})
	return c, err
}

// Delete removes the Flags Document, then, when no Flags Document of the
// message is left in any mailbox, its Content Documents and Header
// Document. The reference count comes from an index query, not a stored
// counter.
func (w *Wrapper) Delete(ctx context.Context) (err error) {
	if err := w.a.checkConnected(); err != nil {
		return err
	}
	if !w.Saved() {
		return ErrNotSaved
	}

	id := w.fdoc.ID()
	ctx, end := w.a.otel.begin(ctx, "delete", attribute.String("doc_id", id))
	defer func() { end(err) }()

	if err := w.a.plugins.beforeDelete(ctx, w); err != nil {
		return err
	}

	if err := w.a.opts.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeErr("delete flags", err)
	}
	w.rev = ""

	removed, _, err := w.a.releaseContent(ctx, w.fdoc.Chash, nil)
	if err != nil {
		w.a.logger.Warn("content release failed, left for repair",
			"chash", w.fdoc.Chash, "error", err)
		return err
	}

	w.a.logger.Debug("message deleted", "doc_id", id, "content_removed", removed)
	w.a.plugins.afterDelete(ctx, w)

	return publish(ctx, w.a, func(e *AdaptorEvents) event.Event[MessageDeletedEvent] { return e.MessageDeleted },
		EventNameMessageDeleted, id, MessageDeletedEvent{
			MdocID:         id,
			MboxUUID:       w.fdoc.MboxUUID,
			Chash:          w.fdoc.Chash,
			ContentRemoved: removed,
			DeletedAt:      w.a.opts.now().UTC(),
		})
}

// Validate re-reads the Header and Content Documents and reports whether
// the message is complete.
func (w *Wrapper) Validate(ctx context.Context) (*Consistency, error) {
	if err := w.a.checkConnected(); err != nil {
		return nil, err
	}
	return w.a.consistency(ctx, w.fdoc.Chash)
}
