package maildoc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/maildoc/store"
	"go.opentelemetry.io/otel/attribute"
)

// Mailbox is the in-memory form of a Mailbox Document. Message counts are
// not stored; CountUnseen and CountRecent query the Flags Documents.
type Mailbox struct {
	UUID        string
	Name        string
	UIDValidity uint32
	Subscribed  bool
	Closed      bool
	CreatedAt   time.Time

	rev string
	a   *Adaptor
}

// ID returns the Mailbox Document id.
func (m *Mailbox) ID() string { return MailboxDocID(m.UUID) }

// Rev returns the document revision.
func (m *Mailbox) Rev() string { return m.rev }

func (m *Mailbox) CountUnseen(ctx context.Context) (int, error) {
	return m.a.CountUnseen(ctx, m.UUID)
}

func (m *Mailbox) CountRecent(ctx context.Context) (int, error) {
	return m.a.CountRecent(ctx, m.UUID)
}

// CountMessages counts the messages in the mailbox.
func (m *Mailbox) CountMessages(ctx context.Context) (int, error) {
	if err := m.a.checkConnected(); err != nil {
		return 0, err
	}
	return m.a.countMessages(ctx, m.UUID)
}

func (m *Mailbox) doc() *MailboxDocument {
	return &MailboxDocument{
		Type:        TypeMailbox,
		UUID:        m.UUID,
		Name:        m.Name,
		UIDValidity: m.UIDValidity,
		Subscribed:  m.Subscribed,
		Closed:      m.Closed,
		CreatedAt:   m.CreatedAt,
	}
}

func (a *Adaptor) mailboxFromDoc(doc *store.Document) (*Mailbox, error) {
	d, err := decodeAs[MailboxDocument](doc, TypeMailbox)
	if err != nil {
		return nil, storeErr("decode mailbox", err)
	}
	return &Mailbox{
		UUID:        d.UUID,
		Name:        d.Name,
		UIDValidity: d.UIDValidity,
		Subscribed:  d.Subscribed,
		Closed:      d.Closed,
		CreatedAt:   d.CreatedAt,
		rev:         doc.Rev,
		a:           a,
	}, nil
}

// oldestFirst orders duplicates deterministically so every device picks
// the same one.
func oldestFirst(x, y *Mailbox) int {
	if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(x.UUID, y.UUID)
}

func (a *Adaptor) findMboxes(ctx context.Context, name string) ([]*Mailbox, error) {
	var out []*Mailbox
	for doc, err := range a.opts.store.Query(ctx, IndexByTypeName, TypeMailbox, name) {
		if err != nil {
			return nil, storeErr("query mailbox", err)
		}
		m, err := a.mailboxFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	slices.SortFunc(out, oldestFirst)
	return out, nil
}

// FindMbox returns the mailbox called name, or ErrNotFound.
func (a *Adaptor) FindMbox(ctx context.Context, name string) (*Mailbox, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	found, err := a.findMboxes(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: mailbox %q", ErrNotFound, name)
	}
	a.warnDuplicates(name, found)
	return found[0], nil
}

func (a *Adaptor) warnDuplicates(name string, found []*Mailbox) {
	if len(found) < 2 {
		return
	}
	uuids := make([]string, len(found))
	for i, m := range found {
		uuids[i] = m.UUID
	}
	a.logger.Warn("duplicate mailboxes, using the oldest", "name", name, "mbox", found[0].UUID, "duplicates", uuids)
}

// GetOrCreateMbox returns the mailbox called name, creating it if needed.
// Concurrent calls for the same name in this process share one lookup.
// Two devices may still create the same name before sync meets; the
// oldest document then wins everywhere.
func (a *Adaptor) GetOrCreateMbox(ctx context.Context, name string) (*Mailbox, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	if err := ValidateMailboxName(name); err != nil {
		return nil, err
	}

	// The shared lookup must outlive any single caller; each caller still
	// stops waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := a.mboxGroup.DoChan(name, func() (any, error) {
		return a.getOrCreateMbox(shared, name)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		m := *res.Val.(*Mailbox)
		return &m, nil
	}
}

func (a *Adaptor) getOrCreateMbox(ctx context.Context, name string) (*Mailbox, error) {
	found, err := a.findMboxes(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		a.warnDuplicates(name, found)
		return found[0], nil
	}

	now := a.opts.now().UTC()
	m := &Mailbox{
		UUID:        uuid.NewString(),
		Name:        name,
		UIDValidity: uint32(now.Unix()),
		Subscribed:  true,
		CreatedAt:   now,
		a:           a,
	}
	doc, err := store.NewDocument(m.ID(), m.doc())
	if err != nil {
		return nil, err
	}
	saved, err := a.opts.store.Put(ctx, doc)
	if err != nil {
		return nil, storeErr("create mailbox", err)
	}
	m.rev = saved.Rev
	a.logger.Info("mailbox created", "name", name, "mbox", m.UUID)
	return m, nil
}

// UpdateMbox writes the name and the subscribed and closed fields. On a
// conflict with a concurrent writer it re-reads the document and
// reapplies those fields.
func (a *Adaptor) UpdateMbox(ctx context.Context, mbox *Mailbox) (err error) {
	if err := a.checkConnected(); err != nil {
		return err
	}
	if mbox == nil || mbox.rev == "" {
		return ErrNotSaved
	}
	if err := ValidateMailboxName(mbox.Name); err != nil {
		return err
	}

	ctx, end := a.otel.begin(ctx, "update_mbox", attribute.String("mbox", mbox.UUID))
	defer func() { end(err) }()

	found, err := a.findMboxes(ctx, mbox.Name)
	if err != nil {
		return err
	}
	for _, other := range found {
		if other.UUID != mbox.UUID {
			return fmt.Errorf("%w: %q", ErrMailboxExists, mbox.Name)
		}
	}

	want := mbox.doc()
	rev := mbox.rev
	for round := 1; ; round++ {
		doc, err := store.NewDocument(mbox.ID(), want)
		if err != nil {
			return err
		}
		doc.Rev = rev
		saved, err := a.opts.store.Put(ctx, doc)
		if err == nil {
			mbox.rev = saved.Rev
			mbox.UIDValidity = want.UIDValidity
			mbox.CreatedAt = want.CreatedAt
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return storeErr("update mailbox", err)
		}
		if round >= a.opts.maxConflictRounds {
			return fmt.Errorf("%w: %s after %d rounds", ErrConflict, mbox.ID(), round)
		}

		cur, err := a.opts.store.Get(ctx, mbox.ID())
		if err != nil {
			return storeErr("reload mailbox", err)
		}
		remote, err := decodeAs[MailboxDocument](cur, TypeMailbox)
		if err != nil {
			return storeErr("decode mailbox", err)
		}
		remote.Name = mbox.Name
		remote.Subscribed = mbox.Subscribed
		remote.Closed = mbox.Closed
		want, rev = remote, cur.Rev
	}
}

type deleteMboxOptions struct {
	nonDestructive bool
}

// DeleteMboxOption configures DeleteMbox.
type DeleteMboxOption func(*deleteMboxOptions)

// NonDestructive makes DeleteMbox fail with MailboxNotEmptyError instead
// of deleting the messages of a mailbox that still holds any.
func NonDestructive() DeleteMboxOption {
	return func(o *deleteMboxOptions) {
		o.nonDestructive = true
	}
}

// DeleteMbox deletes a mailbox. By default it cascades: every message in
// the mailbox is deleted first, which removes the Header and Content
// Documents of messages held by no other mailbox. With NonDestructive it
// fails on a non-empty mailbox instead.
//
// The cascade is not atomic. A failure or cancellation leaves the mailbox
// document and its remaining messages in place; calling DeleteMbox again
// continues.
func (a *Adaptor) DeleteMbox(ctx context.Context, mbox *Mailbox, opts ...DeleteMboxOption) (err error) {
	if err := a.checkConnected(); err != nil {
		return err
	}
	if mbox == nil || mbox.UUID == "" {
		return fmt.Errorf("%w: no mailbox", ErrInvalidMailbox)
	}
	var o deleteMboxOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, end := a.otel.begin(ctx, "delete_mbox", attribute.String("mbox", mbox.UUID))
	defer func() { end(err) }()

	n, err := a.countMessages(ctx, mbox.UUID)
	if err != nil {
		return err
	}
	if o.nonDestructive && n > 0 {
		return &MailboxNotEmptyError{Mailbox: mbox.Name, Messages: n}
	}

	var ids []string
	for doc, err := range a.opts.store.Query(ctx, IndexByTypeMbox, TypeFlags, mbox.UUID) {
		if err != nil {
			return storeErr("query mailbox", err)
		}
		ids = append(ids, doc.ID)
	}

	var publishErrs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, _, err := a.loadWrapper(ctx, id)
		if w == nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if err := w.Delete(ctx); err != nil {
			if _, ok := IsEventPublishError(err); ok {
				publishErrs = append(publishErrs, err)
				continue
			}
			return err
		}
	}

	if err := a.opts.store.Delete(ctx, mbox.ID()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeErr("delete mailbox", err)
	}
	mbox.rev = ""
	a.logger.Info("mailbox deleted", "name", mbox.Name, "mbox", mbox.UUID, "messages", len(ids))

	if err := publish(ctx, a, func(e *AdaptorEvents) event.Event[MailboxDeletedEvent] { return e.MailboxDeleted },
		EventNameMailboxDeleted, mbox.ID(), MailboxDeletedEvent{
			MboxUUID:  mbox.UUID,
			Name:      mbox.Name,
			Messages:  len(ids),
			DeletedAt: a.opts.now().UTC(),
		}); err != nil {
		publishErrs = append(publishErrs, err)
	}
	return errors.Join(publishErrs...)
}

// AllMboxes returns every mailbox ordered by name. Duplicates created by
// concurrent devices are all returned, oldest first.
func (a *Adaptor) AllMboxes(ctx context.Context) ([]*Mailbox, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	var out []*Mailbox
	for doc, err := range a.opts.store.Query(ctx, IndexByType, TypeMailbox) {
		if err != nil {
			return nil, storeErr("query mailboxes", err)
		}
		m, err := a.mailboxFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(x, y *Mailbox) int {
		if c := cmp.Compare(x.Name, y.Name); c != 0 {
			return c
		}
		return oldestFirst(x, y)
	})
	return out, nil
}
