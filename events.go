package maildoc

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for adaptor events.
const (
	EventNameMessageCreated = "maildoc.message.created"
	EventNameMessageUpdated = "maildoc.message.updated"
	EventNameMessageCopied  = "maildoc.message.copied"
	EventNameMessageDeleted = "maildoc.message.deleted"
	EventNameMailboxDeleted = "maildoc.mailbox.deleted"
)

// MessageCreatedEvent is published once the Flags Document of a new
// message is durable.
type MessageCreatedEvent struct {
	MdocID    string    `json:"mdoc_id"`
	MboxUUID  string    `json:"mbox_uuid"`
	Chash     string    `json:"chash"`
	MsgID     string    `json:"msgid,omitempty"`
	Parts     int       `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageUpdatedEvent is published after a flags update. Flags and Tags
// are the stored values, merged with any concurrent change.
type MessageUpdatedEvent struct {
	MdocID    string    `json:"mdoc_id"`
	MboxUUID  string    `json:"mbox_uuid"`
	Flags     []string  `json:"flags"`
	Tags      []string  `json:"tags"`
	Rounds    int       `json:"rounds"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageCopiedEvent is published after a copy into another mailbox.
type MessageCopiedEvent struct {
	SourceID string    `json:"source_id"`
	MdocID   string    `json:"mdoc_id"`
	MboxUUID string    `json:"mbox_uuid"`
	Chash    string    `json:"chash"`
	CopiedAt time.Time `json:"copied_at"`
}

// MessageDeletedEvent is published after a message left a mailbox.
// ContentRemoved reports whether it was the last placement, so that the
// Header and Content Documents were removed too.
type MessageDeletedEvent struct {
	MdocID         string    `json:"mdoc_id"`
	MboxUUID       string    `json:"mbox_uuid"`
	Chash          string    `json:"chash"`
	ContentRemoved bool      `json:"content_removed"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// MailboxDeletedEvent is published after a mailbox document is removed.
type MailboxDeletedEvent struct {
	MboxUUID  string    `json:"mbox_uuid"`
	Name      string    `json:"name"`
	Messages  int       `json:"messages"`
	DeletedAt time.Time `json:"deleted_at"`
}

// AdaptorEvents provides access to per-adaptor event instances.
// Each adaptor creates its own events bound to its own event bus.
//
// Subscribe to events:
//
//	a.Events().MessageCreated.Subscribe(ctx, handler)
//	a.Events().MessageDeleted.Subscribe(ctx, handler)
type AdaptorEvents struct {
	MessageCreated event.Event[MessageCreatedEvent]
	MessageUpdated event.Event[MessageUpdatedEvent]
	MessageCopied  event.Event[MessageCopiedEvent]
	MessageDeleted event.Event[MessageDeletedEvent]
	MailboxDeleted event.Event[MailboxDeletedEvent]
}

// newAdaptorEvents creates per-adaptor event instances with a unique name prefix.
func newAdaptorEvents(namePrefix string) *AdaptorEvents {
	return &AdaptorEvents{
		MessageCreated: event.New[MessageCreatedEvent](namePrefix + "." + EventNameMessageCreated),
		MessageUpdated: event.New[MessageUpdatedEvent](namePrefix + "." + EventNameMessageUpdated),
		MessageCopied:  event.New[MessageCopiedEvent](namePrefix + "." + EventNameMessageCopied),
		MessageDeleted: event.New[MessageDeletedEvent](namePrefix + "." + EventNameMessageDeleted),
		MailboxDeleted: event.New[MailboxDeletedEvent](namePrefix + "." + EventNameMailboxDeleted),
	}
}

// registerAdaptorEvents registers per-adaptor events with the given bus.
func registerAdaptorEvents(ctx context.Context, bus *event.Bus, events *AdaptorEvents) error {
	if err := event.Register(ctx, bus, events.MessageCreated); err != nil {
		return fmt.Errorf("register MessageCreated: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageUpdated); err != nil {
		return fmt.Errorf("register MessageUpdated: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageCopied); err != nil {
		return fmt.Errorf("register MessageCopied: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageDeleted); err != nil {
		return fmt.Errorf("register MessageDeleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailboxDeleted); err != nil {
		return fmt.Errorf("register MailboxDeleted: %w", err)
	}
	return nil
}

// publish sends data on the event chosen by pick. The write it reports on
// is already durable, so a failure is only returned when event errors are
// fatal.
func publish[T any](ctx context.Context, a *Adaptor, pick func(*AdaptorEvents) event.Event[T], name, docID string, data T) error {
	if a.events == nil {
		return nil
	}
	if err := pick(a.events).Publish(ctx, data); err != nil {
		if a.opts.eventErrorsFatal {
			return &EventPublishError{Event: name, DocID: docID, Err: err}
		}
		a.opts.safeEventPublishFailure(name, err)
	}
	return nil
}
