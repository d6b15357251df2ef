// Package maildoc stores mail messages and mailboxes as independent
// documents in an eventually consistent document store.
//
// One message becomes a Message Document Set:
//
//   - a Flags Document per (message, mailbox) holding flags, tags and the
//     internal date. It is the only document that changes after creation.
//   - one immutable Header Document with the parsed header fields and the
//     ordered list of content parts.
//   - one immutable Content Document per MIME leaf part, indexed 1..N.
//
// Header and Content Documents are shared by every mailbox holding the
// message. They are keyed by the BLAKE2b hash of the raw message and are
// removed only when the last Flags Document referencing them is deleted.
// There are no cross-document transactions: writes are ordered (header and
// content before flags on create, flags before content on delete) and the
// partial states a failure leaves behind are reported by FetchMsg and
// cleaned up by Repair.
//
// # Basic Usage
//
//	a, err := maildoc.New(
//	    maildoc.WithStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect creates the indexes the queries need.
//	if err := a.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Close(ctx)
//
//	inbox, _ := a.GetOrCreateMbox(ctx, "INBOX")
//
//	msg, err := a.MsgFromString(nil, inbox.UUID, raw)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := a.CreateMsg(ctx, msg); err != nil {
//	    log.Fatal(err)
//	}
//
//	msg.SetFlags([]string{maildoc.FlagSeen})
//	err = a.UpdateMsg(ctx, msg)
//
// # Concurrent Sync
//
// The store may receive writes from other devices at any time. Updates
// that lose a revision race re-read the Flags Document and merge: flags
// added or removed locally are applied on top of the remote set, up to
// WithMaxConflictRounds times.
//
// # Storage Backends
//
//   - store/memory: in-process, for tests and sync simulation
//   - store/sqlite: local replica file
//   - store/postgres, store/mongo, store/redis: shared servers
//
// Large parts can be moved out of the Content Document into a payload
// store (store/payload/s3, store/payload/gcs) with WithPayloadStore.
//
// # Errors
//
// Store timeouts surface as ErrStoreUnavailable and are never retried
// internally, since a retried create could race a concurrent one. Use the
// retry package at the call site:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return a.UpdateMsg(ctx, msg)
//	})
package maildoc
