package maildoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/maildoc/content"
	"github.com/rbaliyan/maildoc/mimeparse"
	"github.com/rbaliyan/maildoc/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// MailAdaptor stores messages and mailboxes as independent documents in a
// store.Store.
//
// The store offers per-document atomicity only. Every operation issues its
// writes one at a time in dependency order (Header and Content before
// Flags on create, Flags before Content on delete) and holds no lock
// across them, so other callers and the background sync may observe
// intermediate states. FetchMsg reports such states instead of failing,
// and Repair cleans up what a failed or cancelled operation left behind.
//
// The adaptor never retries: creates are not idempotent. Callers retry
// errors for which IsRetryableError is true, for instance with the retry
// package.
type MailAdaptor interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool

	// InitializeStore creates the indexes the adaptor queries with.
	InitializeStore(ctx context.Context) error

	// MsgFromString parses raw into an unsaved message bound to mboxUUID.
	MsgFromString(class MessageClass, mboxUUID string, raw []byte) (Message, error)
	// MsgFromDocs builds a message from stored documents without checking
	// that they belong together.
	MsgFromDocs(class MessageClass, fdoc, hdoc *store.Document, cdocs []*store.Document, uid uint32) (Message, error)

	CreateMsg(ctx context.Context, msg MessageWrapper) error
	UpdateMsg(ctx context.Context, msg MessageWrapper) error
	DeleteMsg(ctx context.Context, msg MessageWrapper) error
	CopyMsg(ctx context.Context, msg MessageWrapper, mboxUUID string) (Message, error)

	// FetchMsg loads a message by mdoc id and reports its consistency.
	FetchMsg(ctx context.Context, mdocID string, uid uint32) (*FetchResult, error)
	FlagsFromMdocID(ctx context.Context, mdocID string) (*FlagsDocument, error)
	MdocIDs(ctx context.Context, mboxUUID string) ([]string, error)
	MdocIDFromMsgID(ctx context.Context, mboxUUID, msgID string) (string, bool, error)
	CountUnseen(ctx context.Context, mboxUUID string) (int, error)
	CountRecent(ctx context.Context, mboxUUID string) (int, error)

	GetOrCreateMbox(ctx context.Context, name string) (*Mailbox, error)
	FindMbox(ctx context.Context, name string) (*Mailbox, error)
	UpdateMbox(ctx context.Context, mbox *Mailbox) error
	DeleteMbox(ctx context.Context, mbox *Mailbox, opts ...DeleteMboxOption) error
	AllMboxes(ctx context.Context) ([]*Mailbox, error)

	Repair(ctx context.Context, opts RepairOptions) (*RepairReport, error)
}

// Connection states for the adaptor.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// Adaptor is the MailAdaptor implementation.
type Adaptor struct {
	opts    *options
	logger  *slog.Logger
	state   int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins *pluginRegistry
	otel    *otelInstrumentation

	tasks     *semaphore.Weighted // bounds tasks started with Go
	mboxGroup singleflight.Group  // collapses concurrent GetOrCreateMbox calls

	eventBus *event.Bus
	events   *AdaptorEvents
}

var _ MailAdaptor = (*Adaptor)(nil)

// New creates a new adaptor. Call Connect before use.
func New(opts ...Option) (*Adaptor, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &Adaptor{
		opts:    o,
		logger:  o.logger,
		plugins: plugins,
		otel:    otelInstr,
		tasks:   semaphore.NewWeighted(int64(o.maxConcurrentTasks)),
	}, nil
}

// Events returns the adaptor's events. Nil before Connect.
func (a *Adaptor) Events() *AdaptorEvents {
	return a.events
}

// Store returns the underlying document store.
func (a *Adaptor) Store() store.Store {
	return a.opts.store
}

// IsConnected returns true if the adaptor is connected and ready.
func (a *Adaptor) IsConnected() bool {
	return atomic.LoadInt32(&a.state) == stateConnected
}

func (a *Adaptor) checkConnected() error {
	if !a.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Connect connects the store, creates the indexes, starts the event bus
// and initializes plugins. A StoreInitError is fatal: the adaptor stays
// disconnected.
func (a *Adaptor) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&a.state, stateConnected)
		} else {
			atomic.StoreInt32(&a.state, stateDisconnected)
		}
	}()

	if err := a.opts.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", storeErr("connect", err))
	}

	if err := a.InitializeStore(ctx); err != nil {
		a.opts.store.Close(ctx)
		return err
	}

	if err := a.initEventBus(ctx); err != nil {
		a.opts.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := a.plugins.initAll(ctx); err != nil {
		a.eventBus.Close(ctx)
		a.opts.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	a.logger.Info("maildoc adaptor connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this adaptor's bus and registers its events.
func (a *Adaptor) initEventBus(ctx context.Context) error {
	serviceName := a.opts.serviceName
	if serviceName == "" {
		serviceName = "maildoc"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case a.opts.eventTransport != nil:
		a.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(a.opts.eventTransport))
	case a.opts.redisClient != nil:
		a.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(a.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		a.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}

	events := newAdaptorEvents(busName)
	if err := registerAdaptorEvents(ctx, bus, events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register adaptor events: %w", err)
	}
	a.eventBus = bus
	a.events = events
	return nil
}

// Close waits for in-flight tasks up to the shutdown timeout, then closes
// plugins, the event bus and the store. Writes of tasks still running
// after the timeout fail with ErrNotConnected; completed writes persist.
func (a *Adaptor) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Acquiring every slot waits for the running tasks to finish.
	n := int64(a.opts.maxConcurrentTasks)
	a.logger.Info("waiting for in-flight tasks to complete...", "timeout", a.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, a.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := a.tasks.Acquire(shutdownCtx, n); err != nil {
		a.logger.Warn("timeout waiting for in-flight tasks, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		a.tasks.Release(n)
	}

	if err := a.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if a.eventBus != nil {
		if err := a.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := a.opts.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// InitializeStore creates every index in Indexes. It is idempotent and
// returns a StoreInitError naming the first index that failed.
func (a *Adaptor) InitializeStore(ctx context.Context) error {
	for _, idx := range Indexes() {
		if err := a.opts.store.EnsureIndex(ctx, idx); err != nil {
			return &StoreInitError{Index: idx.Name, Err: err}
		}
	}
	a.logger.Info("store initialized", "indexes", len(Indexes()))
	return nil
}

func (a *Adaptor) class(c MessageClass) MessageClass {
	if c != nil {
		return c
	}
	return a.opts.messageClass
}

// MsgFromString parses raw into an unsaved message. Nothing is written;
// call CreateMsg to persist it. mboxUUID may be empty and set later with
// SetMboxUUID. A nil class uses the configured default.
func (a *Adaptor) MsgFromString(class MessageClass, mboxUUID string, raw []byte) (Message, error) {
	w, err := a.wrapperFromRaw(mboxUUID, raw)
	if err != nil {
		return nil, err
	}
	return a.class(class)(w, 0), nil
}

func (a *Adaptor) wrapperFromRaw(mboxUUID string, raw []byte) (*Wrapper, error) {
	if err := validateRaw(raw, a.opts.maxMessageSize); err != nil {
		return nil, err
	}
	msg, err := mimeparse.Parse(raw, mimeparse.WithMaxParts(a.opts.maxParts))
	if err != nil {
		return nil, parseErr(err)
	}

	chash := Chash(raw)
	now := a.opts.now().UTC()

	parts := make([]int, len(msg.Parts))
	for i := range msg.Parts {
		parts[i] = i + 1
	}
	w := newWrapper(a)
	w.hdoc = &HeaderDocument{
		Type:        TypeHeader,
		Chash:       chash,
		MsgID:       msg.MessageID,
		Subject:     msg.Subject,
		From:        msg.From,
		To:          msg.To,
		Cc:          msg.Cc,
		Date:        msg.Date.UTC(),
		Size:        len(raw),
		ContentType: msg.ContentType,
		Multipart:   msg.Multipart,
		PartMap:     msg.PartMap,
		Parts:       parts,
		Body:        msg.BodyIndex(),
		Headers:     msg.Fields,
		CreatedAt:   now,
	}

	date := msg.Date
	if date.IsZero() {
		date = now
	}
	w.fdoc = &FlagsDocument{
		MboxUUID:  mboxUUID,
		Chash:     chash,
		MsgID:     msg.MessageID,
		Flags:     []string{FlagRecent},
		Date:      date.UTC(),
		Size:      len(raw),
		CreatedAt: now,
	}
	w.fdoc.derive()

	for _, p := range msg.Parts {
		c := &ContentDocument{
			Type:        TypeContent,
			Chash:       chash,
			Index:       p.Index,
			ContentType: p.ContentType,
			Params:      p.Params,
			Disposition: p.Disposition,
			Filename:    p.Filename,
			Headers:     p.Fields,
			PHash:       hashBytes(p.Body),
			Size:        len(p.Body),
			CreatedAt:   now,
		}
		if a.opts.payloads != nil && len(p.Body) > a.opts.payloadThreshold {
			w.bodies[p.Index] = p.Body
		} else if c.Encoding, c.Payload, err = content.Encode(p.ContentType, p.Body); err != nil {
			return nil, fmt.Errorf("maildoc: encode part %d: %w", p.Index, err)
		}
		w.cdocs[p.Index] = c
	}
	return w, nil
}

// MsgFromDocs builds a message from stored documents. hdoc may be nil and
// cdocs incomplete; the caller is responsible for passing documents of the
// same message. A nil class uses the configured default.
func (a *Adaptor) MsgFromDocs(class MessageClass, fdoc, hdoc *store.Document, cdocs []*store.Document, uid uint32) (Message, error) {
	if fdoc == nil {
		return nil, fmt.Errorf("maildoc: %w: flags document is required", store.ErrInvalidDocument)
	}
	f, err := decodeAs[FlagsDocument](fdoc, TypeFlags)
	if err != nil {
		return nil, err
	}
	w := newWrapper(a)
	w.fdoc = f
	w.rev = fdoc.Rev
	if hdoc != nil {
		if w.hdoc, err = decodeAs[HeaderDocument](hdoc, TypeHeader); err != nil {
			return nil, err
		}
	}
	for _, doc := range cdocs {
		c, err := decodeAs[ContentDocument](doc, TypeContent)
		if err != nil {
			return nil, err
		}
		w.cdocs[c.Index] = c
	}
	w.snapshot()
	return a.class(class)(w, uid), nil
}

// CreateMsg persists a message built by MsgFromString.
func (a *Adaptor) CreateMsg(ctx context.Context, msg MessageWrapper) error {
	if msg == nil {
		return ErrNotSaved
	}
	return msg.Create(ctx)
}

// UpdateMsg writes the Flags Document of msg.
func (a *Adaptor) UpdateMsg(ctx context.Context, msg MessageWrapper) error {
	if msg == nil {
		return ErrNotSaved
	}
	return msg.Update(ctx)
}

// DeleteMsg removes msg from its mailbox.
func (a *Adaptor) DeleteMsg(ctx context.Context, msg MessageWrapper) error {
	if msg == nil {
		return ErrNotSaved
	}
	return msg.Delete(ctx)
}

// CopyMsg places msg in mboxUUID and returns the new placement, built
// with the default class.
func (a *Adaptor) CopyMsg(ctx context.Context, msg MessageWrapper, mboxUUID string) (Message, error) {
	if msg == nil {
		return nil, ErrNotSaved
	}
	w, err := msg.Copy(ctx, mboxUUID)
	if w == nil {
		return nil, err
	}
	return a.class(nil)(w, 0), err
}

// FetchMsg loads the message with the given mdoc id. A message whose
// Header or Content Documents are missing is returned with the matching
// FetchState rather than an error; ErrNotFound means the Flags Document
// itself does not exist.
func (a *Adaptor) FetchMsg(ctx context.Context, mdocID string, uid uint32) (_ *FetchResult, err error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	ctx, end := a.otel.begin(ctx, "fetch", attribute.String("doc_id", mdocID))
	defer func() { end(err) }()

	w, cons, err := a.loadWrapper(ctx, mdocID)
	if err != nil {
		return nil, err
	}
	if cons.State != Consistent {
		a.otel.recordInconsistent(ctx, cons.State)
		a.logger.Warn("inconsistent message",
			"doc_id", mdocID, "chash", cons.Chash, "state", cons.State.String(), "missing", cons.Missing)
	}
	return &FetchResult{Message: a.class(nil)(w, uid), Consistency: *cons}, nil
}

// loadWrapper reads a Flags Document and whatever exists of its Header and
// Content Documents. The wrapper is nil only when the Flags Document could
// not be read.
func (a *Adaptor) loadWrapper(ctx context.Context, mdocID string) (*Wrapper, *Consistency, error) {
	doc, err := a.opts.store.Get(ctx, mdocID)
	if err != nil {
		return nil, nil, storeErr("get flags "+mdocID, err)
	}
	f, err := decodeAs[FlagsDocument](doc, TypeFlags)
	if err != nil {
		return nil, nil, storeErr("decode flags", err)
	}

	h, cdocs, err := a.loadSet(ctx, f.Chash)
	if err != nil {
		return nil, nil, err
	}

	w := newWrapper(a)
	w.fdoc = f
	w.rev = doc.Rev
	w.hdoc = h
	w.cdocs = cdocs
	w.snapshot()

	// A corrupt part list still yields the wrapper so it can be deleted.
	cons, err := assess(f.Chash, h, cdocs)
	return w, cons, err
}

// loadSet reads the Header Document (nil if missing) and the Content
// Documents of a message.
func (a *Adaptor) loadSet(ctx context.Context, chash string) (*HeaderDocument, map[int]*ContentDocument, error) {
	var h *HeaderDocument
	doc, err := a.opts.store.Get(ctx, HeaderDocID(chash))
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, nil, storeErr("get header", err)
	default:
		if h, err = decodeAs[HeaderDocument](doc, TypeHeader); err != nil {
			return nil, nil, storeErr("decode header", err)
		}
	}

	cdocs := make(map[int]*ContentDocument)
	for doc, err := range a.opts.store.Query(ctx, IndexByTypeChash, TypeContent, chash) {
		if err != nil {
			return nil, nil, storeErr("query content", err)
		}
		c, err := decodeAs[ContentDocument](doc, TypeContent)
		if err != nil {
			return nil, nil, storeErr("decode content", err)
		}
		cdocs[c.Index] = c
	}
	return h, cdocs, nil
}

// consistency reports the state of the documents of chash in the store.
func (a *Adaptor) consistency(ctx context.Context, chash string) (*Consistency, error) {
	h, cdocs, err := a.loadSet(ctx, chash)
	if err != nil {
		return nil, err
	}
	return assess(chash, h, cdocs)
}

// FlagsFromMdocID returns the Flags Document with the given mdoc id.
func (a *Adaptor) FlagsFromMdocID(ctx context.Context, mdocID string) (*FlagsDocument, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	doc, err := a.opts.store.Get(ctx, mdocID)
	if err != nil {
		return nil, storeErr("get flags "+mdocID, err)
	}
	f, err := decodeAs[FlagsDocument](doc, TypeFlags)
	if err != nil {
		return nil, storeErr("decode flags", err)
	}
	return f, nil
}

// MdocIDs returns the mdoc ids of every message in a mailbox, sorted.
func (a *Adaptor) MdocIDs(ctx context.Context, mboxUUID string) ([]string, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	var ids []string
	for doc, err := range a.opts.store.Query(ctx, IndexByTypeMbox, TypeFlags, mboxUUID) {
		if err != nil {
			return nil, storeErr("query mailbox", err)
		}
		ids = append(ids, doc.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

// MdocIDFromMsgID looks up a message by its Message-ID header within one
// mailbox. Absence is reported with ok == false and a nil error.
func (a *Adaptor) MdocIDFromMsgID(ctx context.Context, mboxUUID, msgID string) (string, bool, error) {
	if err := a.checkConnected(); err != nil {
		return "", false, err
	}
	if msgID == "" {
		return "", false, nil
	}
	for doc, err := range a.opts.store.Query(ctx, IndexByTypeMboxMsgID, TypeFlags, mboxUUID, msgID) {
		if err != nil {
			return "", false, storeErr("query msgid", err)
		}
		return doc.ID, true, nil
	}
	return "", false, nil
}

// CountUnseen counts the messages in a mailbox without the Seen flag. The
// count is computed from the index on every call.
func (a *Adaptor) CountUnseen(ctx context.Context, mboxUUID string) (int, error) {
	if err := a.checkConnected(); err != nil {
		return 0, err
	}
	n, err := a.opts.store.Count(ctx, IndexByTypeMboxSeen, TypeFlags, mboxUUID, false)
	if err != nil {
		return 0, storeErr("count unseen", err)
	}
	return n, nil
}

// CountRecent counts the messages in a mailbox with the Recent flag.
func (a *Adaptor) CountRecent(ctx context.Context, mboxUUID string) (int, error) {
	if err := a.checkConnected(); err != nil {
		return 0, err
	}
	n, err := a.opts.store.Count(ctx, IndexByTypeMboxRecent, TypeFlags, mboxUUID, true)
	if err != nil {
		return 0, storeErr("count recent", err)
	}
	return n, nil
}

// countMessages counts the Flags Documents of a mailbox.
func (a *Adaptor) countMessages(ctx context.Context, mboxUUID string) (int, error) {
	n, err := a.opts.store.Count(ctx, IndexByTypeMbox, TypeFlags, mboxUUID)
	if err != nil {
		return 0, storeErr("count messages", err)
	}
	return n, nil
}
