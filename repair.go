package maildoc

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rbaliyan/maildoc/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// RepairOptions configures a repair pass.
type RepairOptions struct {
	// Apply deletes what the pass finds. Without it the pass only reports.
	Apply bool
	// GracePeriod overrides WithRepairGracePeriod when positive. Documents
	// younger than the grace period are skipped: sync may still complete
	// them.
	GracePeriod time.Duration
}

// RepairReport lists what a repair pass found.
type RepairReport struct {
	// DanglingFlags are Flags Documents whose Header Document is missing.
	DanglingFlags []string
	// Incomplete are Flags Documents whose header declares parts that are
	// missing. They are reported only; the content may still arrive.
	Incomplete []string
	// Orphaned are message hashes with Header or Content Documents but no
	// Flags Document in any mailbox.
	Orphaned []string
	// Skipped counts inconsistent documents younger than the grace period.
	Skipped int
	// Deleted counts documents removed when Apply is set.
	Deleted int
	// Interrupted is set when ctx ended the pass early.
	Interrupted bool
}

// Repair scans the store for the partial states a failed or cancelled
// operation leaves behind: orphaned content (Header or Content Documents
// without any Flags Document) and dangling flags (a Flags Document without
// its Header Document). Deletes are paced by WithRepairRate.
//
// Repair should run periodically from the application's scheduler. It
// never touches documents younger than the grace period.
func (a *Adaptor) Repair(ctx context.Context, opts RepairOptions) (_ *RepairReport, err error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	ctx, end := a.otel.begin(ctx, "repair", attribute.Bool("apply", opts.Apply))
	defer func() { end(err) }()

	grace := a.opts.repairGracePeriod
	if opts.GracePeriod > 0 {
		grace = opts.GracePeriod
	}
	cutoff := a.opts.now().UTC().Add(-grace)
	lim := rate.NewLimiter(a.opts.repairRate, 1)

	r := &RepairReport{}
	defer func() {
		if err != nil && ctx.Err() != nil {
			r.Interrupted = true
		}
	}()

	if err := a.repairFlags(ctx, opts.Apply, cutoff, lim, r); err != nil {
		return r, err
	}
	if err := a.repairOrphans(ctx, opts.Apply, cutoff, lim, r); err != nil {
		return r, err
	}

	a.logger.Info("repair pass finished",
		"dangling", len(r.DanglingFlags), "incomplete", len(r.Incomplete),
		"orphaned", len(r.Orphaned), "skipped", r.Skipped, "deleted", r.Deleted, "apply", opts.Apply)
	return r, nil
}

func (a *Adaptor) repairFlags(ctx context.Context, apply bool, cutoff time.Time, lim *rate.Limiter, r *RepairReport) error {
	var flags []*FlagsDocument
	for doc, err := range a.opts.store.Query(ctx, IndexByType, TypeFlags) {
		if err != nil {
			return storeErr("query flags", err)
		}
		f, err := decodeAs[FlagsDocument](doc, TypeFlags)
		if err != nil {
			a.logger.Warn("skipping undecodable flags document", "doc_id", doc.ID, "error", err)
			continue
		}
		flags = append(flags, f)
	}

	states := make(map[string]*Consistency)
	for _, f := range flags {
		cons, ok := states[f.Chash]
		if !ok {
			var err error
			cons, err = a.consistency(ctx, f.Chash)
			if errors.Is(err, ErrPartIndex) {
				a.logger.Warn("corrupt header part list", "chash", f.Chash, "error", err)
				continue
			}
			if err != nil {
				return err
			}
			states[f.Chash] = cons
		}
		if cons.State == Consistent {
			continue
		}
		if f.CreatedAt.After(cutoff) {
			r.Skipped++
			continue
		}
		if cons.State == MissingContent {
			r.Incomplete = append(r.Incomplete, f.ID())
			continue
		}

		r.DanglingFlags = append(r.DanglingFlags, f.ID())
		if !apply {
			continue
		}
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if err := a.opts.store.Delete(ctx, f.ID()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return storeErr("delete dangling flags", err)
		}
		r.Deleted++
		a.otel.recordRepairDelete(ctx, "flags")
		a.logger.Info("removed dangling flags", "doc_id", f.ID())
	}
	return nil
}

func (a *Adaptor) repairOrphans(ctx context.Context, apply bool, cutoff time.Time, lim *rate.Limiter, r *RepairReport) error {
	// Newest write per message hash, over headers and contents.
	newest := make(map[string]time.Time)
	note := func(chash string, at time.Time) {
		if at.After(newest[chash]) || newest[chash].IsZero() {
			newest[chash] = at
		}
	}
	for doc, err := range a.opts.store.Query(ctx, IndexByType, TypeHeader) {
		if err != nil {
			return storeErr("query headers", err)
		}
		h, err := decodeAs[HeaderDocument](doc, TypeHeader)
		if err != nil {
			a.logger.Warn("skipping undecodable header document", "doc_id", doc.ID, "error", err)
			continue
		}
		note(h.Chash, h.CreatedAt)
	}
	for doc, err := range a.opts.store.Query(ctx, IndexByType, TypeContent) {
		if err != nil {
			return storeErr("query contents", err)
		}
		c, err := decodeAs[ContentDocument](doc, TypeContent)
		if err != nil {
			a.logger.Warn("skipping undecodable content document", "doc_id", doc.ID, "error", err)
			continue
		}
		note(c.Chash, c.CreatedAt)
	}

	hashes := make([]string, 0, len(newest))
	for chash := range newest {
		hashes = append(hashes, chash)
	}
	slices.Sort(hashes)

	for _, chash := range hashes {
		n, err := a.opts.store.Count(ctx, IndexByTypeChash, TypeFlags, chash)
		if err != nil {
			return storeErr("count flags", err)
		}
		if n > 0 {
			continue
		}
		if newest[chash].After(cutoff) {
			r.Skipped++
			continue
		}
		r.Orphaned = append(r.Orphaned, chash)
		if !apply {
			continue
		}
		removed, deleted, err := a.releaseContent(ctx, chash, lim)
		r.Deleted += deleted
		if err != nil {
			return err
		}
		if removed {
			a.logger.Info("removed orphaned content", "chash", chash, "documents", deleted)
		}
	}
	return nil
}

// releaseContent removes the Content Documents, their payload blobs and
// the Header Document of chash, unless a Flags Document still references
// them. removed reports whether the removal ran; deleted counts the
// documents it deleted. lim paces the deletes when non-nil.
func (a *Adaptor) releaseContent(ctx context.Context, chash string, lim *rate.Limiter) (removed bool, deleted int, err error) {
	n, err := a.opts.store.Count(ctx, IndexByTypeChash, TypeFlags, chash)
	if err != nil {
		return false, 0, storeErr("count flags", err)
	}
	if n > 0 {
		return false, 0, nil
	}

	var contents []*ContentDocument
	for doc, err := range a.opts.store.Query(ctx, IndexByTypeChash, TypeContent, chash) {
		if err != nil {
			return false, 0, storeErr("query content", err)
		}
		c, err := decodeAs[ContentDocument](doc, TypeContent)
		if err != nil {
			return false, 0, storeErr("decode content", err)
		}
		contents = append(contents, c)
	}

	wait := func() error {
		if lim == nil {
			return ctx.Err()
		}
		return lim.Wait(ctx)
	}

	for _, c := range contents {
		if err := wait(); err != nil {
			return true, deleted, err
		}
		if err := a.opts.store.Delete(ctx, c.ID()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return true, deleted, storeErr("delete content", err)
		}
		deleted++
		if lim != nil {
			a.otel.recordRepairDelete(ctx, "content")
		}
		if c.Offloaded() && a.opts.payloads != nil {
			if err := a.opts.payloads.Delete(ctx, c.PayloadURI); err != nil {
				a.logger.Warn("failed to delete payload, blob orphaned",
					"doc_id", c.ID(), "uri", c.PayloadURI, "error", err)
			}
		}
	}

	if err := wait(); err != nil {
		return true, deleted, err
	}
	switch err := a.opts.store.Delete(ctx, HeaderDocID(chash)); {
	case err == nil:
		deleted++
		if lim != nil {
			a.otel.recordRepairDelete(ctx, "header")
		}
	case !errors.Is(err, store.ErrNotFound):
		return true, deleted, storeErr("delete header", err)
	}
	return true, deleted, nil
}
