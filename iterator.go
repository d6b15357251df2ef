package maildoc

import (
	"context"
	"iter"
)

// Messages streams the messages of a mailbox in mdoc id order, each with
// its consistency report. Documents are read one message at a time, so a
// large mailbox is never held in memory.
//
// The sequence stops at the first error. A message deleted between the
// index scan and its fetch is skipped. Breaking out of the loop is the
// only cleanup needed.
//
//	for res, err := range a.Messages(ctx, inbox.UUID) {
//	    if err != nil {
//	        return err
//	    }
//	    if res.State != maildoc.Consistent {
//	        continue
//	    }
//	    // use res.Message
//	}
func (a *Adaptor) Messages(ctx context.Context, mboxUUID string) iter.Seq2[*FetchResult, error] {
	return func(yield func(*FetchResult, error) bool) {
		ids, err := a.MdocIDs(ctx, mboxUUID)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			res, err := a.FetchMsg(ctx, id, 0)
			if IsNotFound(err) {
				continue
			}
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}
