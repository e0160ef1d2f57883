package retry

import (
	"context"
	"errors"
)

// IteratorItem is one element a resumable iterator yields: an opaque
// payload plus the event id it was stamped with, used to advance
// LastEventID across a restart.
type IteratorItem struct {
	EventID string
	Payload interface{}
}

// OpenIterator opens (or reopens) an event iterator starting after
// lastEventID. An empty lastEventID means "from the beginning" (or, for a
// live-only subscription, "from now" — the implementation's choice).
type OpenIterator func(ctx context.Context, lastEventID string) (<-chan IteratorItem, <-chan error, error)

// ResumableIterator wraps OpenIterator with the retry engine's restart
// logic: when the underlying channel closes with an error before the
// caller stops consuming, it reopens starting from the last id the caller
// actually observed, stitching the two streams together transparently.
type ResumableIterator struct {
	open OpenIterator
	rc   Context

	items chan IteratorItem
	errs  chan error
}

// NewResumableIterator starts consuming open immediately in a background
// goroutine, restarting per rc on transient failure.
func NewResumableIterator(ctx context.Context, open OpenIterator, rc Context) *ResumableIterator {
	ri := &ResumableIterator{
		open:  open,
		rc:    rc,
		items: make(chan IteratorItem),
		errs:  make(chan error, 1),
	}
	go ri.run(ctx)
	return ri
}

// Items returns the channel of delivered items, deduplicated across
// restarts by construction: each restart resumes strictly after the last
// delivered EventID, so no item is ever redelivered by ResumableIterator
// itself.
func (ri *ResumableIterator) Items() <-chan IteratorItem { return ri.items }

// Err returns the channel on which a terminal error (retry exhausted, or a
// ctx deadline) is delivered at most once before Items is closed; the
// channel is then closed. A context.Canceled error is not delivered.
func (ri *ResumableIterator) Err() <-chan error { return ri.errs }

func (ri *ResumableIterator) run(ctx context.Context) {
	defer close(ri.items)

	lastEventID := ri.rc.LastEventID
	attempt := 0

	err := Do(ctx, ri.rc, func(ctx context.Context, attemptIndex int) error {
		attempt = attemptIndex
		items, errs, openErr := ri.open(ctx, lastEventID)
		if openErr != nil {
			return openErr
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case item, ok := <-items:
				if !ok {
					// The item stream ended; the terminal outcome is
					// whatever errs reports, not automatic success.
					select {
					case err := <-errs:
						return err
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if item.EventID != "" {
					lastEventID = item.EventID
				}
				select {
				case ri.items <- item:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	_ = attempt
	if err != nil && !errors.Is(err, context.Canceled) {
		ri.errs <- err
	}
	close(ri.errs)
}
