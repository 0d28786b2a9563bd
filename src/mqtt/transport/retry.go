package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// AcceptLoop repeatedly calls src.Accept and invokes onAccept for every
// accepted connection, until ctx is cancelled. Transient accept errors are
// retried with bounded backoff (spec.md §7: "retries are only at
// transport/accept level (bounded backoff)"); ctx cancellation is not
// retried.
func AcceptLoop(ctx context.Context, src Source, log *slog.Logger, onAccept func(Accepted)) {
	r := retrier.New(retrier.ExponentialBackoff(5, 100*time.Millisecond), nil)

	for {
		if ctx.Err() != nil {
			return
		}

		var accepted Accepted
		err := r.RunCtx(ctx, func(ctx context.Context) error {
			a, err := src.Accept(ctx)
			if err != nil {
				return err
			}
			accepted = a
			return nil
		})

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("transport accept failed after retries", "err", err)
			continue
		}
		onAccept(accepted)
	}
}
