package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// KeepAlive renews c in the background until stop is called, so the claim
// outlives a collaborator call slower than its lease. The returned context
// is cancelled once the claim is lost, and stop then returns ErrClaimLost.
// Claims without a lease get ctx back unchanged.
//
// stop must be called before any further Apply, Commit or Release on c.
func KeepAlive(ctx context.Context, c Claim) (context.Context, func() error) {
	lease := c.Lease()
	if lease <= 0 {
		return ctx, func() error { return nil }
	}

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()

		renewed := time.Now()
		for {
			select {
			case <-done:
				return
			case <-held.Done():
				return
			case <-ticker.C:
			}

			err := c.Extend(held)
			switch {
			case err == nil:
				renewed = time.Now()
			case errors.Is(err, ErrClaimLost), errors.Is(err, ErrClaimClosed):
				cancel(ErrClaimLost)
				return
			case time.Since(renewed) >= lease:
				// Renewals kept failing until the lease ran out.
				cancel(ErrClaimLost)
				return
			}
		}
	}()

	var once sync.Once
	var lost error
	return held, func() error {
		once.Do(func() {
			close(done)
			wg.Wait()
			if errors.Is(context.Cause(held), ErrClaimLost) {
				lost = ErrClaimLost
			}
			cancel(nil)
		})
		return lost
	}
}
