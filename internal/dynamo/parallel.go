package dynamo

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ForEach runs fn for every id and waits for all of them: a compute
// barrier. With parallel unset the ids run in order on the caller's
// goroutine, which keeps results reproducible for order-dependent schemes.
// The first error cancels the remaining work.
func ForEach(ctx context.Context, ids []DomainID, parallel bool, fn func(ctx context.Context, id DomainID) error) error {
	if !parallel || len(ids) < 2 {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, id); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return fn(gctx, id)
		})
	}
	return g.Wait()
}

// SortIDs orders ids lexically in place.
func SortIDs(ids []DomainID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
