package sim

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/metrics"
)

// Builder constructs an independent manager for one ensemble member.
type Builder func() (*Manager, error)

// Ensemble runs several independently built simulations concurrently, e.g.
// the same scenario under each coupling strategy. Members share nothing.
type Ensemble struct {
	builders []Builder
	limit    int
}

func NewEnsemble(limit int, builders ...Builder) *Ensemble {
	return &Ensemble{builders: builders, limit: limit}
}

// Run returns one result per member in builder order. The first failure
// cancels the other members.
func (e *Ensemble) Run(ctx context.Context, cfg RunConfig, sc dynamo.SpatialContext, threshold float64) ([]*RunResult, error) {
	results := make([]*RunResult, len(e.builders))

	g, gctx := errgroup.WithContext(ctx)
	if e.limit > 0 {
		g.SetLimit(e.limit)
	}
	for i, build := range e.builders {
		i, build := i, build
		g.Go(func() error {
			m, err := build()
			if err != nil {
				return err
			}
			res, err := m.Run(gctx, cfg, sc, metrics.Defaults(threshold))
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
