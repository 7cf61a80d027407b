package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"

	"invokectl/internal/jobs"
)

// Outcome pairs a batch request with its result.
type Outcome struct {
	Request Request
	Result  jobs.Result
	Err     error
}

// GenerateBatch runs every request concurrently, at most
// generation.concurrency at a time, and returns outcomes in input order.
// One failure does not stop the others.
func (m *Manager) GenerateBatch(ctx context.Context, reqs []Request, cancel <-chan struct{}) []Outcome {
	out := make([]Outcome, len(reqs))
	var group errgroup.Group
	if limit := m.cfg.Generation.Concurrency; limit > 0 {
		group.SetLimit(limit)
	}
	for i, req := range reqs {
		group.Go(func() error {
			result, err := m.Generate(ctx, req, cancel)
			out[i] = Outcome{Request: req, Result: result, Err: err}
			return nil
		})
	}
	_ = group.Wait()
	return out
}
