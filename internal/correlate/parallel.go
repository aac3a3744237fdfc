package correlate

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"qbcorrelate/internal/record"
)

// CorrelateAll correlates every assessment record against ix using up to
// workers goroutines (NumCPU when non-positive). Results keep the input order.
// Cancellation is honored between records.
func CorrelateAll(ctx context.Context, ix *Index, assessments []record.LogRecord, workers int) ([]record.CorrelationResult, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	results := make([]record.CorrelationResult, len(assessments))
	if len(assessments) == 0 {
		return results, ctx.Err()
	}

	chunk := len(assessments) / (workers * 4)
	if chunk < 1 {
		chunk = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(assessments); start += chunk {
		if gctx.Err() != nil {
			break
		}
		end := start + chunk
		if end > len(assessments) {
			end = len(assessments)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = ix.Correlate(assessments[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
