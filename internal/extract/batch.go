package extract

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchOptions throttles ExtractBatch.
type BatchOptions struct {
	MaxConcurrent int
	Delay         time.Duration
}

// BatchItem pairs a request's result with its error.
type BatchItem struct {
	Result *Result
	Err    error
}

// ExtractBatch runs requests in chunks of MaxConcurrent. Each chunk runs
// concurrently; chunks are separated by Delay. Results keep input order and
// one failure never cancels the rest.
func ExtractBatch(ctx context.Context, o Oracle, reqs []Request, opts BatchOptions) []BatchItem {
	size := opts.MaxConcurrent
	if size <= 0 {
		size = 3
	}
	out := make([]BatchItem, len(reqs))

	for start := 0; start < len(reqs); start += size {
		if err := ctx.Err(); err != nil {
			for i := start; i < len(reqs); i++ {
				out[i].Err = err
			}
			return out
		}

		end := min(start+size, len(reqs))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := o.Extract(ctx, reqs[i])
				out[i] = BatchItem{Result: res, Err: err}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(reqs) && opts.Delay > 0 {
			t := time.NewTimer(opts.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
	return out
}
