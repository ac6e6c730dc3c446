package diffusion

import (
	"context"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"spritegen/tensor"
)

// GenerateSpec describes a batch of independent sampling runs.
type GenerateSpec struct {
	Runs     int
	Batch    int
	Channels int
	Height   int
	Width    int

	// Seed for run 0; run n draws from Seed+n. Two Generate calls
	// with the same spec and model produce identical trajectories.
	Seed int64

	// Cond is shared, fixed conditioning for every run (nil for
	// unconditional generation).
	Cond *tensor.Tensor

	// Progress, if set, is called with completed and total run
	// counts after each finished run.
	Progress func(done, total int)
}

// Generate runs spec.Runs independent reverse trajectories and returns
// them ordered by run index. Runs share the read-only schedule and the
// model but nothing else, so they execute concurrently; model must be
// safe for concurrent calls. Cancellation is honored between
// trajectories only — a run already in flight finishes before its
// goroutine observes ctx.
func Generate(ctx context.Context, sched *Schedule, model Denoiser, spec GenerateSpec) ([]Trajectory, error) {
	results := make([]Trajectory, spec.Runs)

	var mu sync.Mutex
	finished := 0

	g, ctx := errgroup.WithContext(ctx)
	for n := 0; n < spec.Runs; n++ {
		n := n
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sp := NewSampler(sched, rand.New(rand.NewSource(spec.Seed+int64(n))))
			sp.Cond = spec.Cond
			trajectory, err := sp.Sample(model, spec.Batch, spec.Channels, spec.Height, spec.Width)
			if err != nil {
				return err
			}
			results[n] = trajectory

			mu.Lock()
			finished++
			if spec.Progress != nil {
				spec.Progress(finished, spec.Runs)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
