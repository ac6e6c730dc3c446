package diffusion

import (
	"fmt"
	"math/rand"

	"spritegen/tensor"
)

// Trajectory is the full ordered sequence of states from one reverse
// run: index 0 is the initial noise, the last element is the generated
// sample. Every element is clipped to [-1, 1].
type Trajectory []*tensor.Tensor

// Final returns the generated sample, the trajectory's last element.
func (tr Trajectory) Final() *tensor.Tensor {
	return tr[len(tr)-1]
}

// Sampler runs the reverse (denoising) process. One Sampler owns one
// random source and must not be shared across goroutines; the Schedule
// it references may be.
type Sampler struct {
	sched *Schedule
	rng   *rand.Rand

	// Cond is an optional conditioning tensor passed unchanged to
	// every model call of a trajectory. nil means unconditional.
	Cond *tensor.Tensor

	// Progress, if set, is called after each completed step.
	Progress func(done, total int)
}

// NewSampler builds a sampler over sched drawing from rng.
func NewSampler(sched *Schedule, rng *rand.Rand) *Sampler {
	return &Sampler{sched: sched, rng: rng}
}

// Sample runs the reverse process from pure noise over the schedule's
// full horizon and returns the trajectory of timesteps+1 states. On any
// model failure the trajectory built so far is discarded and a
// *SamplingError identifying the failing timestep is returned.
func (sp *Sampler) Sample(model Denoiser, batch, channels, height, width int) (Trajectory, error) {
	shape := []int{batch, channels, height, width}
	x := tensor.Clip(tensor.Randn(sp.rng, shape...), -1, 1)

	total := sp.sched.Timesteps()
	trajectory := make(Trajectory, 0, total+1)
	trajectory = append(trajectory, x)

	for i := total - 1; i >= 0; i-- {
		next, err := sp.step(model, x, i)
		if err != nil {
			return nil, err
		}
		x = next
		trajectory = append(trajectory, x)
		if sp.Progress != nil {
			sp.Progress(total-i, total)
		}
	}
	return trajectory, nil
}

// step performs one reverse transition at schedule index i. The
// timestep is batch-uniform: every example denoises at the same i.
func (sp *Sampler) step(model Denoiser, x *tensor.Tensor, i int) (*tensor.Tensor, error) {
	t := make([]int, x.Batch())
	for b := range t {
		t[b] = i
	}

	betas, err := sp.sched.Extract(Betas, t, x.Shape)
	if err != nil {
		return nil, &SamplingError{Timestep: i, Shape: x.Shape, Err: err}
	}
	som, err := sp.sched.Extract(SqrtOneMinusAlphasCumprod, t, x.Shape)
	if err != nil {
		return nil, &SamplingError{Timestep: i, Shape: x.Shape, Err: err}
	}
	recip, err := sp.sched.Extract(SqrtRecipAlphas, t, x.Shape)
	if err != nil {
		return nil, &SamplingError{Timestep: i, Shape: x.Shape, Err: err}
	}

	predicted, err := model.Denoise(x, t, sp.Cond)
	if err != nil {
		return nil, &SamplingError{Timestep: i, Shape: x.Shape, Err: err}
	}
	if !tensor.SameShape(predicted, x) {
		return nil, &SamplingError{
			Timestep: i,
			Shape:    x.Shape,
			Err:      fmt.Errorf("predicted noise shape %v does not match state shape %v", predicted.Shape, x.Shape),
		}
	}
	if !predicted.Finite() {
		return nil, &SamplingError{
			Timestep: i,
			Shape:    x.Shape,
			Err:      fmt.Errorf("model produced non-finite values"),
		}
	}

	// Posterior mean, equation 11:
	// mean = 1/sqrt(alpha) * (x - beta * predicted / sqrt(1 - alpha_cumprod))
	scaled := tensor.BroadcastDiv(tensor.BroadcastMul(betas, predicted), som)
	mean := tensor.BroadcastMul(recip, tensor.Sub(x, scaled))

	// The terminal step is the only one without stochastic injection.
	if i == 0 {
		return tensor.Clip(mean, -1, 1), nil
	}

	variance, err := sp.sched.Extract(PosteriorVariance, t, x.Shape)
	if err != nil {
		return nil, &SamplingError{Timestep: i, Shape: x.Shape, Err: err}
	}
	noise := tensor.Randn(sp.rng, x.Shape...)
	next := tensor.Add(mean, tensor.BroadcastMul(tensor.Sqrt(variance), noise))
	return tensor.Clip(next, -1, 1), nil
}
