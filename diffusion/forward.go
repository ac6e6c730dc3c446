package diffusion

import (
	"fmt"
	"math"
	"math/rand"

	"spritegen/tensor"
)

// Denoiser is the noise-prediction model the pipeline drives. Denoise
// returns a tensor of the same shape as xt predicting the Gaussian
// noise component of xt at per-example timesteps t. cond is an optional
// conditioning signal; implementations must accept nil. A Denoiser used
// with Generate must be safe for concurrent calls.
type Denoiser interface {
	Denoise(xt *tensor.Tensor, t []int, cond *tensor.Tensor) (*tensor.Tensor, error)
}

// LossKind selects the distance metric between predicted and true noise.
type LossKind string

const (
	LossL1    LossKind = "l1"
	LossL2    LossKind = "l2"
	LossHuber LossKind = "huber"
)

// Threshold where the huber metric switches from quadratic to linear.
const huberDelta = 1.0

// Corrupt applies the closed-form forward process: it returns
//
//	xt = sqrt(alphas_cumprod[t])*x0 + sqrt(1-alphas_cumprod[t])*noise
//
// with coefficients gathered per example. Deterministic in its inputs;
// noise must have the same shape as x0.
func (s *Schedule) Corrupt(x0, noise *tensor.Tensor, t []int) (*tensor.Tensor, error) {
	if !tensor.SameShape(x0, noise) {
		return nil, fmt.Errorf("diffusion: noise shape %v does not match sample shape %v", noise.Shape, x0.Shape)
	}
	sac, err := s.Extract(SqrtAlphasCumprod, t, x0.Shape)
	if err != nil {
		return nil, err
	}
	som, err := s.Extract(SqrtOneMinusAlphasCumprod, t, x0.Shape)
	if err != nil {
		return nil, err
	}
	return tensor.Add(tensor.BroadcastMul(sac, x0), tensor.BroadcastMul(som, noise)), nil
}

// Loss draws fresh standard-normal noise from rng and returns the
// training loss for one batch: the distance between the model's noise
// prediction on the corrupted sample and the drawn noise.
func (s *Schedule) Loss(model Denoiser, x0 *tensor.Tensor, t []int, kind LossKind, rng *rand.Rand) (float32, error) {
	noise := tensor.Randn(rng, x0.Shape...)
	return s.LossWithNoise(model, x0, noise, t, kind)
}

// LossWithNoise is Loss with the noise draw supplied by the caller.
func (s *Schedule) LossWithNoise(model Denoiser, x0, noise *tensor.Tensor, t []int, kind LossKind) (float32, error) {
	switch kind {
	case LossL1, LossL2, LossHuber:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedLossKind, kind)
	}

	xt, err := s.Corrupt(x0, noise, t)
	if err != nil {
		return 0, err
	}
	predicted, err := model.Denoise(xt, t, nil)
	if err != nil {
		return 0, fmt.Errorf("diffusion: noise prediction failed: %w", err)
	}
	if !tensor.SameShape(predicted, noise) {
		return 0, fmt.Errorf("diffusion: predicted noise shape %v does not match %v", predicted.Shape, noise.Shape)
	}
	return distance(predicted, noise, kind), nil
}

// distance computes the mean element-wise distance under kind. The kind
// has been validated by the caller.
func distance(predicted, noise *tensor.Tensor, kind LossKind) float32 {
	var sum float64
	for i := range noise.Data {
		d := float64(predicted.Data[i] - noise.Data[i])
		switch kind {
		case LossL1:
			sum += math.Abs(d)
		case LossL2:
			sum += d * d
		case LossHuber:
			if a := math.Abs(d); a < huberDelta {
				sum += 0.5 * d * d / huberDelta
			} else {
				sum += a - 0.5*huberDelta
			}
		}
	}
	return float32(sum / float64(len(noise.Data)))
}
