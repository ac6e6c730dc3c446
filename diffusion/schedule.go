// Package diffusion implements a DDPM core: a fixed noise schedule, the
// forward corruption process used to build training targets, and the
// stochastic reverse process that turns noise into samples by
// repeatedly querying a noise-prediction model.
package diffusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"spritegen/tensor"
)

// ScheduleKind selects the beta shaping strategy.
type ScheduleKind string

const (
	ScheduleLinear    ScheduleKind = "linear"
	ScheduleQuadratic ScheduleKind = "quadratic"
	ScheduleCosine    ScheduleKind = "cosine"
	ScheduleSigmoid   ScheduleKind = "sigmoid"
)

// Beta range for the linear/quadratic/sigmoid shapes. The cosine shape
// derives betas from its alphas-cumprod construction and clips to
// [betaMin, 0.9999] instead.
const (
	betaMin = 1e-4
	betaMax = 0.02

	cosineOffset  = 0.008
	cosineBetaCap = 0.9999
)

// Sequence names one of the schedule's derived coefficient sequences
// for gather via Extract.
type Sequence int

const (
	Betas Sequence = iota
	Alphas
	AlphasCumprod
	AlphasCumprodPrev
	SqrtRecipAlphas
	SqrtAlphasCumprod
	SqrtOneMinusAlphasCumprod
	PosteriorVariance
)

// Schedule holds the beta schedule and every coefficient sequence
// derived from it. It is immutable after construction and safe to share
// across concurrent samplers and loss computations.
type Schedule struct {
	timesteps int

	betas             []float64
	alphas            []float64
	alphasCumprod     []float64
	alphasCumprodPrev []float64
	sqrtRecipAlphas   []float64
	sqrtAlphasCumprod []float64
	sqrtOneMinusAC    []float64
	posteriorVariance []float64
}

// NewSchedule derives all coefficient sequences for a horizon of
// timesteps steps under the given shaping strategy.
func NewSchedule(timesteps int, kind ScheduleKind) (*Schedule, error) {
	if timesteps < 1 {
		return nil, fmt.Errorf("%w: timesteps must be >= 1, got %d", ErrInvalidSchedule, timesteps)
	}

	var betas []float64
	switch kind {
	case ScheduleLinear:
		betas = linspace(betaMin, betaMax, timesteps)
	case ScheduleQuadratic:
		betas = linspace(math.Sqrt(betaMin), math.Sqrt(betaMax), timesteps)
		for i, b := range betas {
			betas[i] = b * b
		}
	case ScheduleSigmoid:
		betas = linspace(-6, 6, timesteps)
		for i, x := range betas {
			betas[i] = 1/(1+math.Exp(-x))*(betaMax-betaMin) + betaMin
		}
	case ScheduleCosine:
		betas = cosineBetas(timesteps)
	default:
		return nil, fmt.Errorf("%w: unknown shape %q", ErrInvalidSchedule, kind)
	}

	return NewScheduleFromBetas(betas)
}

// NewScheduleFromBetas derives all coefficient sequences from an
// explicit beta sequence. The slice is copied; every value must lie in
// (0, 1).
func NewScheduleFromBetas(betas []float64) (*Schedule, error) {
	timesteps := len(betas)
	if timesteps < 1 {
		return nil, fmt.Errorf("%w: empty beta sequence", ErrInvalidSchedule)
	}
	for i, b := range betas {
		if b <= 0 || b >= 1 {
			return nil, fmt.Errorf("%w: beta[%d] = %g outside (0, 1)", ErrInvalidSchedule, i, b)
		}
	}
	betas = append([]float64{}, betas...)

	s := &Schedule{
		timesteps:         timesteps,
		betas:             betas,
		alphas:            make([]float64, timesteps),
		alphasCumprod:     make([]float64, timesteps),
		alphasCumprodPrev: make([]float64, timesteps),
		sqrtRecipAlphas:   make([]float64, timesteps),
		sqrtAlphasCumprod: make([]float64, timesteps),
		sqrtOneMinusAC:    make([]float64, timesteps),
		posteriorVariance: make([]float64, timesteps),
	}

	for i, b := range betas {
		s.alphas[i] = 1 - b
	}
	floats.CumProd(s.alphasCumprod, s.alphas)

	s.alphasCumprodPrev[0] = 1.0
	copy(s.alphasCumprodPrev[1:], s.alphasCumprod[:timesteps-1])

	for i := 0; i < timesteps; i++ {
		s.sqrtRecipAlphas[i] = 1 / math.Sqrt(s.alphas[i])
		s.sqrtAlphasCumprod[i] = math.Sqrt(s.alphasCumprod[i])
		s.sqrtOneMinusAC[i] = math.Sqrt(1 - s.alphasCumprod[i])
		s.posteriorVariance[i] = s.betas[i] * (1 - s.alphasCumprodPrev[i]) / (1 - s.alphasCumprod[i])
	}

	return s, nil
}

// linspace returns n evenly spaced values from lo to hi inclusive. A
// single point collapses to lo, matching torch.linspace semantics.
func linspace(lo, hi float64, n int) []float64 {
	if n == 1 {
		return []float64{lo}
	}
	return floats.Span(make([]float64, n), lo, hi)
}

// cosineBetas builds betas from the squared-cosine alphas-cumprod curve
// with a small offset, then clips each beta into (0, 1).
func cosineBetas(timesteps int) []float64 {
	t := float64(timesteps)
	ac := make([]float64, timesteps+1)
	for i := range ac {
		v := math.Cos((float64(i)/t + cosineOffset) / (1 + cosineOffset) * math.Pi / 2)
		ac[i] = v * v
	}
	scale := ac[0]
	for i := range ac {
		ac[i] /= scale
	}
	betas := make([]float64, timesteps)
	for i := range betas {
		b := 1 - ac[i+1]/ac[i]
		if b < betaMin {
			b = betaMin
		}
		if b > cosineBetaCap {
			b = cosineBetaCap
		}
		betas[i] = b
	}
	return betas
}

// Timesteps returns the discretization horizon.
func (s *Schedule) Timesteps() int { return s.timesteps }

// Beta returns betas[i].
func (s *Schedule) Beta(i int) float64 { return s.betas[i] }

// Alpha returns alphas[i] = 1 - betas[i].
func (s *Schedule) Alpha(i int) float64 { return s.alphas[i] }

// AlphaCumprod returns the cumulative product of alphas through step i.
func (s *Schedule) AlphaCumprod(i int) float64 { return s.alphasCumprod[i] }

// AlphaCumprodPrev returns the cumulative product through step i-1,
// defined as 1 at step 0.
func (s *Schedule) AlphaCumprodPrev(i int) float64 { return s.alphasCumprodPrev[i] }

// PosteriorVar returns the closed-form reverse-process variance at i.
func (s *Schedule) PosteriorVar(i int) float64 { return s.posteriorVariance[i] }

func (s *Schedule) sequence(seq Sequence) ([]float64, error) {
	switch seq {
	case Betas:
		return s.betas, nil
	case Alphas:
		return s.alphas, nil
	case AlphasCumprod:
		return s.alphasCumprod, nil
	case AlphasCumprodPrev:
		return s.alphasCumprodPrev, nil
	case SqrtRecipAlphas:
		return s.sqrtRecipAlphas, nil
	case SqrtAlphasCumprod:
		return s.sqrtAlphasCumprod, nil
	case SqrtOneMinusAlphasCumprod:
		return s.sqrtOneMinusAC, nil
	case PosteriorVariance:
		return s.posteriorVariance, nil
	default:
		return nil, fmt.Errorf("diffusion: unknown sequence %d", seq)
	}
}

// Extract gathers seq at per-example timesteps t and returns the values
// shaped (batch, 1, ..., 1) so that element-wise arithmetic against a
// tensor of the given target shape broadcasts per example. Pure; the
// schedule is never modified.
func (s *Schedule) Extract(seq Sequence, t []int, shape []int) (*tensor.Tensor, error) {
	vals, err := s.sequence(seq)
	if err != nil {
		return nil, err
	}
	if len(shape) == 0 || len(t) != shape[0] {
		return nil, fmt.Errorf("diffusion: extract needs one timestep per example: %d timesteps for batch shape %v", len(t), shape)
	}
	outShape := make([]int, len(shape))
	outShape[0] = shape[0]
	for i := 1; i < len(outShape); i++ {
		outShape[i] = 1
	}
	out := tensor.New(outShape...)
	for b, ti := range t {
		if ti < 0 || ti >= s.timesteps {
			return nil, fmt.Errorf("diffusion: timestep %d out of range [0, %d)", ti, s.timesteps)
		}
		out.Data[b] = float32(vals[ti])
	}
	return out, nil
}
