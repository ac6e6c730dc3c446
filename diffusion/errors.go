package diffusion

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchedule is returned when a schedule cannot be
	// constructed: non-positive horizon, unknown shape, or a beta
	// leaving (0, 1).
	ErrInvalidSchedule = errors.New("diffusion: invalid schedule")

	// ErrUnsupportedLossKind is returned for an unrecognized loss
	// metric name.
	ErrUnsupportedLossKind = errors.New("diffusion: unsupported loss kind")
)

// SamplingError wraps a failure surfaced from the noise-prediction
// model (or its output) during one reverse step. The trajectory built
// so far is discarded; nothing partial is returned alongside it.
type SamplingError struct {
	Timestep int   // schedule index at which the step failed
	Shape    []int // shape of the state being denoised
	Err      error
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("diffusion: sampling failed at timestep %d (shape %v): %v",
		e.Timestep, e.Shape, e.Err)
}

func (e *SamplingError) Unwrap() error { return e.Err }
