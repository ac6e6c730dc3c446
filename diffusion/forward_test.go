package diffusion

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritegen/tensor"
)

// stubDenoiser adapts a func to the Denoiser interface for tests.
type stubDenoiser func(xt *tensor.Tensor, t []int, cond *tensor.Tensor) (*tensor.Tensor, error)

func (f stubDenoiser) Denoise(xt *tensor.Tensor, t []int, cond *tensor.Tensor) (*tensor.Tensor, error) {
	return f(xt, t, cond)
}

// zeroDenoiser always predicts zero noise.
var zeroDenoiser = stubDenoiser(func(xt *tensor.Tensor, t []int, cond *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.New(xt.Shape...), nil
})

// constDenoiser predicts the value v everywhere.
func constDenoiser(v float32) stubDenoiser {
	return func(xt *tensor.Tensor, t []int, cond *tensor.Tensor) (*tensor.Tensor, error) {
		out := tensor.New(xt.Shape...)
		for i := range out.Data {
			out.Data[i] = v
		}
		return out, nil
	}
}

func testSchedule(t *testing.T, timesteps int) *Schedule {
	t.Helper()
	s, err := NewSchedule(timesteps, ScheduleLinear)
	require.NoError(t, err)
	return s
}

func TestCorruptDeterministic(t *testing.T) {
	s := testSchedule(t, 10)
	rng := rand.New(rand.NewSource(3))
	x0 := tensor.Randn(rng, 2, 1, 2, 2)
	noise := tensor.Randn(rng, 2, 1, 2, 2)
	ts := []int{2, 7}

	a, err := s.Corrupt(x0, noise, ts)
	require.NoError(t, err)
	b, err := s.Corrupt(x0, noise, ts)
	require.NoError(t, err)
	require.Equal(t, a.Data, b.Data, "corrupt must be bit-identical for identical inputs")
}

func TestCorruptEndpoints(t *testing.T) {
	s := testSchedule(t, 200)

	ones := tensor.From([]float32{1, 1, 1, 1}, []int{1, 1, 2, 2})
	zeros := tensor.New(1, 1, 2, 2)

	// At t=0 the signal coefficient is nearly 1: x0 dominates.
	early, err := s.Corrupt(ones, zeros, []int{0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(early.Data[0]), 1e-3)

	// At the last step the noise coefficient dominates the signal one.
	lateSignal, err := s.Corrupt(ones, zeros, []int{199})
	require.NoError(t, err)
	lateNoise, err := s.Corrupt(zeros, ones, []int{199})
	require.NoError(t, err)
	assert.Greater(t, lateNoise.Data[0], lateSignal.Data[0])
	assert.Greater(t, float64(lateNoise.Data[0]), 0.5)
}

func TestCorruptShapeMismatch(t *testing.T) {
	s := testSchedule(t, 4)
	x0 := tensor.New(1, 1, 2, 2)
	noise := tensor.New(1, 1, 4, 4)
	_, err := s.Corrupt(x0, noise, []int{0})
	assert.Error(t, err)
}

func TestLossZeroOnExactPrediction(t *testing.T) {
	s := testSchedule(t, 8)
	x0 := tensor.New(1, 1, 2, 2)
	noise := tensor.New(1, 1, 2, 2) // zero noise, zero prediction

	for _, kind := range []LossKind{LossL1, LossL2, LossHuber} {
		loss, err := s.LossWithNoise(zeroDenoiser, x0, noise, []int{3}, kind)
		require.NoError(t, err)
		assert.Zero(t, loss, "kind=%s", kind)
	}
}

func TestLossMetrics(t *testing.T) {
	s := testSchedule(t, 8)
	x0 := tensor.New(1, 1, 2, 2)
	noise := tensor.New(1, 1, 2, 2)
	ts := []int{0}

	cases := []struct {
		kind      LossKind
		predicted float32
		want      float64
	}{
		{LossL1, 0.5, 0.5},
		{LossL2, 0.5, 0.25},
		{LossHuber, 0.5, 0.125},      // quadratic region: 0.5*d^2
		{LossHuber, 2.0, 1.5},        // linear region: |d| - 0.5
		{LossHuber, 1.0, 0.5},        // boundary, both branches agree
		{LossL1, -0.25, 0.25},
	}
	for _, tc := range cases {
		loss, err := s.LossWithNoise(constDenoiser(tc.predicted), x0, noise, ts, tc.kind)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, float64(loss), 1e-6, "kind=%s predicted=%v", tc.kind, tc.predicted)
		assert.GreaterOrEqual(t, float64(loss), 0.0)
	}
}

func TestLossUnsupportedKind(t *testing.T) {
	s := testSchedule(t, 8)
	x0 := tensor.New(1, 1, 2, 2)
	_, err := s.Loss(zeroDenoiser, x0, []int{0}, LossKind("l3"), rand.New(rand.NewSource(1)))
	require.ErrorIs(t, err, ErrUnsupportedLossKind)
}

func TestLossModelErrorPropagates(t *testing.T) {
	s := testSchedule(t, 8)
	x0 := tensor.New(1, 1, 2, 2)
	boom := errors.New("boom")
	failing := stubDenoiser(func(xt *tensor.Tensor, t []int, cond *tensor.Tensor) (*tensor.Tensor, error) {
		return nil, boom
	})
	_, err := s.Loss(failing, x0, []int{0}, LossL2, rand.New(rand.NewSource(1)))
	require.ErrorIs(t, err, boom)
}

func TestLossReproducibleWithSeed(t *testing.T) {
	s := testSchedule(t, 16)
	x0 := tensor.Randn(rand.New(rand.NewSource(5)), 2, 1, 2, 2)
	ts := []int{4, 11}

	a, err := s.Loss(zeroDenoiser, x0, ts, LossL2, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, err := s.Loss(zeroDenoiser, x0, ts, LossL2, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
