package optimizers

import (
	"math"
	"testing"

	"github.com/medkb/kbert/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quadraticParams(initial []float32) []*model.Parameter {
	p := model.NewParameter("w", len(initial))
	copy(p.Value, initial)
	return []*model.Parameter{p}
}

// setQuadraticGrad sets grad of f(w) = sum(w_i^2)/2, whose minimum is 0.
func setQuadraticGrad(p *model.Parameter) {
	for j, v := range p.Value {
		p.Grad[j] = v
	}
}

func TestAdamWConvergesOnQuadratic(t *testing.T) {
	params := quadraticParams([]float32{3, -2, 0.5})
	opt := AdamW(params).LearningRate(0.1).WeightDecay(0).Done()
	for step := 0; step < 500; step++ {
		setQuadraticGrad(params[0])
		require.NoError(t, opt.Step())
		opt.ZeroGrad()
	}
	for _, v := range params[0].Value {
		assert.InDelta(t, 0.0, float64(v), 1e-2)
	}
}

func TestAdamWZeroGrad(t *testing.T) {
	params := quadraticParams([]float32{1, 2})
	opt := AdamW(params).Done()
	setQuadraticGrad(params[0])
	opt.ZeroGrad()
	for _, g := range params[0].Grad {
		assert.Zero(t, g)
	}
}

func TestClipGradNorm(t *testing.T) {
	params := quadraticParams([]float32{0, 0})
	params[0].Grad = []float32{3, 4} // norm 5

	norm := ClipGradNorm(params, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-6)
	clipped := math.Hypot(float64(params[0].Grad[0]), float64(params[0].Grad[1]))
	assert.InDelta(t, 1.0, clipped, 1e-4)

	// Already under the threshold: untouched.
	params[0].Grad = []float32{0.3, 0.4}
	norm = ClipGradNorm(params, 1.0)
	assert.InDelta(t, 0.5, norm, 1e-6)
	assert.Equal(t, float32(0.3), params[0].Grad[0])
	assert.Equal(t, float32(0.4), params[0].Grad[1])
}

func TestWarmupSteps(t *testing.T) {
	assert.Equal(t, 10, WarmupSteps(0.1, 100))
	assert.Equal(t, 0, WarmupSteps(0, 100))
}

func TestLinearWarmupShape(t *testing.T) {
	const total = 100
	warmup := WarmupSteps(0.1, total)
	require.Equal(t, 10, warmup)
	sched := LinearWarmup(warmup, total)

	// Strictly increasing during warmup.
	for s := 1; s <= warmup; s++ {
		assert.Greater(t, sched(s), sched(s-1), "step %d", s)
	}
	assert.Equal(t, 1.0, sched(warmup))

	// Non-increasing afterward, reaching zero at the end.
	for s := warmup + 1; s <= total; s++ {
		assert.LessOrEqual(t, sched(s), sched(s-1), "step %d", s)
	}
	assert.Equal(t, 0.0, sched(total))
}

func TestScheduledLearningRate(t *testing.T) {
	params := quadraticParams([]float32{1})
	opt := AdamW(params).LearningRate(0.5).WithSchedule(LinearWarmup(2, 4)).Done()
	assert.Equal(t, 0.0, opt.EffectiveLR()) // step 0 of warmup
	setQuadraticGrad(params[0])
	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.25, opt.EffectiveLR(), 1e-12) // step 1: 0.5 * 1/2
}
