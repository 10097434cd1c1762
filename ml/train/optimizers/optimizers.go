// Package optimizers implements the gradient-descent side of fine-tuning:
// an AdamW optimizer over the flat parameter views exposed by a model,
// global gradient-norm clipping, and learning-rate schedules.
package optimizers

import (
	"math"

	"github.com/medkb/kbert/ml/model"
	"github.com/pkg/errors"
)

// AdamWDefaultLearningRate is used when no learning rate is configured.
const AdamWDefaultLearningRate = 1e-3

// Interface implemented by all optimizers.
type Interface interface {
	// Step applies one update using the gradients currently accumulated in
	// the parameters, then advances the schedule step counter.
	Step() error

	// ZeroGrad clears the accumulated gradients.
	ZeroGrad()

	// EffectiveLR returns the learning rate the next Step will use.
	EffectiveLR() float64
}

// AdamW returns the configuration for an AdamW optimizer (Adam with
// decoupled weight decay, Loshchilov & Hutter 2017) over the given
// parameters. Adjust it and call Done.
func AdamW(params []*model.Parameter) *AdamWConfig {
	return &AdamWConfig{
		params:       params,
		learningRate: AdamWDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		weightDecay:  1e-2,
	}
}

// AdamWConfig holds the configuration of an AdamW optimizer. Built by
// AdamW(), finished with Done().
type AdamWConfig struct {
	params       []*model.Parameter
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
	schedule     Schedule
}

// LearningRate sets the base learning rate. Defaults to AdamWDefaultLearningRate.
func (c *AdamWConfig) LearningRate(value float64) *AdamWConfig {
	c.learningRate = value
	return c
}

// Betas sets the exponential decay rates of the two moment estimates.
// They default to 0.9 and 0.999.
func (c *AdamWConfig) Betas(beta1, beta2 float64) *AdamWConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamWConfig) Epsilon(epsilon float64) *AdamWConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay sets the decoupled weight decay. Defaults to 1e-2.
func (c *AdamWConfig) WeightDecay(weightDecay float64) *AdamWConfig {
	c.weightDecay = weightDecay
	return c
}

// WithSchedule multiplies the base learning rate by schedule(step) at every
// step. Without a schedule the learning rate is constant.
func (c *AdamWConfig) WithSchedule(schedule Schedule) *AdamWConfig {
	c.schedule = schedule
	return c
}

// Done builds the optimizer.
func (c *AdamWConfig) Done() Interface {
	o := &adamW{config: c}
	o.moment1 = make([][]float64, len(c.params))
	o.moment2 = make([][]float64, len(c.params))
	for i, p := range c.params {
		o.moment1[i] = make([]float64, len(p.Value))
		o.moment2[i] = make([]float64, len(p.Value))
	}
	return o
}

type adamW struct {
	config           *AdamWConfig
	moment1, moment2 [][]float64
	step             int
}

// EffectiveLR implements Interface.
func (o *adamW) EffectiveLR() float64 {
	lr := o.config.learningRate
	if o.config.schedule != nil {
		lr *= o.config.schedule(o.step)
	}
	return lr
}

// Step implements Interface.
func (o *adamW) Step() error {
	lr := o.EffectiveLR()
	c := o.config
	o.step++
	t := float64(o.step)
	debias1 := 1 - math.Pow(c.beta1, t)
	debias2 := 1 - math.Pow(c.beta2, t)
	for i, p := range c.params {
		m1, m2 := o.moment1[i], o.moment2[i]
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("parameter %q has %d gradient values for %d weights",
				p.Name, len(p.Grad), len(p.Value))
		}
		for j := range p.Value {
			g := float64(p.Grad[j])
			m1[j] = c.beta1*m1[j] + (1-c.beta1)*g
			m2[j] = c.beta2*m2[j] + (1-c.beta2)*g*g
			update := (m1[j] / debias1) / (math.Sqrt(m2[j]/debias2) + c.epsilon)
			v := float64(p.Value[j])
			v -= lr * (update + c.weightDecay*v)
			p.Value[j] = float32(v)
		}
	}
	return nil
}

// ZeroGrad implements Interface.
func (o *adamW) ZeroGrad() {
	for _, p := range o.config.params {
		for j := range p.Grad {
			p.Grad[j] = 0
		}
	}
}

// ClipGradNorm rescales the gradients of all parameters so that their global
// L2 norm does not exceed maxNorm, and returns the pre-clip norm.
func ClipGradNorm(params []*model.Parameter, maxNorm float64) float64 {
	sumSq := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sumSq += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sumSq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	coef := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for j := range p.Grad {
			p.Grad[j] = float32(float64(p.Grad[j]) * coef)
		}
	}
	return norm
}
