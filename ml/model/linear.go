package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Linear is a softmax classifier over a dense feature field, optionally
// augmented with frozen knowledge-base entity/relation embedding rows looked
// up by id fields. It is the reference Model implementation: real gradients,
// small enough to train in tests, and it exercises the same call contract as
// a full encoder.
//
// The KB tables are injected at construction and are not trainable: only the
// classification head (weights and bias) shows up in Parameters.
type Linear struct {
	numLabels   int
	numFeatures int
	inputWidth  int

	weights *Parameter // [numLabels, inputWidth]
	bias    *Parameter // [numLabels]

	entityEmbs   *mat.Dense
	relationEmbs *mat.Dense
}

// LinearConfig configures a Linear classifier. Create it with NewLinear,
// adjust, and call Done.
type LinearConfig struct {
	numFeatures, numLabels int
	entityEmbs             *mat.Dense
	relationEmbs           *mat.Dense
	seed                   int64
}

// NewLinear starts the configuration of a Linear classifier taking
// numFeatures dense input features and predicting numLabels classes.
func NewLinear(numFeatures, numLabels int) *LinearConfig {
	return &LinearConfig{
		numFeatures: numFeatures,
		numLabels:   numLabels,
		seed:        42,
	}
}

// WithEntityEmbeddings injects a frozen entity embedding table. Batches must
// then carry an FieldEntityIDs field with one row index per example.
func (c *LinearConfig) WithEntityEmbeddings(table *mat.Dense) *LinearConfig {
	c.entityEmbs = table
	return c
}

// WithRelationEmbeddings injects a frozen relation embedding table. Batches
// must then carry a FieldRelationIDs field with one row index per example.
func (c *LinearConfig) WithRelationEmbeddings(table *mat.Dense) *LinearConfig {
	c.relationEmbs = table
	return c
}

// WithSeed sets the seed for the weight initialization. Defaults to 42.
func (c *LinearConfig) WithSeed(seed int64) *LinearConfig {
	c.seed = seed
	return c
}

// Done builds the classifier with small random-normal initial weights.
func (c *LinearConfig) Done() (*Linear, error) {
	if c.numFeatures <= 0 || c.numLabels <= 1 {
		return nil, errors.Errorf("model.NewLinear: need numFeatures > 0 and numLabels > 1, got %d and %d",
			c.numFeatures, c.numLabels)
	}
	width := c.numFeatures
	if c.entityEmbs != nil {
		_, k := c.entityEmbs.Dims()
		width += k
	}
	if c.relationEmbs != nil {
		_, k := c.relationEmbs.Dims()
		width += k
	}
	m := &Linear{
		numLabels:    c.numLabels,
		numFeatures:  c.numFeatures,
		inputWidth:   width,
		weights:      NewParameter("classifier/weights", c.numLabels, width),
		bias:         NewParameter("classifier/bias", c.numLabels),
		entityEmbs:   c.entityEmbs,
		relationEmbs: c.relationEmbs,
	}
	rng := rand.New(rand.NewSource(c.seed))
	scale := float32(1.0 / math.Sqrt(float64(width)))
	for i := range m.weights.Value {
		m.weights.Value[i] = float32(rng.NormFloat64()) * scale
	}
	return m, nil
}

// Parameters implements Model. The frozen KB tables are excluded.
func (m *Linear) Parameters() []*Parameter {
	return []*Parameter{m.weights, m.bias}
}

// NumLabels the model predicts.
func (m *Linear) NumLabels() int { return m.numLabels }

// inputVector assembles the full input of example i: dense features followed
// by the KB embedding rows selected by the id fields.
func (m *Linear) inputVector(batch Batch, i int, dst []float64) error {
	features, found := batch[FieldFeatures]
	if !found {
		return errors.Errorf("batch has no %q field", FieldFeatures)
	}
	if features.RowWidth() != m.numFeatures {
		return errors.Errorf("field %q has width %d, model expects %d",
			FieldFeatures, features.RowWidth(), m.numFeatures)
	}
	pos := 0
	for _, v := range features.Row(i) {
		dst[pos] = float64(v)
		pos++
	}
	for _, table := range []struct {
		field string
		embs  *mat.Dense
	}{
		{FieldEntityIDs, m.entityEmbs},
		{FieldRelationIDs, m.relationEmbs},
	} {
		if table.embs == nil {
			continue
		}
		ids, found := batch[table.field]
		if !found {
			return errors.Errorf("model has %s table injected but batch has no %q field",
				table.field, table.field)
		}
		rows, width := table.embs.Dims()
		id := int(ids.Data[i])
		if id < 0 || id >= rows {
			return errors.Errorf("field %q value %d out of range [0, %d)", table.field, id, rows)
		}
		for j := 0; j < width; j++ {
			dst[pos] = table.embs.At(id, j)
			pos++
		}
	}
	return nil
}

// forward computes logits for the whole batch.
func (m *Linear) forward(batch Batch) (*mat.Dense, error) {
	n := batch.Size()
	if n == 0 {
		return nil, errors.Errorf("empty batch")
	}
	logits := mat.NewDense(n, m.numLabels, nil)
	x := make([]float64, m.inputWidth)
	for i := 0; i < n; i++ {
		if err := m.inputVector(batch, i, x); err != nil {
			return nil, err
		}
		for l := 0; l < m.numLabels; l++ {
			row := m.weights.Value[l*m.inputWidth : (l+1)*m.inputWidth]
			z := float64(m.bias.Value[l])
			for j, v := range x {
				z += float64(row[j]) * v
			}
			logits.Set(i, l, z)
		}
	}
	return logits, nil
}

// softmaxRow writes the softmax of logits row i into probs.
func softmaxRow(logits *mat.Dense, i int, probs []float64) {
	maxZ := math.Inf(-1)
	for l := range probs {
		if z := logits.At(i, l); z > maxZ {
			maxZ = z
		}
	}
	sum := 0.0
	for l := range probs {
		probs[l] = math.Exp(logits.At(i, l) - maxZ)
		sum += probs[l]
	}
	for l := range probs {
		probs[l] /= sum
	}
}

// lossAndMaybeGrad computes the mean cross-entropy loss, and when train is
// set also accumulates dLoss/dW and dLoss/db into the parameter gradients.
func (m *Linear) lossAndMaybeGrad(batch Batch, logits *mat.Dense, train bool) (float64, error) {
	labels, err := batch.Labels()
	if err != nil {
		return 0, err
	}
	n := len(labels)
	probs := make([]float64, m.numLabels)
	x := make([]float64, m.inputWidth)
	loss := 0.0
	for i := 0; i < n; i++ {
		gold := labels[i]
		if gold < 0 || gold >= m.numLabels {
			return 0, errors.Errorf("label %d out of range [0, %d)", gold, m.numLabels)
		}
		softmaxRow(logits, i, probs)
		loss += -math.Log(math.Max(probs[gold], 1e-12))
		if !train {
			continue
		}
		if err := m.inputVector(batch, i, x); err != nil {
			return 0, err
		}
		for l := 0; l < m.numLabels; l++ {
			delta := probs[l]
			if l == gold {
				delta -= 1.0
			}
			delta /= float64(n)
			m.bias.Grad[l] += float32(delta)
			gradRow := m.weights.Grad[l*m.inputWidth : (l+1)*m.inputWidth]
			for j, v := range x {
				gradRow[j] += float32(delta * v)
			}
		}
	}
	return loss / float64(n), nil
}

// TrainForward implements Model.
func (m *Linear) TrainForward(batch Batch) (*TrainingStep, error) {
	logits, err := m.forward(batch)
	if err != nil {
		return nil, errors.WithMessage(err, "Linear.TrainForward")
	}
	loss, err := m.lossAndMaybeGrad(batch, logits, true)
	if err != nil {
		return nil, errors.WithMessage(err, "Linear.TrainForward")
	}
	return &TrainingStep{Loss: loss, Logits: logits}, nil
}

// EvalForward implements Model.
func (m *Linear) EvalForward(batch Batch) (*TrainingStep, error) {
	logits, err := m.forward(batch)
	if err != nil {
		return nil, errors.WithMessage(err, "Linear.EvalForward")
	}
	loss, err := m.lossAndMaybeGrad(batch, logits, false)
	if err != nil {
		return nil, errors.WithMessage(err, "Linear.EvalForward")
	}
	return &TrainingStep{Loss: loss, Logits: logits}, nil
}

// Infer implements Model.
func (m *Linear) Infer(batch Batch) (*Prediction, error) {
	logits, err := m.forward(batch)
	if err != nil {
		return nil, errors.WithMessage(err, "Linear.Infer")
	}
	return &Prediction{Logits: logits}, nil
}
