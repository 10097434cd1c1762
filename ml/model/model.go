// Package model defines the contract between the fine-tuning loop and the
// classifier being fine-tuned: batches of named numeric fields in, tagged
// forward results out.
//
// The classifier itself (a pretrained encoder with injected knowledge-base
// embedding tables) is treated as an opaque collaborator: the training loop
// only sees the Model interface and the flat Parameter views it exposes.
package model

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Conventional field names of a Batch. Models may define extra fields; the
// training machinery only ever interprets FieldLabels.
const (
	FieldInputIDs      = "input_ids"
	FieldAttentionMask = "attention_mask"
	FieldEntityIDs     = "entity_ids"
	FieldRelationIDs   = "relation_ids"
	FieldFeatures      = "features"
	FieldLabels        = "labels"
)

// Field is one dense numeric array of a batch, with a leading batch
// dimension. Integer-valued fields (token ids, labels) are stored as float32
// and rounded on read.
type Field struct {
	// Dims of the array, Dims[0] is the batch size.
	Dims []int

	// Data in row-major order. len(Data) == product of Dims.
	Data []float32
}

// NewField creates a field and checks that data length matches dims.
func NewField(data []float32, dims ...int) *Field {
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != len(data) {
		exceptions.Panicf("model.NewField: dims %v require %d values, got %d", dims, size, len(data))
	}
	return &Field{Dims: dims, Data: data}
}

// Rows returns the leading (batch) dimension.
func (f *Field) Rows() int {
	if len(f.Dims) == 0 {
		return 0
	}
	return f.Dims[0]
}

// RowWidth returns the number of values per example.
func (f *Field) RowWidth() int {
	if f.Rows() == 0 {
		return 0
	}
	return len(f.Data) / f.Rows()
}

// Row returns the slice of values of the i-th example. The returned slice
// aliases the field data.
func (f *Field) Row(i int) []float32 {
	w := f.RowWidth()
	return f.Data[i*w : (i+1)*w]
}

// Batch maps model-input field names to their numeric arrays. Batches are
// produced by a train.Dataset, consumed by one forward pass and not retained.
type Batch map[string]*Field

// Size returns the batch size (number of examples), taken from any field.
// It returns 0 for an empty batch.
func (b Batch) Size() int {
	for _, f := range b {
		return f.Rows()
	}
	return 0
}

// Labels returns the gold class index per example. It is an error if the
// batch carries no labels field: training and validation batches always do,
// prediction batches may not.
func (b Batch) Labels() ([]int, error) {
	f, found := b[FieldLabels]
	if !found {
		return nil, errors.Errorf("batch has no %q field", FieldLabels)
	}
	labels := make([]int, f.Rows())
	for i := range labels {
		labels[i] = int(f.Data[i])
	}
	return labels, nil
}

// Parameter is a flat float32 view of one trainable tensor of the model,
// used by the optimizer and by gradient clipping. Value and Grad always have
// the same length; Grad accumulates across TrainForward calls until the
// optimizer zeroes it.
type Parameter struct {
	Name  string
	Dims  []int
	Value []float32
	Grad  []float32
}

// NewParameter allocates a zero-initialized parameter with the given dims.
func NewParameter(name string, dims ...int) *Parameter {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return &Parameter{
		Name:  name,
		Dims:  dims,
		Value: make([]float32, size),
		Grad:  make([]float32, size),
	}
}

// TrainingStep is the result of a forward pass over a labeled batch: the
// mean loss and the raw per-class logits, shaped [batchSize, numLabels].
type TrainingStep struct {
	Loss   float64
	Logits *mat.Dense
}

// Prediction is the result of a label-free forward pass.
type Prediction struct {
	Logits *mat.Dense
}

// Model is the external differentiable-model contract consumed by the
// training loop. Implementations own their parameter state; the loop mutates
// it only through the gradients exposed by Parameters.
//
// Which forward entry point runs is the caller's explicit intent: there is
// no mutable train/eval mode flag on the model.
type Model interface {
	// TrainForward runs a training-mode forward and backward pass on a
	// labeled batch, accumulating gradients into Parameters.
	TrainForward(batch Batch) (*TrainingStep, error)

	// EvalForward runs an inference-mode forward pass on a labeled batch,
	// returning loss and logits. No gradients are tracked and parameter
	// state is not mutated.
	EvalForward(batch Batch) (*TrainingStep, error)

	// Infer runs an inference-mode forward pass that does not read labels.
	Infer(batch Batch) (*Prediction, error)

	// Parameters returns the trainable parameters. The slice and its order
	// are stable across calls for the lifetime of the model.
	Parameters() []*Parameter
}

// NumParams returns the total number of trainable scalar values of a model.
func NumParams(m Model) int {
	total := 0
	for _, p := range m.Parameters() {
		total += len(p.Value)
	}
	return total
}
