// Package data is a collection of tools that load and batch pre-tokenized
// classification examples, read knowledge-base embedding tables, and write
// prediction artifacts.
package data

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/medkb/kbert/ml/model"
	"github.com/pkg/errors"
)

// Example is one pre-tokenized classification example: a dense feature
// vector plus KB entity/relation ids. Tokenization itself happens upstream;
// this package only consumes its output.
type Example struct {
	Features   []float32 `json:"features"`
	EntityID   int       `json:"entity_id"`
	RelationID int       `json:"relation_id"`

	// Label is the gold class. Ignored when batching with withLabels=false
	// (test splits may carry a placeholder).
	Label int `json:"label"`
}

// ReadExamples reads a JSON-lines file with one Example per line.
func ReadExamples(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open examples file %q", path)
	}
	defer func() { _ = f.Close() }()

	var examples []Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(text, &ex); err != nil {
			return nil, errors.Wrapf(err, "%q line %d", path, line)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", path)
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("examples file %q is empty", path)
	}
	return examples, nil
}

// InMemoryDataset is a train.Dataset over a fixed slice of batches.
type InMemoryDataset struct {
	name    string
	batches []model.Batch
	next    int
}

// NewInMemoryDataset wraps pre-built batches as a dataset.
func NewInMemoryDataset(name string, batches []model.Batch) *InMemoryDataset {
	return &InMemoryDataset{name: name, batches: batches}
}

// Name implements train.Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Len implements train.Dataset.
func (ds *InMemoryDataset) Len() int { return len(ds.batches) }

// Yield implements train.Dataset. Returns io.EOF at the end of a pass.
func (ds *InMemoryDataset) Yield() (model.Batch, error) {
	if ds.next >= len(ds.batches) {
		return nil, io.EOF
	}
	batch := ds.batches[ds.next]
	ds.next++
	return batch, nil
}

// Reset implements train.Dataset.
func (ds *InMemoryDataset) Reset() error {
	ds.next = 0
	return nil
}

// Batched builds an InMemoryDataset from examples, batchSize examples per
// batch (the last batch may be smaller). withLabels controls whether batches
// carry the labels field: training and validation splits need it, pure
// prediction splits must not.
func Batched(name string, examples []Example, batchSize int, withLabels bool) (*InMemoryDataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	numFeatures := len(examples[0].Features)
	var batches []model.Batch
	for start := 0; start < len(examples); start += batchSize {
		end := min(start+batchSize, len(examples))
		chunk := examples[start:end]
		n := len(chunk)

		features := make([]float32, 0, n*numFeatures)
		entityIDs := make([]float32, 0, n)
		relationIDs := make([]float32, 0, n)
		labels := make([]float32, 0, n)
		for i, ex := range chunk {
			if len(ex.Features) != numFeatures {
				return nil, errors.Errorf("dataset %q example %d has %d features, expected %d",
					name, start+i, len(ex.Features), numFeatures)
			}
			features = append(features, ex.Features...)
			entityIDs = append(entityIDs, float32(ex.EntityID))
			relationIDs = append(relationIDs, float32(ex.RelationID))
			labels = append(labels, float32(ex.Label))
		}
		batch := model.Batch{
			model.FieldFeatures:    model.NewField(features, n, numFeatures),
			model.FieldEntityIDs:   model.NewField(entityIDs, n),
			model.FieldRelationIDs: model.NewField(relationIDs, n),
		}
		if withLabels {
			batch[model.FieldLabels] = model.NewField(labels, n)
		}
		batches = append(batches, batch)
	}
	return NewInMemoryDataset(name, batches), nil
}
