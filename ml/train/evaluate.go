package train

import (
	"io"

	"github.com/medkb/kbert/ml/model"
	"github.com/medkb/kbert/ml/train/metrics"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Evaluator drives a model in inference mode over a batch-sequence. Three
// entry points cover the three evaluation intents: validation during
// training (loss + micro-F1), one-hot predictions for external scoring, and
// raw class predictions for unlabeled data.
//
// All entry points leave the model's parameter state untouched (the Model
// contract disables gradient tracking for EvalForward/Infer) and reset the
// dataset before returning, so it can be iterated again.
type Evaluator struct {
	numLabels int
}

// NewEvaluator creates an Evaluator for a task with numLabels classes.
func NewEvaluator(numLabels int) *Evaluator {
	return &Evaluator{numLabels: numLabels}
}

// Validate runs training-time validation: the mean per-batch loss and the
// micro-averaged F1 score of the argmax predictions against the gold labels.
// Every batch must carry a labels field.
func (e *Evaluator) Validate(ds Dataset, m model.Model) (loss, score float64, err error) {
	evalLoss := 0.0
	evalSteps := 0
	var predClasses, goldClasses []int
	err = e.forEachBatch(ds, func(batch model.Batch) error {
		step, err := m.EvalForward(batch)
		if err != nil {
			return err
		}
		evalLoss += step.Loss
		evalSteps++
		predClasses = append(predClasses, metrics.Argmax(step.Logits)...)
		golds, err := batch.Labels()
		if err != nil {
			return err
		}
		goldClasses = append(goldClasses, golds...)
		return nil
	})
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "validating on %q", ds.Name())
	}
	if evalSteps == 0 {
		return 0, 0, errors.Errorf("validation dataset %q yielded no batches", ds.Name())
	}
	loss = evalLoss / float64(evalSteps)
	score = metrics.MicroF1(
		metrics.OneHot(goldClasses, e.numLabels),
		metrics.OneHot(predClasses, e.numLabels))
	return loss, score, nil
}

// PredictOneHot runs the model over a labeled dataset and returns the
// one-hot encoded argmax predictions, shaped [N, numLabels], in
// batch-iteration order. Labels are not read; the encoding is meant for
// persisting predictions for external scoring.
func (e *Evaluator) PredictOneHot(ds Dataset, m model.Model) (*mat.Dense, error) {
	classes, err := e.PredictClasses(ds, m)
	if err != nil {
		return nil, err
	}
	return metrics.OneHot(classes, e.numLabels), nil
}

// PredictClasses runs the model over a dataset and returns the raw argmax
// class index per example, in batch-iteration order. Batches need no labels.
func (e *Evaluator) PredictClasses(ds Dataset, m model.Model) ([]int, error) {
	var classes []int
	err := e.forEachBatch(ds, func(batch model.Batch) error {
		pred, err := m.Infer(batch)
		if err != nil {
			return err
		}
		classes = append(classes, metrics.Argmax(pred.Logits)...)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "predicting on %q", ds.Name())
	}
	return classes, nil
}

// forEachBatch runs fn over one full pass of ds and resets it afterward.
func (e *Evaluator) forEachBatch(ds Dataset, fn func(batch model.Batch) error) error {
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessage(err, "failed reading from dataset")
		}
		if err = fn(batch); err != nil {
			return err
		}
	}
	return ds.Reset()
}
