// Package metrics aggregates per-batch classifier outputs into epoch-level
// quantities: one-hot encodings of predicted classes and the micro-averaged
// F1 score used for validation-driven model selection.
package metrics

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/mat"
)

// Argmax returns the index of the largest value of each row of m. Ties go to
// the lowest index, matching how predictions are read off logits.
func Argmax(m *mat.Dense) []int {
	rows, cols := m.Dims()
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		bestV := m.At(i, 0)
		for j := 1; j < cols; j++ {
			if v := m.At(i, j); v > bestV {
				best, bestV = j, v
			}
		}
		out[i] = best
	}
	return out
}

// OneHot encodes a sequence of class indices as an [len(classes), numLabels]
// matrix with a single 1 per row. Indices out of [0, numLabels) are a caller
// bug and panic.
func OneHot(classes []int, numLabels int) *mat.Dense {
	res := mat.NewDense(len(classes), numLabels, nil)
	for i, c := range classes {
		if c < 0 || c >= numLabels {
			exceptions.Panicf("metrics.OneHot: class %d out of range [0, %d)", c, numLabels)
		}
		res.Set(i, c, 1)
	}
	return res
}

// MicroF1 computes the micro-averaged F1 score between one-hot gold labels
// and one-hot predictions, both shaped [N, numLabels], pooling true/false
// positives and negatives across classes 1..numLabels-1. Class 0 is the
// background ("no label") class and never contributes to the score.
func MicroF1(golds, preds *mat.Dense) float64 {
	gr, gc := golds.Dims()
	pr, pc := preds.Dims()
	if gr != pr || gc != pc {
		exceptions.Panicf("metrics.MicroF1: shape mismatch, golds [%d, %d] vs preds [%d, %d]", gr, gc, pr, pc)
	}
	var tp, fp, fn float64
	for i := 0; i < gr; i++ {
		for j := 1; j < gc; j++ { // class 0 excluded by fixed policy
			g := golds.At(i, j) > 0.5
			p := preds.At(i, j) > 0.5
			switch {
			case g && p:
				tp++
			case !g && p:
				fp++
			case g && !p:
				fn++
			}
		}
	}
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 0
	}
	return 2 * tp / denom
}
