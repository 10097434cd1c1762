// Package plots renders the fine-tuning history to image files.
package plots

import (
	"github.com/medkb/kbert/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// HistoryFileName is the default file name of the training-history plot
// within a run directory.
const HistoryFileName = "history.png"

// PlotHistory draws the per-epoch training loss, validation loss and
// validation F1-score as line plots and saves them to path. The image format
// is taken from the file extension.
func PlotHistory(history []train.EpochRecord, path string) error {
	if len(history) == 0 {
		return errors.New("cannot plot an empty training history")
	}

	trainLoss := make(plotter.XYs, len(history))
	validLoss := make(plotter.XYs, len(history))
	validScore := make(plotter.XYs, len(history))
	for i, record := range history {
		x := float64(record.Epoch)
		trainLoss[i] = plotter.XY{X: x, Y: record.TrainLoss}
		validLoss[i] = plotter.XY{X: x, Y: record.ValidLoss}
		validScore[i] = plotter.XY{X: x, Y: record.ValidScore}
	}

	p := plot.New()
	p.Title.Text = "Fine-tuning history"
	p.X.Label.Text = "epoch"
	p.Legend.Top = true

	err := plotutil.AddLinePoints(p,
		"train loss", trainLoss,
		"validation loss", validLoss,
		"validation F1", validScore)
	if err != nil {
		return errors.Wrap(err, "building history plot")
	}
	if err = p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving history plot to %q", path)
	}
	return nil
}
