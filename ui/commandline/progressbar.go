// Package commandline contains convenience UI tools for running fine-tuning
// from the command line: a training progress bar and the end-of-run summary.
package commandline

import (
	"fmt"
	"os"
	"time"

	"github.com/medkb/kbert/ml/train"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// descriptionRefresh is the minimum time between loss updates on the bar
// description, so fast runs do not spend their time re-rendering.
const descriptionRefresh = 200 * time.Millisecond

const progressBarName = "kbert.ui.commandline.progressBar"

// progressBar holds a progressbar being displayed.
type progressBar struct {
	bar       *progressbar.ProgressBar
	lastDescr time.Time
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.bar = progressbar.NewOptions(loop.TotalSteps,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	if now := time.Now(); now.Sub(pBar.lastDescr) >= descriptionRefresh {
		pBar.bar.Describe(fmt.Sprintf("epoch %d | loss=%.4f", loop.Epoch, loss))
		pBar.lastDescr = now
	}
	return pBar.bar.Add(1)
}

func (pBar *progressBar) onEpoch(loop *train.Loop, record train.EpochRecord) error {
	pBar.bar.Describe(fmt.Sprintf("epoch %d | valid loss=%.4f F1=%.4f",
		record.Epoch, record.ValidLoss, record.ValidScore))
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop, result *train.Result) error {
	if result.StoppedEarly {
		// The step budget was not exhausted, close the bar where it is.
		_ = pBar.bar.Exit()
	} else {
		_ = pBar.bar.Finish()
	}
	fmt.Println()
	return nil
}

// AttachProgressBar creates a command-line progress bar and attaches it to
// the Loop, so when the Loop runs it displays progression, the running
// training loss and the per-epoch validation results.
func AttachProgressBar(loop *train.Loop) {
	pBar := &progressBar{}
	loop.OnStart(progressBarName, 0, pBar.onStart)
	loop.OnStep(progressBarName, 0, pBar.onStep)
	loop.OnEpoch(progressBarName, 0, pBar.onEpoch)
	loop.OnEnd(progressBarName, 0, pBar.onEnd)
}
