package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/medkb/kbert/ml/train"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	re := regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)
	matches := re.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

// RunSummary renders an end-of-run table with the run identity, the best
// epoch and its validation metrics, and where the checkpoint went.
func RunSummary(cfg *train.Config, result *train.Result, elapsed time.Duration) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})

	table.Row("Run", cfg.RunName())
	table.Row("Epochs completed", humanize.Comma(int64(len(result.History))))
	if result.StoppedEarly {
		table.Row("Early stopping", "triggered")
	}
	table.Row("Best epoch", strconv.Itoa(result.BestEpoch))
	if best := bestRecord(result); best != nil {
		table.Row("Validation loss", fmt.Sprintf("%.5f", best.ValidLoss))
		table.Row("Validation F1-score", fmt.Sprintf("%.5f", best.ValidScore))
	}
	table.Row("Checkpoint", result.CheckpointDir)
	table.Row("Elapsed", FormatDuration(elapsed))
	return table.String()
}

func bestRecord(result *train.Result) *train.EpochRecord {
	for i := range result.History {
		if result.History[i].Epoch == result.BestEpoch {
			return &result.History[i]
		}
	}
	return nil
}
