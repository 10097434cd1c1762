package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/medkb/kbert/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlotHistory(t *testing.T) {
	history := []train.EpochRecord{
		{Epoch: 0, TrainLoss: 1.2, ValidLoss: 1.0, ValidScore: 0.3},
		{Epoch: 1, TrainLoss: 0.8, ValidLoss: 0.7, ValidScore: 0.5},
		{Epoch: 2, TrainLoss: 0.6, ValidLoss: 0.65, ValidScore: 0.55},
	}
	path := filepath.Join(t.TempDir(), HistoryFileName)
	require.NoError(t, PlotHistory(history, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestPlotHistoryEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), HistoryFileName)
	assert.Error(t, PlotHistory(nil, path))
}
