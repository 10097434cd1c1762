package train

import (
	"io"
	"testing"

	"github.com/medkb/kbert/ml/checkpoints"
	"github.com/medkb/kbert/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// scriptedModel reports a scripted validation loss and scripted predictions
// per evaluation call, while its single parameter moves deterministically
// under the optimizer, so tests can tell which epoch a checkpoint was
// written at.
type scriptedModel struct {
	param     *model.Parameter
	numLabels int
	devLosses []float64
	devPreds  [][]int
	evalCall  int
}

func newScriptedModel(numLabels int, devLosses []float64, devPreds [][]int) *scriptedModel {
	p := model.NewParameter("scripted/w", 2)
	p.Value[0] = 1
	return &scriptedModel{param: p, numLabels: numLabels, devLosses: devLosses, devPreds: devPreds}
}

func (m *scriptedModel) Parameters() []*model.Parameter { return []*model.Parameter{m.param} }

func (m *scriptedModel) TrainForward(batch model.Batch) (*model.TrainingStep, error) {
	m.param.Grad[0] += 0.1
	m.param.Grad[1] += 0.05
	return &model.TrainingStep{
		Loss:   0.5,
		Logits: mat.NewDense(batch.Size(), m.numLabels, nil),
	}, nil
}

func (m *scriptedModel) EvalForward(batch model.Batch) (*model.TrainingStep, error) {
	call := m.evalCall
	m.evalCall++
	preds := m.devPreds[min(call, len(m.devPreds)-1)]
	logits := mat.NewDense(batch.Size(), m.numLabels, nil)
	for i := 0; i < batch.Size(); i++ {
		logits.Set(i, preds[i], 1)
	}
	return &model.TrainingStep{Loss: m.devLosses[min(call, len(m.devLosses)-1)], Logits: logits}, nil
}

func (m *scriptedModel) Infer(batch model.Batch) (*model.Prediction, error) {
	return &model.Prediction{Logits: mat.NewDense(batch.Size(), m.numLabels, nil)}, nil
}

// toyBatch builds a labeled single-field batch of n examples.
func toyBatch(labels ...int) model.Batch {
	n := len(labels)
	features := make([]float32, n)
	labelData := make([]float32, n)
	for i, l := range labels {
		labelData[i] = float32(l)
	}
	return model.Batch{
		model.FieldFeatures: model.NewField(features, n, 1),
		model.FieldLabels:   model.NewField(labelData, n),
	}
}

// sliceDataset is a minimal Dataset over fixed batches, local to the tests.
type sliceDataset struct {
	name    string
	batches []model.Batch
	next    int
}

func (ds *sliceDataset) Name() string { return ds.name }
func (ds *sliceDataset) Len() int     { return len(ds.batches) }
func (ds *sliceDataset) Reset() error {
	ds.next = 0
	return nil
}
func (ds *sliceDataset) Yield() (model.Batch, error) {
	if ds.next >= len(ds.batches) {
		return nil, io.EOF
	}
	b := ds.batches[ds.next]
	ds.next++
	return b, nil
}

func toyConfig(t *testing.T) *Config {
	return &Config{
		Mode:         "inject",
		TaskName:     "toy",
		NumLabels:    3,
		BatchSize:    2,
		LearningRate: 1e-3,
		MaxGradNorm:  1.0,
		Monitor:      MonitorLoss,
		OutputDir:    t.TempDir(),
		Seed:         7,
	}
}

func newLoopDatasets() (trainDS, validDS *sliceDataset) {
	trainDS = &sliceDataset{name: "train", batches: []model.Batch{toyBatch(1, 2), toyBatch(0, 1)}}
	validDS = &sliceDataset{name: "dev", batches: []model.Batch{toyBatch(1, 2)}}
	return
}

// checkpointValue loads the first weight of the persisted checkpoint.
func checkpointValue(t *testing.T, dir string) float32 {
	handler, err := checkpoints.Build(dir).Done()
	require.NoError(t, err)
	p := model.NewParameter("scripted/w", 2)
	require.NoError(t, handler.Load([]*model.Parameter{p}))
	return p.Value[0]
}

func TestLoopSelectsBestLossEpoch(t *testing.T) {
	cfg := toyConfig(t)
	cfg.NumTrainEpochs = 4

	// Predictions always match the dev labels; only the loss moves.
	m := newScriptedModel(3, []float64{0.9, 0.8, 0.85, 0.7}, [][]int{{1, 2}})
	loop, err := NewLoop(cfg, m)
	require.NoError(t, err)

	trainDS, validDS := newLoopDatasets()

	// After each epoch, check whether the checkpoint matches the current
	// parameter state: true exactly when this epoch overwrote it.
	var overwrote []bool
	loop.OnEpoch("watch-checkpoint", 0, func(loop *Loop, record EpochRecord) error {
		saved := checkpointValue(t, cfg.CheckpointDir())
		overwrote = append(overwrote, saved == m.param.Value[0])
		return nil
	})

	result, err := loop.Run(trainDS, validDS)
	require.NoError(t, err)

	assert.Equal(t, 3, result.BestEpoch)
	assert.False(t, result.StoppedEarly)
	require.Len(t, result.History, 4)
	assert.Equal(t, []bool{true, true, false, true}, overwrote,
		"epoch 2 must not overwrite: 0.85 > 0.8")
	assert.Equal(t, m.param.Value[0], checkpointValue(t, result.CheckpointDir))

	losses := make([]float64, 0, 4)
	for _, rec := range result.History {
		losses = append(losses, rec.ValidLoss)
	}
	assert.Equal(t, []float64{0.9, 0.8, 0.85, 0.7}, losses)
}

func TestLoopEarlyStoppingReferenceTrace(t *testing.T) {
	cfg := toyConfig(t)
	cfg.EarlyStopping = true
	cfg.MaxNumEpochs = 10
	cfg.Patience = 2

	m := newScriptedModel(3, []float64{1.0, 0.9, 0.95, 0.97, 0.99}, [][]int{{1, 2}})
	loop, err := NewLoop(cfg, m)
	require.NoError(t, err)

	trainDS, validDS := newLoopDatasets()
	result, err := loop.Run(trainDS, validDS)
	require.NoError(t, err)

	// Flags: 1.0 < +Inf -> T; 0.9 < 1.0 -> T; 0.95 -> F; 0.97 -> F, window
	// [F F] exceeds patience, stop right after epoch index 3.
	assert.True(t, result.StoppedEarly)
	assert.Len(t, result.History, 4)
	assert.Equal(t, 3, result.History[len(result.History)-1].Epoch)
	assert.Equal(t, 1, result.BestEpoch)
}

func TestLoopScoreMonitoring(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Monitor = MonitorScore
	cfg.NumTrainEpochs = 2

	// Dev labels are [1, 2]. Epoch 0 predicts [1, 1]: tp=1 fp=1 fn=1 ->
	// F1 = 0.5. Epoch 1 predicts [1, 2]: F1 = 1.0.
	m := newScriptedModel(3, []float64{0.6, 0.6}, [][]int{{1, 1}, {1, 2}})
	loop, err := NewLoop(cfg, m)
	require.NoError(t, err)

	trainDS, validDS := newLoopDatasets()

	var overwrote []bool
	loop.OnEpoch("watch-checkpoint", 0, func(loop *Loop, record EpochRecord) error {
		saved := checkpointValue(t, cfg.CheckpointDir())
		overwrote = append(overwrote, saved == m.param.Value[0])
		return nil
	})

	result, err := loop.Run(trainDS, validDS)
	require.NoError(t, err)

	assert.Equal(t, 1, result.BestEpoch)
	assert.Equal(t, []bool{true, true}, overwrote, "both improving epochs persist")
	require.Len(t, result.History, 2)
	assert.InDelta(t, 0.5, result.History[0].ValidScore, 1e-12)
	assert.InDelta(t, 1.0, result.History[1].ValidScore, 1e-12)
}

func TestLoopPlateauAsymmetry(t *testing.T) {
	// A flat validation metric stops a loss-monitored run (strict <) but
	// lets a score-monitored run reach the epoch cap (non-strict >=).
	flatLosses := []float64{0.5, 0.5, 0.5, 0.5, 0.5}

	cfg := toyConfig(t)
	cfg.EarlyStopping = true
	cfg.MaxNumEpochs = 5
	cfg.Patience = 1

	m := newScriptedModel(3, flatLosses, [][]int{{1, 2}})
	loop, err := NewLoop(cfg, m)
	require.NoError(t, err)
	trainDS, validDS := newLoopDatasets()
	result, err := loop.Run(trainDS, validDS)
	require.NoError(t, err)
	assert.True(t, result.StoppedEarly)
	assert.Len(t, result.History, 2, "flat loss: T(vs +Inf) then F, window [F] stops")

	cfg2 := toyConfig(t)
	cfg2.Monitor = MonitorScore
	cfg2.EarlyStopping = true
	cfg2.MaxNumEpochs = 5
	cfg2.Patience = 1

	m2 := newScriptedModel(3, flatLosses, [][]int{{1, 2}})
	loop2, err := NewLoop(cfg2, m2)
	require.NoError(t, err)
	trainDS2, validDS2 := newLoopDatasets()
	result2, err := loop2.Run(trainDS2, validDS2)
	require.NoError(t, err)
	assert.False(t, result2.StoppedEarly)
	assert.Len(t, result2.History, 5, "flat score keeps improving under >=")
}

func TestLoopCheckpointCarriesArgs(t *testing.T) {
	cfg := toyConfig(t)
	cfg.NumTrainEpochs = 1

	m := newScriptedModel(3, []float64{0.4}, [][]int{{1, 2}})
	loop, err := NewLoop(cfg, m)
	require.NoError(t, err)
	trainDS, validDS := newLoopDatasets()
	result, err := loop.Run(trainDS, validDS)
	require.NoError(t, err)

	var saved Config
	require.NoError(t, checkpoints.LoadArgs(result.CheckpointDir, &saved))
	assert.Equal(t, cfg.TaskName, saved.TaskName)
	assert.Equal(t, cfg.LearningRate, saved.LearningRate)
	assert.Equal(t, cfg.Seed, saved.Seed)
}

func TestNewLoopValidatesConfig(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Monitor = "accuracy"
	_, err := NewLoop(cfg, newScriptedModel(3, nil, nil))
	assert.Error(t, err)

	cfg = toyConfig(t)
	cfg.EarlyStopping = true
	cfg.MaxNumEpochs = 5
	cfg.Patience = 0
	_, err = NewLoop(cfg, newScriptedModel(3, nil, nil))
	assert.Error(t, err)
}

func TestLoopHookOrderAndCounts(t *testing.T) {
	cfg := toyConfig(t)
	cfg.NumTrainEpochs = 2

	m := newScriptedModel(3, []float64{0.5, 0.4}, [][]int{{1, 2}})
	loop, err := NewLoop(cfg, m)
	require.NoError(t, err)
	trainDS, validDS := newLoopDatasets()

	var order []string
	loop.OnStart("start", 0, func(*Loop, Dataset) error {
		order = append(order, "start")
		return nil
	})
	steps := 0
	loop.OnStep("count", 0, func(*Loop, float64) error {
		steps++
		return nil
	})
	loop.OnEnd("end", 0, func(*Loop, *Result) error {
		order = append(order, "end")
		return nil
	})

	result, err := loop.Run(trainDS, validDS)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "end"}, order)
	assert.Equal(t, 4, steps, "2 epochs x 2 batches")
	assert.Equal(t, 4, loop.GlobalStep)
	assert.Equal(t, result.CheckpointDir, cfg.CheckpointDir())
	assert.True(t, checkpoints.Exists(result.CheckpointDir))
}
