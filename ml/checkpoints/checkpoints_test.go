package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/medkb/kbert/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArgs struct {
	TaskName     string  `json:"task_name"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

func newParams() []*model.Parameter {
	w := model.NewParameter("classifier/weights", 2, 3)
	copy(w.Value, []float32{0.5, -1.25, 3, 0.125, -0.5, 2})
	b := model.NewParameter("classifier/bias", 2)
	copy(b.Value, []float32{0.75, -0.25})
	return []*model.Parameter{w, b}
}

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run", "model")
	handler, err := Build(dir).Done()
	require.NoError(t, err)

	params := newParams()
	args := fakeArgs{TaskName: "chemprot", LearningRate: 5e-5, Seed: 1234}
	require.NoError(t, handler.Save(params, args))
	assert.True(t, Exists(dir))

	restored := []*model.Parameter{
		model.NewParameter("classifier/weights", 2, 3),
		model.NewParameter("classifier/bias", 2),
	}
	require.NoError(t, handler.Load(restored))
	assert.Equal(t, params[0].Value, restored[0].Value)
	assert.Equal(t, params[1].Value, restored[1].Value)

	var loadedArgs fakeArgs
	require.NoError(t, LoadArgs(dir, &loadedArgs))
	assert.Equal(t, args, loadedArgs)
}

func TestSaveOverwritesInPlace(t *testing.T) {
	dir := t.TempDir()
	handler, err := Build(dir).Done()
	require.NoError(t, err)

	params := newParams()
	require.NoError(t, handler.Save(params, fakeArgs{Seed: 1}))
	params[0].Value[0] = 99
	require.NoError(t, handler.Save(params, fakeArgs{Seed: 2}))

	restored := []*model.Parameter{
		model.NewParameter("classifier/weights", 2, 3),
		model.NewParameter("classifier/bias", 2),
	}
	require.NoError(t, handler.Load(restored))
	assert.Equal(t, float32(99), restored[0].Value[0])

	var loadedArgs fakeArgs
	require.NoError(t, LoadArgs(dir, &loadedArgs))
	assert.Equal(t, int64(2), loadedArgs.Seed)
}

func TestHalfPrecisionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	handler, err := Build(dir).HalfPrecision().Done()
	require.NoError(t, err)

	params := newParams()
	require.NoError(t, handler.Save(params, fakeArgs{}))

	restored := []*model.Parameter{
		model.NewParameter("classifier/weights", 2, 3),
		model.NewParameter("classifier/bias", 2),
	}
	require.NoError(t, handler.Load(restored))
	// The test values are exactly representable in float16.
	assert.Equal(t, params[0].Value, restored[0].Value)
	assert.Equal(t, params[1].Value, restored[1].Value)
}

func TestLoadRejectsMismatchedDims(t *testing.T) {
	dir := t.TempDir()
	handler, err := Build(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save(newParams(), fakeArgs{}))

	wrong := []*model.Parameter{model.NewParameter("classifier/weights", 3, 2)}
	assert.Error(t, handler.Load(wrong))

	missing := []*model.Parameter{model.NewParameter("other/weights", 2, 3)}
	assert.Error(t, handler.Load(missing))
}

func TestBuildRejectsFileAsDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not_a_dir")
	require.NoError(t, writeJSON(path, map[string]int{"x": 1}))
	_, err := Build(path).Done()
	assert.Error(t, err)
}
