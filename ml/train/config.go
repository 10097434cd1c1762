package train

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Monitored validation quantities driving checkpoint selection and early
// stopping.
const (
	MonitorLoss  = "loss"
	MonitorScore = "score"
)

var validMonitors = map[string]bool{
	MonitorLoss:  true,
	MonitorScore: true,
}

// Config holds the full run configuration. It is persisted verbatim as
// training_args.json next to every checkpoint, so a saved model always
// carries the hyperparameters that produced it.
type Config struct {
	// Mode tags how the KB embeddings are injected into the encoder. Part of
	// the run identity (checkpoint directory name) but otherwise opaque here.
	Mode string `json:"mode"`

	// TaskName of the classification task, e.g. "chemprot".
	TaskName string `json:"task_name"`

	// NumLabels is the label count L; class 0 is the background class.
	NumLabels int `json:"num_labels"`

	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`

	// NumTrainEpochs is the fixed epoch count without early stopping;
	// MaxNumEpochs is the cap when early stopping is enabled.
	NumTrainEpochs int  `json:"num_train_epochs"`
	MaxNumEpochs   int  `json:"max_num_epochs"`
	EarlyStopping  bool `json:"early_stopping"`

	// Patience is the number of consecutive non-improving epochs tolerated
	// before early stopping triggers.
	Patience int `json:"patience"`

	// Monitor selects the validation quantity ("loss" or "score") that
	// drives both checkpoint selection and early stopping.
	Monitor string `json:"monitor"`

	// Warmup enables the linear warmup/decay learning-rate schedule;
	// WarmupRatio is the fraction of total steps spent ramping up.
	Warmup      bool    `json:"warmup"`
	WarmupRatio float64 `json:"warmup_ratio"`

	// MaxGradNorm clips the global gradient norm per step. <= 0 disables.
	MaxGradNorm float64 `json:"max_grad_norm"`

	// LoggingSteps is the cadence of running-average train loss logs.
	// <= 0 disables periodic logging.
	LoggingSteps int `json:"logging_steps"`

	Seed  int64  `json:"seed"`
	RunID string `json:"run_id"`

	// OutputDir is the root under which the run directory (RunName) with
	// checkpoints and prediction artifacts is written.
	OutputDir string `json:"output_dir"`

	// EmbeddingsDir holds the KB entity/relation embedding .npy tables;
	// TrivialKBEmbeddings selects the trivial (ablation) tables instead.
	EmbeddingsDir       string `json:"emb_dir"`
	TrivialKBEmbeddings bool   `json:"test_trivial_kb_embedding"`

	// SaveHalf stores checkpoint weights as float16.
	SaveHalf bool `json:"save_half"`
}

// Validate returns an error on configurations the loop cannot run.
func (c *Config) Validate() error {
	if !validMonitors[c.Monitor] {
		monitors := maps.Keys(validMonitors)
		sort.Strings(monitors)
		return errors.Errorf("monitor must be one of %v, got %q", monitors, c.Monitor)
	}
	if c.NumLabels < 2 {
		return errors.Errorf("num_labels must be >= 2, got %d", c.NumLabels)
	}
	if c.Epochs() <= 0 {
		return errors.Errorf("epoch budget must be > 0, got %d (early_stopping=%v)",
			c.Epochs(), c.EarlyStopping)
	}
	if c.EarlyStopping && c.Patience <= 0 {
		return errors.Errorf("early stopping requires patience > 0, got %d", c.Patience)
	}
	if c.Warmup && (c.WarmupRatio < 0 || c.WarmupRatio > 1) {
		return errors.Errorf("warmup_ratio must be in [0, 1], got %g", c.WarmupRatio)
	}
	return nil
}

// Epochs returns the epoch budget: the fixed count, or the cap when early
// stopping is enabled.
func (c *Config) Epochs() int {
	if c.EarlyStopping {
		return c.MaxNumEpochs
	}
	return c.NumTrainEpochs
}

// RunName is the deterministic directory name of a run: repeated runs with
// identical mode, task, learning rate and seed share it, so they overwrite
// each other's checkpoints.
func (c *Config) RunName() string {
	return fmt.Sprintf("%s_%s_%g_%d", c.Mode, c.TaskName, c.LearningRate, c.Seed)
}

// RunDir is the per-run output directory under OutputDir.
func (c *Config) RunDir() string {
	return filepath.Join(c.OutputDir, c.RunName())
}

// CheckpointDir is where the best model of the run is persisted.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.RunDir(), "model")
}
