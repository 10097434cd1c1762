// Package train implements the fine-tuning control loop: supervised
// training with warmup scheduling and gradient clipping, per-epoch
// validation, checkpoint selection on a monitored metric, and early
// stopping.
package train

import (
	"io"
	"math"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/medkb/kbert/ml/checkpoints"
	"github.com/medkb/kbert/ml/model"
	"github.com/medkb/kbert/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values run first. Defaults to 0, negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks, called once before the first step.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks, called after every training step
// with that step's loss.
type OnStepFn func(loop *Loop, loss float64) error

// OnEpochFn is the type of OnEpoch hooks, called after each epoch's
// validation.
type OnEpochFn func(loop *Loop, record EpochRecord) error

// OnEndFn is the type of OnEnd hooks, called once after the loop finishes.
type OnEndFn func(loop *Loop, result *Result) error

// EpochRecord is one entry of the training history.
type EpochRecord struct {
	Epoch      int     `json:"epoch"`
	TrainLoss  float64 `json:"train_loss"`
	ValidLoss  float64 `json:"validation_loss"`
	ValidScore float64 `json:"validation_score"`
}

// Result of a training run.
type Result struct {
	// CheckpointDir holds the best model found, with its training args.
	CheckpointDir string

	// History has one record per completed epoch.
	History []EpochRecord

	// BestEpoch is the 0-based epoch whose checkpoint is in CheckpointDir.
	BestEpoch int

	// StoppedEarly is set when the early-stopping window triggered before
	// the epoch budget was exhausted.
	StoppedEarly bool
}

// Loop runs the fine-tuning of a model: per step it forwards a batch,
// backpropagates, clips the gradient norm, applies one optimizer (and
// schedule) step and zeroes the gradients; per epoch it validates, selects
// the best checkpoint by the monitored metric and feeds the early-stopping
// state machine.
//
// Functionality can be attached via hooks (progress bars, plotting, ...).
// The public attributes are meant for reading only.
type Loop struct {
	// Config of the run. Read-only after NewLoop.
	Config *Config

	// Model being fine-tuned.
	Model model.Model

	// GlobalStep counts optimizer steps across all epochs.
	GlobalStep int

	// Epoch currently being executed, starting from 0.
	Epoch int

	// TotalSteps is len(trainDS) * epoch budget, set at the start of Run.
	TotalSteps int

	evaluator *Evaluator
	optimizer optimizers.Interface

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop for the given run configuration and model.
func NewLoop(config *Config, m model.Model) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "train.NewLoop")
	}
	return &Loop{
		Config:    config,
		Model:     m,
		evaluator: NewEvaluator(config.NumLabels),
		onStart:   newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:    newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:   newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:     newPriorityHooks[*hookWithName[OnEndFn]](),
	}, nil
}

// session is the mutable state of one Run: optimization counters, the
// best-checkpoint trackers and the histories. It is threaded through the
// loop body explicitly.
type session struct {
	// Per-epoch accumulators.
	trainLoss   float64
	loggingLoss float64
	gradNorm    float64
	epochSteps  int

	// Best-checkpoint state, by the monitored quantity.
	bestLoss  float64 // sentinel +Inf
	bestScore float64 // sentinel -Inf
	bestEpoch int

	// Previous-epoch values used by early stopping. These are deliberately
	// separate from the best-ever trackers above: "improved" means better
	// than the previous epoch, not better than the best seen.
	prevLoss  float64 // sentinel +Inf
	prevScore float64 // sentinel -Inf

	history []EpochRecord
	stopper *EarlyStopper
}

func newSession(patience int) *session {
	return &session{
		bestLoss:  math.Inf(1),
		bestScore: math.Inf(-1),
		prevLoss:  math.Inf(1),
		prevScore: math.Inf(-1),
		stopper:   NewEarlyStopper(patience),
	}
}

// Run executes up to the configured number of epochs over trainDS,
// validating on validDS once per epoch, and returns the best checkpoint
// location, the per-epoch history and the best epoch index.
//
// There are no retries: the first failure in a forward/backward pass,
// dataset read or checkpoint write aborts the run. Checkpoints already
// written remain on disk.
func (loop *Loop) Run(trainDS, validDS Dataset) (*Result, error) {
	cfg := loop.Config
	epochs := cfg.Epochs()
	loop.TotalSteps = trainDS.Len() * epochs
	loop.GlobalStep = 0

	klog.Infof("number of parameters: %s", humanize.Comma(int64(model.NumParams(loop.Model))))
	klog.Infof("learning rate: %g", cfg.LearningRate)

	opt := optimizers.AdamW(loop.Model.Parameters()).
		LearningRate(cfg.LearningRate).
		WeightDecay(cfg.WeightDecay)
	if cfg.Warmup {
		warmupSteps := optimizers.WarmupSteps(cfg.WarmupRatio, loop.TotalSteps)
		opt.WithSchedule(optimizers.LinearWarmup(warmupSteps, loop.TotalSteps))
		klog.Infof("use warmup: %d%% steps for warmup.", int(cfg.WarmupRatio*100))
	}
	loop.optimizer = opt.Done()

	handlerCfg := checkpoints.Build(cfg.CheckpointDir())
	if cfg.SaveHalf {
		handlerCfg.HalfPrecision()
	}
	handler, err := handlerCfg.Done()
	if err != nil {
		return nil, errors.WithMessage(err, "creating checkpoint handler")
	}

	klog.Infof("***** Running training *****")
	klog.Infof("  Num batches = %d", trainDS.Len())
	klog.Infof("  Num Epochs = %d; number of steps = %d", epochs, loop.TotalSteps)
	klog.Infof("  Instantaneous batch size = %d", cfg.BatchSize)

	if err := loop.start(trainDS); err != nil {
		return nil, err
	}

	sess := newSession(cfg.Patience)
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		if err := loop.runEpoch(sess, trainDS); err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", loop.Epoch)
		}

		devLoss, devScore, err := loop.evaluator.Validate(validDS, loop.Model)
		if err != nil {
			return nil, errors.WithMessagef(err, "validation after epoch %d", loop.Epoch)
		}
		record := EpochRecord{
			Epoch:      loop.Epoch,
			TrainLoss:  sess.trainLoss / float64(max(1, sess.epochSteps)),
			ValidLoss:  devLoss,
			ValidScore: devScore,
		}
		sess.history = append(sess.history, record)

		if cfg.Warmup {
			klog.Infof("current lr = %g", loop.optimizer.EffectiveLR())
		}
		klog.Infof("validation loss = %g | validation F1-score = %g | epoch = %d",
			devLoss, devScore, loop.Epoch)
		klog.V(1).Infof("epoch %d mean gradient norm = %g",
			loop.Epoch, sess.gradNorm/float64(max(1, sess.epochSteps)))

		// Checkpoint selection: strictly better than the best seen so far.
		if cfg.Monitor == MonitorLoss && devLoss < sess.bestLoss {
			sess.bestLoss = devLoss
			sess.bestEpoch = loop.Epoch
			if err := handler.Save(loop.Model.Parameters(), cfg); err != nil {
				return nil, errors.WithMessagef(err, "persisting checkpoint at epoch %d", loop.Epoch)
			}
			klog.Infof("new best model! saved.")
		}
		if cfg.Monitor == MonitorScore && devScore > sess.bestScore {
			sess.bestScore = devScore
			sess.bestEpoch = loop.Epoch
			if err := handler.Save(loop.Model.Parameters(), cfg); err != nil {
				return nil, errors.WithMessagef(err, "persisting checkpoint at epoch %d", loop.Epoch)
			}
			klog.Infof("new best model! saved.")
		}

		if err := loop.epochHooks(record); err != nil {
			return nil, err
		}

		// Early stopping compares against the previous epoch, not the best
		// ever. Loss improves on strict <, score on non-strict >=.
		if cfg.EarlyStopping && cfg.Monitor == MonitorLoss {
			if sess.stopper.Observe(devLoss < sess.prevLoss) {
				klog.Infof("early stopping triggered: best loss on validation set: %g at epoch %d.",
					sess.bestLoss, sess.bestEpoch)
				break
			}
			sess.prevLoss = devLoss
		}
		if cfg.EarlyStopping && cfg.Monitor == MonitorScore {
			if sess.stopper.Observe(devScore >= sess.prevScore) {
				klog.Infof("early stopping triggered: best F-score on validation set: %g at epoch %d.",
					sess.bestScore, sess.bestEpoch)
				break
			}
			sess.prevScore = devScore
		}
	}

	result := &Result{
		CheckpointDir: handler.Dir(),
		History:       sess.history,
		BestEpoch:     sess.bestEpoch,
		StoppedEarly:  sess.stopper.Stopped(),
	}
	if err := loop.end(result); err != nil {
		return nil, err
	}
	return result, nil
}

// runEpoch drives one full pass over the training dataset.
func (loop *Loop) runEpoch(sess *session, trainDS Dataset) error {
	cfg := loop.Config
	sess.trainLoss = 0
	sess.loggingLoss = 0
	sess.gradNorm = 0
	sess.epochSteps = 0

	for step := 0; ; step++ {
		batch, err := trainDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "failed reading from dataset %q", trainDS.Name())
		}

		fwd, err := loop.Model.TrainForward(batch)
		if err != nil {
			return errors.WithMessagef(err, "train step %d (global step %d)", step, loop.GlobalStep)
		}
		if math.IsNaN(fwd.Loss) {
			return errors.Errorf("batch loss is NaN at global step %d, training interrupted", loop.GlobalStep)
		}
		if math.IsInf(fwd.Loss, 0) {
			return errors.Errorf("batch loss is infinity (%f) at global step %d, training interrupted",
				fwd.Loss, loop.GlobalStep)
		}

		sess.gradNorm += optimizers.ClipGradNorm(loop.Model.Parameters(), cfg.MaxGradNorm)
		sess.trainLoss += fwd.Loss

		if err := loop.optimizer.Step(); err != nil {
			return errors.WithMessagef(err, "optimizer step %d", loop.GlobalStep)
		}
		loop.optimizer.ZeroGrad()
		loop.GlobalStep++
		sess.epochSteps++

		if cfg.LoggingSteps > 0 && (step+1)%cfg.LoggingSteps == 0 {
			klog.Infof("training loss = %g | global step = %d",
				(sess.trainLoss-sess.loggingLoss)/float64(cfg.LoggingSteps), loop.GlobalStep)
			sess.loggingLoss = sess.trainLoss
		}

		if err := loop.stepHooks(fwd.Loss); err != nil {
			return err
		}
	}
	return trainDS.Reset()
}

// start calls the OnStart hooks.
func (loop *Loop) start(ds Dataset) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			return
		}
		if err = hook.fn(loop, ds); err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// stepHooks calls the OnStep hooks.
func (loop *Loop) stepHooks(loss float64) (err error) {
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		if err = hook.fn(loop, loss); err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

// epochHooks calls the OnEpoch hooks.
func (loop *Loop) epochHooks(record EpochRecord) (err error) {
	loop.onEpoch.Enumerate(func(hook *hookWithName[OnEpochFn]) {
		if err != nil {
			return
		}
		if err = hook.fn(loop, record); err != nil {
			err = errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
		}
	})
	return
}

// end calls the OnEnd hooks.
func (loop *Loop) end(result *Result) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		if err = hook.fn(loop, result); err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// OnStart adds a hook with the given priority and name (for error reporting)
// to the start of the run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook called after every training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook called after each epoch's validation.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook called once after the run finishes.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks of type H per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
