// kbert_train fine-tunes a KB-embedding-augmented classifier on a
// pre-tokenized task and writes the best checkpoint, the prediction
// artifacts (dev_preds.npy, test_preds.npy) and the training-history plot
// under a deterministic run directory.
//
// Example:
//
//	kbert_train --data_dir=data/chemprot --emb_dir=data/kb \
//	    --task_name=chemprot --num_labels=13 --learning_rate=2e-5 \
//	    --early_stopping --max_num_epochs=30 --patience=5 --monitor=score
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/medkb/kbert/ml/checkpoints"
	"github.com/medkb/kbert/ml/data"
	"github.com/medkb/kbert/ml/model"
	"github.com/medkb/kbert/ml/train"
	"github.com/medkb/kbert/ui/commandline"
	"github.com/medkb/kbert/ui/plots"
	"k8s.io/klog/v2"
)

var (
	flagDataDir = flag.String("data_dir", "", "Directory with train.jsonl, dev.jsonl and test.jsonl splits.")
	flagEmbDir  = flag.String("emb_dir", "", "Directory with the KB entity/relation embedding .npy tables.")
	flagOutput  = flag.String("output_dir", "output", "Root directory for run outputs. Each run writes under "+
		"<output_dir>/<mode>_<task_name>_<learning_rate>_<seed>/; repeated identical runs overwrite.")

	flagMode      = flag.String("mode", "inject", "How KB embeddings are injected into the encoder. Part of the run name.")
	flagTaskName  = flag.String("task_name", "", "Name of the classification task, e.g. \"chemprot\".")
	flagNumLabels = flag.Int("num_labels", 0, "Number of classes. Class 0 is the background class, excluded from the F1 score.")

	flagBatchSize    = flag.Int("batch_size", 32, "Training and evaluation batch size.")
	flagLearningRate = flag.Float64("learning_rate", 2e-5, "Base AdamW learning rate.")
	flagWeightDecay  = flag.Float64("weight_decay", 0.01, "Decoupled weight decay.")
	flagMaxGradNorm  = flag.Float64("max_grad_norm", 1.0, "Global gradient-norm clip per step. <= 0 disables.")

	flagNumEpochs     = flag.Int("num_train_epochs", 3, "Fixed number of epochs when early stopping is off.")
	flagMaxEpochs     = flag.Int("max_num_epochs", 30, "Epoch cap when early stopping is on.")
	flagEarlyStopping = flag.Bool("early_stopping", false, "Stop when the monitored value fails to improve over the previous "+
		"epoch for more than --patience consecutive epochs.")
	flagPatience = flag.Int("patience", 5, "Consecutive non-improving epochs tolerated before stopping.")
	flagMonitor  = flag.String("monitor", train.MonitorLoss, "Validation quantity driving checkpoint selection and early "+
		"stopping: \"loss\" or \"score\".")

	flagWarmup      = flag.Bool("warmup", false, "Enable the linear warmup/decay learning-rate schedule.")
	flagWarmupRatio = flag.Float64("warmup_ratio", 0.1, "Fraction of total steps spent ramping the learning rate up.")

	flagLoggingSteps = flag.Int("logging_steps", 50, "Steps between running-average train loss logs. <= 0 disables.")
	flagSeed         = flag.Int64("seed", 42, "Random seed for model initialization. Part of the run name.")
	flagRunID        = flag.String("run_id", "", "Run identifier recorded in training_args.json. Defaults to a fresh UUID.")

	flagTrivialKB = flag.Bool("test_trivial_kb_embedding", false, "Load the trivial_* ablation embedding tables instead of "+
		"the real KB tables.")
	flagSaveHalf = flag.Bool("save_half", false, "Store checkpoint weights as float16.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagDataDir == "" || *flagEmbDir == "" || *flagTaskName == "" || *flagNumLabels < 2 {
		klog.Exitf("--data_dir, --emb_dir, --task_name and --num_labels (>= 2) are required. See 'kbert_train -help'.")
	}

	cfg := &train.Config{
		Mode:                *flagMode,
		TaskName:            *flagTaskName,
		NumLabels:           *flagNumLabels,
		BatchSize:           *flagBatchSize,
		LearningRate:        *flagLearningRate,
		WeightDecay:         *flagWeightDecay,
		NumTrainEpochs:      *flagNumEpochs,
		MaxNumEpochs:        *flagMaxEpochs,
		EarlyStopping:       *flagEarlyStopping,
		Patience:            *flagPatience,
		Monitor:             *flagMonitor,
		Warmup:              *flagWarmup,
		WarmupRatio:         *flagWarmupRatio,
		MaxGradNorm:         *flagMaxGradNorm,
		LoggingSteps:        *flagLoggingSteps,
		Seed:                *flagSeed,
		RunID:               *flagRunID,
		OutputDir:           *flagOutput,
		EmbeddingsDir:       *flagEmbDir,
		TrivialKBEmbeddings: *flagTrivialKB,
		SaveHalf:            *flagSaveHalf,
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	klog.Infof("run %s (%s)", cfg.RunName(), cfg.RunID)

	trainAndPredict(cfg)
}

func trainAndPredict(cfg *train.Config) {
	start := time.Now()

	embeddings := must.M1(data.LoadEmbeddings(cfg.EmbeddingsDir, cfg.TrivialKBEmbeddings))

	trainExamples := must.M1(data.ReadExamples(filepath.Join(*flagDataDir, "train.jsonl")))
	devExamples := must.M1(data.ReadExamples(filepath.Join(*flagDataDir, "dev.jsonl")))
	testExamples := must.M1(data.ReadExamples(filepath.Join(*flagDataDir, "test.jsonl")))
	klog.Infof("loaded %d train / %d dev / %d test examples", len(trainExamples), len(devExamples), len(testExamples))

	trainDS := must.M1(data.Batched("train", trainExamples, cfg.BatchSize, true))
	devDS := must.M1(data.Batched("dev", devExamples, cfg.BatchSize, true))
	testDS := must.M1(data.Batched("test", testExamples, cfg.BatchSize, false))

	numFeatures := len(trainExamples[0].Features)
	classifier := must.M1(model.NewLinear(numFeatures, cfg.NumLabels).
		WithEntityEmbeddings(embeddings.Entities).
		WithRelationEmbeddings(embeddings.Relations).
		WithSeed(cfg.Seed).
		Done())

	loop := must.M1(train.NewLoop(cfg, classifier))
	commandline.AttachProgressBar(loop)
	result := must.M1(loop.Run(trainDS, devDS))

	// Predictions come from the best checkpoint, not the last epoch's state.
	handler := must.M1(checkpoints.Build(result.CheckpointDir).Done())
	must.M(handler.Load(classifier.Parameters()))

	evaluator := train.NewEvaluator(cfg.NumLabels)
	devPreds := must.M1(evaluator.PredictOneHot(devDS, classifier))
	must.M(data.WriteMatrix(filepath.Join(cfg.RunDir(), "dev_preds.npy"), devPreds))
	testPreds := must.M1(evaluator.PredictClasses(testDS, classifier))
	must.M(data.WriteClasses(filepath.Join(cfg.RunDir(), "test_preds.npy"), testPreds))
	klog.Infof("wrote prediction artifacts to %s", cfg.RunDir())

	historyPath := filepath.Join(cfg.RunDir(), plots.HistoryFileName)
	if err := plots.PlotHistory(result.History, historyPath); err != nil {
		klog.Errorf("could not render training history: %+v", err)
	}

	fmt.Fprintln(os.Stdout, commandline.RunSummary(cfg, result, time.Since(start)))
}
