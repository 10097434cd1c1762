package train

import (
	"github.com/medkb/kbert/ml/model"
)

// Dataset provides the data, one batch at a time. It is the batch-sequence
// provider of the training loop and the evaluator: a finite, restartable,
// ordered sequence of batches whose length is known ahead of time (the loop
// uses it to compute the total step count for the warmup schedule).
type Dataset interface {
	// Name identifies the dataset. Used for logging.
	Name() string

	// Len returns the number of batches of one full pass.
	Len() int

	// Yield returns the next batch, or io.EOF at the end of a pass. Any
	// other error interrupts training/evaluation and is returned to the
	// caller.
	Yield() (model.Batch, error)

	// Reset restarts the dataset from the beginning. Called after io.EOF is
	// reached, for instance at the end of an epoch.
	Reset() error
}
