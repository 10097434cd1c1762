package optimizers

// This file implements learning rate schedules.

// Schedule maps a 0-based optimizer step to a learning-rate multiplier.
type Schedule func(step int) float64

// WarmupSteps converts a warmup ratio into a step count, given the total
// number of training steps.
func WarmupSteps(warmupRatio float64, totalSteps int) int {
	return int(warmupRatio * float64(totalSteps))
}

// LinearWarmup returns a schedule that ramps the learning rate linearly from
// zero over warmupSteps steps, then decays it linearly to zero at totalSteps.
//
// The multiplier at step s is s/warmupSteps during warmup, and
// (totalSteps-s)/(totalSteps-warmupSteps) afterward, floored at zero.
func LinearWarmup(warmupSteps, totalSteps int) Schedule {
	return func(step int) float64 {
		if step < warmupSteps {
			return float64(step) / float64(max(1, warmupSteps))
		}
		remaining := float64(totalSteps-step) / float64(max(1, totalSteps-warmupSteps))
		return max(0.0, remaining)
	}
}

// Constant returns a schedule with a fixed multiplier of 1.
func Constant() Schedule {
	return func(int) float64 { return 1.0 }
}
