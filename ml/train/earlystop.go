package train

// EarlyStopper is the early-stopping state machine: it records one
// improvement flag per epoch and flips to stopped when the trailing window
// of size patience holds no improvement AND the total history is already
// longer than patience. Once stopped it never resumes.
//
// The full history is retained; only the trailing window is ever examined.
type EarlyStopper struct {
	patience int
	history  []bool
	stopped  bool
}

// NewEarlyStopper creates a stopper with the given patience window.
func NewEarlyStopper(patience int) *EarlyStopper {
	return &EarlyStopper{patience: patience}
}

// Observe records this epoch's improvement flag and returns whether the run
// must stop. An improving epoch never triggers the window check, matching
// the reference trace exactly: the check runs only on non-improving epochs,
// and only once more than patience epochs have been observed in total.
func (s *EarlyStopper) Observe(improved bool) bool {
	if s.stopped {
		return true
	}
	s.history = append(s.history, improved)
	if improved {
		return false
	}
	if len(s.history) <= s.patience {
		return false
	}
	for _, ok := range s.history[len(s.history)-s.patience:] {
		if ok {
			return false
		}
	}
	s.stopped = true
	return true
}

// Stopped reports whether the state machine reached its terminal state.
func (s *EarlyStopper) Stopped() bool { return s.stopped }

// History returns the recorded improvement flags, one per observed epoch.
func (s *EarlyStopper) History() []bool { return s.history }
