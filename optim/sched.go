package optim

import "math"

// LRState is the serializable snapshot of a scheduler.
type LRState struct {
	BaseLR    float64
	StepSize  int
	Gamma     float64
	LastEpoch int
}

// StepLR decays the learning rate by Gamma every StepSize epochs. Step is
// called exactly once per epoch, after the epoch's batches.
type StepLR struct {
	base      float64
	stepSize  int
	gamma     float64
	lastEpoch int
}

// NewStepLR creates a scheduler that starts at the solver's configured
// base learning rate.
func NewStepLR(base float64, stepSize int, gamma float64) *StepLR {
	return &StepLR{base: base, stepSize: stepSize, gamma: gamma, lastEpoch: -1}
}

// LastEpoch reports how many times Step has run, for logging parity with
// the learning rate.
func (s *StepLR) LastEpoch() int { return s.lastEpoch }

// Rate returns the learning rate for the current position in the schedule.
func (s *StepLR) Rate() float64 {
	if s.lastEpoch < 0 {
		return s.base
	}
	return s.base * math.Pow(s.gamma, math.Floor(float64(s.lastEpoch+1)/float64(s.stepSize)))
}

// Step advances the schedule by one epoch and pushes the resulting rate
// into the solver.
func (s *StepLR) Step(solver Solver) {
	s.lastEpoch++
	solver.SetLearnRate(s.Rate())
}

// State snapshots the schedule for checkpointing.
func (s *StepLR) State() LRState {
	return LRState{BaseLR: s.base, StepSize: s.stepSize, Gamma: s.gamma, LastEpoch: s.lastEpoch}
}

// Restore resumes the schedule from a checkpoint snapshot.
func (s *StepLR) Restore(st LRState) {
	s.base = st.BaseLR
	s.stepSize = st.StepSize
	s.gamma = st.Gamma
	s.lastEpoch = st.LastEpoch
}
