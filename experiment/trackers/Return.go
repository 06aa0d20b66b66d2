package trackers

import (
	ts "github.com/samuelfneumann/godotppo/timestep"
)

// Return tracks and saves the episodic return in an experiment. When
// an environment returns a TimeStep, this Tracker will extract the
// reward and accumulate the return for each episode in the experiment.
//
// Note: An episode must finish for this Tracker to save its data.
// If the last episode in an experiment does not finish, that episode's
// return will not be saved.
type Return struct {
	currentReturn  float64
	episodeReturns []float64
	filename       string
}

// NewReturn creates and returns a new *Return Tracker
func NewReturn(filename string) *Return {
	return &Return{filename: filename}
}

// Track tracks the rewards seen on a timestep. A First timestep starts
// accumulating a new episode, discarding any unfinished episode before
// it. A Last timestep caches the accumulated return.
func (r *Return) Track(step ts.TimeStep) {
	if step.First() {
		r.currentReturn = 0.0
	}
	r.currentReturn += step.Reward

	if step.Last() {
		r.episodeReturns = append(r.episodeReturns, r.currentReturn)
		r.currentReturn = 0.0
	}
}

// Current returns the return accumulated so far in the running episode
func (r *Return) Current() float64 {
	return r.currentReturn
}

// Data returns the returns of all finished episodes
func (r *Return) Data() []float64 {
	out := make([]float64, len(r.episodeReturns))
	copy(out, r.episodeReturns)
	return out
}

// Save saves the data tracked by the Return Tracker to disk.
func (r *Return) Save() error {
	return r.SaveTo(r.filename)
}

// SaveTo saves the data tracked by the Return Tracker to filename
func (r *Return) SaveTo(filename string) error {
	return save(filename, r.episodeReturns)
}
