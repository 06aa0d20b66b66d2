package wrappers

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/experiment/trackers"
	ts "github.com/samuelfneumann/godotppo/timestep"
)

// EpisodeKey is the TimeStep.Info key under which a Monitor reports the
// statistics of an episode when it ends
const EpisodeKey = "episode"

// EpisodeStats summarizes a finished episode
type EpisodeStats struct {
	Reward float64 `json:"r"`
	Length int     `json:"l"`
	Time   float64 `json:"t"` // Seconds since the Monitor was created
}

// Monitor wraps an environment and records the length, cumulative
// reward, and wall time of each episode. Monitor itself implements the
// environment.Environment interface, and actions, observations, and
// rewards pass through it unchanged.
//
// When an episode ends, the Last TimeStep returned by Step carries an
// EpisodeStats value in its Info map under EpisodeKey.
type Monitor struct {
	environment.Environment

	returns    *trackers.Return
	lengths    *trackers.EpisodeLength
	times      []float64
	start      time.Time
	totalSteps int
}

// NewMonitor returns a new Monitor wrapping env
func NewMonitor(env environment.Environment) *Monitor {
	return &Monitor{
		Environment: env,
		returns:     trackers.NewReturn("episode_returns.bin"),
		lengths:     trackers.NewEpisodeLength("episode_lengths.bin"),
		start:       time.Now(),
	}
}

// Reset resets the wrapped environment. An unfinished episode is
// discarded.
func (m *Monitor) Reset() (ts.TimeStep, error) {
	step, err := m.Environment.Reset()
	if err != nil {
		return step, err
	}
	m.track(step)

	return step, nil
}

// Step takes one environmental step given action a and returns the next
// timestep and a bool indicating whether or not the episode has ended.
func (m *Monitor) Step(a *mat.VecDense) (ts.TimeStep, bool, error) {
	step, done, err := m.Environment.Step(a)
	if err != nil {
		return step, done, err
	}
	m.totalSteps++
	m.track(step)

	if step.Last() {
		elapsed := time.Since(m.start).Seconds()
		m.times = append(m.times, elapsed)

		returns := m.returns.Data()
		lengths := m.lengths.Data()
		step.SetInfo(EpisodeKey, EpisodeStats{
			Reward: returns[len(returns)-1],
			Length: lengths[len(lengths)-1],
			Time:   elapsed,
		})
	}

	return step, done, nil
}

// track sends step to each tracker
func (m *Monitor) track(step ts.TimeStep) {
	m.returns.Track(step)
	m.lengths.Track(step)
}

// EpisodeRewards returns the cumulative reward of each finished episode
func (m *Monitor) EpisodeRewards() []float64 {
	return m.returns.Data()
}

// EpisodeLengths returns the length of each finished episode
func (m *Monitor) EpisodeLengths() []int {
	return m.lengths.Data()
}

// EpisodeTimes returns the wall time, in seconds since the Monitor was
// created, at which each episode finished
func (m *Monitor) EpisodeTimes() []float64 {
	out := make([]float64, len(m.times))
	copy(out, m.times)
	return out
}

// TotalSteps returns the number of steps taken in the wrapped environment
func (m *Monitor) TotalSteps() int {
	return m.totalSteps
}

// Save saves the episode returns and lengths tracked so far to dir
func (m *Monitor) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "save")
	}

	err := m.returns.SaveTo(filepath.Join(dir, "episode_returns.bin"))
	if err != nil {
		return err
	}
	return m.lengths.SaveTo(filepath.Join(dir, "episode_lengths.bin"))
}
