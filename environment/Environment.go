// Package environment outlines the interfaces and structs needed to
// implement concrete environments
package environment

import (
	"gonum.org/v1/gonum/mat"

	ts "github.com/samuelfneumann/godotppo/timestep"
)

// Starter implements a distribution of starting states and samples starting
// states for environments
type Starter interface {
	Start() *mat.VecDense
}

// Ender determines when an episode should end. If the episode should
// end, End marks the TimeStep as the last step of the episode.
type Ender interface {
	End(*ts.TimeStep) bool
}

// Environment implements an environment that an agent can interact with.
//
// Reset starts a new episode and returns its first TimeStep. Step takes
// an action in the environment and returns the next TimeStep along with
// whether the episode has ended, either by termination or truncation.
// Close releases any resources held by the environment and must be safe
// to call more than once.
type Environment interface {
	Reset() (ts.TimeStep, error)
	Step(action *mat.VecDense) (ts.TimeStep, bool, error)
	ObservationSpec() Spec
	ActionSpec() Spec
	Close() error
}
