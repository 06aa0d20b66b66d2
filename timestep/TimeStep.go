// Package timestep implements timesteps of the agent-environment interaction
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepType denotes the type of step that a TimeStep can be, either  first
// environmental step, a middle step, or a last step
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// TimeStep packages together a single timestep in an environment.
//
// A Last TimeStep either terminated (the environment reached a terminal
// state) or was truncated (the episode was cut off, e.g. by a step
// limit, and the state after it still has value). Truncated is only
// meaningful on Last steps.
type TimeStep struct {
	StepType
	Reward      float64
	Discount    float64
	Observation *mat.VecDense
	Number      int
	Truncated   bool

	// Info holds auxiliary data reported by an environment or added by
	// environment wrappers
	Info map[string]interface{}
}

// New returns a new TimeStep
func New(t StepType, r, d float64, o *mat.VecDense, n int) TimeStep {
	return TimeStep{
		StepType:    t,
		Reward:      r,
		Discount:    d,
		Observation: o,
		Number:      n,
	}
}

// First returns whether a TimeStep is the first in an environment
func (t TimeStep) First() bool {
	return t.StepType == First
}

// Mid returns whether a TimeStep is a middle step in an environment
func (t TimeStep) Mid() bool {
	return t.StepType == Mid
}

// Last returns whether a TimeStep is the last step in an environment
func (t TimeStep) Last() bool {
	return t.StepType == Last
}

// Terminated returns whether the episode ended in a terminal state
func (t TimeStep) Terminated() bool {
	return t.Last() && !t.Truncated
}

// TruncatedEnd returns whether the episode was cut off on this step
func (t TimeStep) TruncatedEnd() bool {
	return t.Last() && t.Truncated
}

// SetInfo records an auxiliary value on the TimeStep, allocating the
// Info map if needed
func (t *TimeStep) SetInfo(key string, value interface{}) {
	if t.Info == nil {
		t.Info = make(map[string]interface{})
	}
	t.Info[key] = value
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Reward:  %.2f  |  Discount: %.2f  |  " +
		"Step Number:  %v  |  Truncated: %v"

	return fmt.Sprintf(str, t.StepType, t.Reward, t.Discount, t.Number,
		t.Truncated)
}
