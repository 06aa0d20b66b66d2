// Package pendulum implements the pendulum classic control environment.
// It needs no external simulation, which makes it useful for smoke
// training runs of an agent before connecting to a game engine.
package pendulum

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"

	"github.com/samuelfneumann/godotppo/environment"
	ts "github.com/samuelfneumann/godotppo/timestep"
)

// default physical constants
const (
	AngleBound  float64 = math.Pi // +/- Angle bounds
	SpeedBound  float64 = 8.0     // +/- Speed bounds
	TorqueBound float64 = 2.0     // +/- Torque bounds

	dt              float64 = 0.05
	Gravity         float64 = 9.8
	Mass            float64 = 1.0
	Length          float64 = 1.0
	ActionDims      int     = 1
	ObservationDims int     = 2
)

// Continuous implements the classic control environment Pendulum. In this
// environment, a pendulum is attached to a fixed base. An agent can
// swing the pendulum back and forth, but the swinging torque is
// underpowered. In order to be able to swing the pendulum straight up,
// it must first be rocked back and forth, using the momentum to
// gradually climb higher until the pendulum can point straight up.
//
// State features consist of the angle of the pendulum from the positive
// y-axis and the angular velocity of the pendulum. The angular
// velocity is clipped betwee [-SpeedBound, SpeedBound]. Angles are
// normalized to stay within [-AngleBound, AngleBound] = [-π, π].
//
// Actions are 1-dimensional and set the torque applied at the base,
// clipped to [-TorqueBound, TorqueBound]. The reward on each step is
// the cosine of the pendulum angle, and episodes are truncated after a
// fixed number of steps.
type Continuous struct {
	environment.Starter
	environment.Ender

	angleBounds  r1.Interval
	speedBounds  r1.Interval
	torqueBounds r1.Interval
	discount     float64
	lastStep     ts.TimeStep
}

// NewContinuous creates and returns a new Continuous environment which
// samples starting states from s and truncates episodes after
// episodeSteps steps
func NewContinuous(s environment.Starter, episodeSteps int,
	discount float64) *Continuous {
	return &Continuous{
		Starter:      s,
		Ender:        environment.NewStepLimit(episodeSteps),
		angleBounds:  r1.Interval{Min: -AngleBound, Max: AngleBound},
		speedBounds:  r1.Interval{Min: -SpeedBound, Max: SpeedBound},
		torqueBounds: r1.Interval{Min: -TorqueBound, Max: TorqueBound},
		discount:     discount,
	}
}

// NewDefault returns a Continuous pendulum starting near the bottom with
// small random velocity, with 200 step episodes
func NewDefault(seed uint64) *Continuous {
	angle := r1.Interval{Min: -AngleBound, Max: AngleBound}
	speed := r1.Interval{Min: -1.0, Max: 1.0}
	s := environment.NewUniformStarter([]r1.Interval{angle, speed}, seed)

	return NewContinuous(s, 200, 0.99)
}

// Reset resets the environment and returns a starting state drawn from the
// Starter
func (p *Continuous) Reset() (ts.TimeStep, error) {
	state := p.Start()
	if err := p.validateState(state); err != nil {
		return ts.TimeStep{}, fmt.Errorf("reset: %v", err)
	}
	p.lastStep = ts.New(ts.First, 0, p.discount, state, 0)

	return p.lastStep, nil
}

// Step takes one environmental step given action a and returns the next
// timestep and a bool indicating whether or not the episode has ended.
func (p *Continuous) Step(action *mat.VecDense) (ts.TimeStep, bool, error) {
	if action.Len() != ActionDims {
		return ts.TimeStep{}, true, fmt.Errorf("step: actions should be "+
			"%d-dimensional, got %d", ActionDims, action.Len())
	}
	if p.lastStep.Observation == nil {
		return ts.TimeStep{}, true, fmt.Errorf("step: reset must be " +
			"called before step")
	}

	torque := math.Max(p.torqueBounds.Min,
		math.Min(p.torqueBounds.Max, action.AtVec(0)))
	nextState := p.nextState(p.lastStep.Observation, torque)

	reward := math.Cos(nextState.AtVec(0))
	nextStep := ts.New(ts.Mid, reward, p.discount, nextState,
		p.lastStep.Number+1)
	p.End(&nextStep)

	p.lastStep = nextStep
	return nextStep, nextStep.Last(), nil
}

// nextState computes the next state of the environment given the current
// state and an amount of torque to apply to the fixed base of the
// pendulum
func (p *Continuous) nextState(obs *mat.VecDense,
	torque float64) *mat.VecDense {
	th, thdot := obs.AtVec(0), obs.AtVec(1)

	newthdot := thdot + (-3*Gravity/(2*Length)*math.Sin(th+math.Pi)+
		3.0/(Mass*math.Pow(Length, 2))*torque)*dt
	newthdot = math.Max(p.speedBounds.Min,
		math.Min(p.speedBounds.Max, newthdot))

	newth := normalizeAngle(th + newthdot*dt)

	return mat.NewVecDense(ObservationDims, []float64{newth, newthdot})
}

// ObservationSpec returns the observation specification of the environment
func (p *Continuous) ObservationSpec() environment.Spec {
	lowerBound := mat.NewVecDense(ObservationDims,
		[]float64{p.angleBounds.Min, p.speedBounds.Min})
	upperBound := mat.NewVecDense(ObservationDims,
		[]float64{p.angleBounds.Max, p.speedBounds.Max})

	return environment.NewSpec(mat.NewVecDense(ObservationDims, nil),
		environment.Observation, lowerBound, upperBound,
		environment.Continuous)
}

// ActionSpec returns the action specification of the environment
func (p *Continuous) ActionSpec() environment.Spec {
	return environment.NewBoxSpec(ActionDims, environment.Action,
		p.torqueBounds.Min, p.torqueBounds.Max)
}

// Close implements the environment.Environment interface. The pendulum
// holds no resources.
func (p *Continuous) Close() error {
	return nil
}

// String converts the environment to a string representation
func (p *Continuous) String() string {
	if p.lastStep.Observation == nil {
		return "Continuous  |  not started"
	}
	str := "Continuous  |  theta: %v  |  theta dot: %v"
	return fmt.Sprintf(str, p.lastStep.Observation.AtVec(0),
		p.lastStep.Observation.AtVec(1))
}

// normalizeAngle wraps an angle into [-π, π)
func normalizeAngle(th float64) float64 {
	return math.Mod(math.Mod(th+math.Pi, 2*math.Pi)+2*math.Pi,
		2*math.Pi) - math.Pi
}

// validateState validates the state to ensure that the angle and angular
// velocity are within the environmental limits
func (p *Continuous) validateState(obs *mat.VecDense) error {
	if th := obs.AtVec(0); th > p.angleBounds.Max || th < p.angleBounds.Min {
		return fmt.Errorf("theta %v is not within bounds %v", th,
			p.angleBounds)
	}
	if thdot := obs.AtVec(1); thdot > p.speedBounds.Max ||
		thdot < p.speedBounds.Min {
		return fmt.Errorf("theta dot %v is not within bounds %v", thdot,
			p.speedBounds)
	}
	return nil
}
