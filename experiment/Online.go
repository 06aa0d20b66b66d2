package experiment

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/samuelfneumann/godotppo/agent"
	env "github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/experiment/trackers"
	ts "github.com/samuelfneumann/godotppo/timestep"
	"github.com/samuelfneumann/godotppo/utils/progressbar"
)

// Online runs a fixed policy in an environment for a fixed number of
// steps, acting deterministically. The policy is never updated.
type Online struct {
	env.Environment
	agent.Policy
	maxSteps     int
	currentSteps int
	trackers     []trackers.Tracker

	// Progress, if not nil, is incremented and redrawn on each step
	Progress *progressbar.ManualProgressBar
}

// NewOnline creates and returns a new online experiment on a given
// environment with a given policy. The steps parameter determines how
// many timesteps the experiment is run for, and the t parameter is
// a slice of trackers.Tracker which are sent every TimeStep.
func NewOnline(e env.Environment, p agent.Policy, steps int,
	t ...trackers.Tracker) *Online {
	return &Online{
		Environment: e,
		Policy:      p,
		maxSteps:    steps,
		trackers:    t,
	}
}

// Steps returns the number of steps taken so far
func (o *Online) Steps() int {
	return o.currentSteps
}

// RunEpisode runs a single episode, or what remains of the step
// budget, and returns whether the step budget has been used up
func (o *Online) RunEpisode(ctx context.Context) (bool, error) {
	step, err := o.Environment.Reset()
	if err != nil {
		return false, errors.Wrap(err, "runEpisode: reset")
	}
	o.track(step)

	done := false
	for !done && o.currentSteps < o.maxSteps {
		if err := ctx.Err(); err != nil {
			return false, errors.Wrap(err, "runEpisode")
		}

		action, err := o.Policy.Predict(step.Observation, true)
		if err != nil {
			return false, errors.Wrap(err, "runEpisode")
		}
		step, done, err = o.Environment.Step(action)
		if err != nil {
			return false, errors.Wrap(err, "runEpisode: step")
		}
		o.currentSteps++
		o.track(step)

		if o.Progress != nil {
			o.Progress.Increment()
			o.Progress.Display()
		}
	}

	if done {
		log.WithFields(log.Fields{
			"step":      o.currentSteps,
			"length":    step.Number,
			"truncated": step.Truncated,
		}).Debug("episode finished")
	}

	return o.currentSteps >= o.maxSteps, nil
}

// Run runs the experiment until the step budget is used up
func (o *Online) Run(ctx context.Context) error {
	// Each episode starts with a reset, so an episode that ends on the
	// last step of the budget is not followed by one
	for ended := false; !ended; {
		var err error
		if ended, err = o.RunEpisode(ctx); err != nil {
			return err
		}
	}

	if o.Progress != nil {
		o.Progress.Finish()
	}
	return nil
}

// Save saves all the data cached by the trackers to disk
func (o *Online) Save() error {
	for _, t := range o.trackers {
		if err := t.Save(); err != nil {
			return err
		}
	}
	return nil
}

// track sends the current TimeStep to each tracker
func (o *Online) track(t ts.TimeStep) {
	for _, tracker := range o.trackers {
		tracker.Track(t)
	}
}
