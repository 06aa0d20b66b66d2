// Package agent defines the interfaces of trainable policies
package agent

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/godotppo/experiment/checkpointer"
)

// Policy represents a policy that selects actions given observations.
//
// If deterministic is true, the most likely action is returned.
// Otherwise, an action is sampled from the policy's distribution.
type Policy interface {
	Predict(obs *mat.VecDense, deterministic bool) (*mat.VecDense, error)
}

// Trainer is a Policy which learns by interacting with the environment
// it was bound to when it was created
type Trainer interface {
	Policy

	// Learn trains for exactly totalSteps environment steps. After
	// every step, cb.Checkpoint is called with the number of steps
	// taken so far in this call. Scalar summaries are recorded under
	// runLabel.
	Learn(ctx context.Context, totalSteps int, cb checkpointer.Checkpointer,
		runLabel string) error

	// Save saves the Trainer's configuration and parameters so that it
	// can be reloaded for inference or further training
	Save(path string) error

	// Timesteps returns the total number of environment steps the
	// Trainer has learned from
	Timesteps() int
}
