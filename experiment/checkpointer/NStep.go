package checkpointer

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// nStep implements checkpointing every N steps
type nStep struct {
	interval int
	object   Saver // Object to save

	// filename returns the filename of the file to save the object
	// in.
	//
	// To name each checkpoint by the number of steps taken, use
	// StepNamer. For example:
	//
	// n := NewNStep(10, object, StepNamer("checkpoints", "agent"))
	filename Namer
}

// NewNStep returns a checkpointer that checkpoints every n steps.
func NewNStep(n int, object Saver, filename Namer) (Checkpointer, error) {
	if n < 1 {
		return nil, errors.Errorf("newNStep: interval must be positive, "+
			"got %d", n)
	}
	return &nStep{
		interval: n,
		object:   object,
		filename: filename,
	}, nil
}

// Checkpoint saves the tracked object if steps is a positive multiple
// of the checkpointing interval
func (n *nStep) Checkpoint(steps int) error {
	if steps <= 0 || steps%n.interval != 0 {
		return nil
	}

	path := n.filename(steps)
	if err := n.object.Save(path); err != nil {
		return errors.Wrapf(err, "checkpoint: step %d", steps)
	}
	log.WithFields(log.Fields{
		"timesteps": steps,
		"path":      path,
	}).Info("saved checkpoint")

	return nil
}
