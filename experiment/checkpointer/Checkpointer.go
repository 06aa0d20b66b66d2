// Package checkpointer implements callbacks that periodically save
// objects during training
package checkpointer

// Saver is an object that can be saved to a path
type Saver interface {
	Save(path string) error
}

// Checkpointer checkpoints/saves objects based on the cumulative number
// of environment steps taken so far
type Checkpointer interface {
	Checkpoint(steps int) error
}

// Namer returns the path to save an object at, given the cumulative
// number of environment steps
type Namer func(steps int) string

// list is a Checkpointer which calls several Checkpointers in order
type list []Checkpointer

// List returns a Checkpointer that calls each non-nil argument
// Checkpointer in order, stopping at the first error
func List(c ...Checkpointer) Checkpointer {
	l := make(list, 0, len(c))
	for _, checkpointer := range c {
		if checkpointer != nil {
			l = append(l, checkpointer)
		}
	}
	return l
}

// Checkpoint calls Checkpoint on each Checkpointer in the list
func (l list) Checkpoint(steps int) error {
	for _, c := range l {
		if err := c.Checkpoint(steps); err != nil {
			return err
		}
	}
	return nil
}

// Func adapts a function to the Checkpointer interface
type Func func(steps int) error

// Checkpoint calls f(steps)
func (f Func) Checkpoint(steps int) error {
	return f(steps)
}
