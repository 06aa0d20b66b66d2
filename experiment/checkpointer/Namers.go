package checkpointer

import (
	"fmt"
	"path/filepath"
)

// StepNamer returns a Namer which names files in dir after prefix and
// the number of steps, e.g. dir/prefix_50000_steps
func StepNamer(dir, prefix string) Namer {
	return func(steps int) string {
		return filepath.Join(dir, fmt.Sprintf("%v_%d_steps", prefix, steps))
	}
}
