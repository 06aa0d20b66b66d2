package gae

import (
	"fmt"
)

// Batch is a set of transitions taken from a Buffer. Observations and
// actions are stored row major, one row per transition.
type Batch struct {
	Size       int
	ObsSize    int
	ActionSize int

	Obs     []float64
	Act     []float64
	Adv     []float64 // Standardized advantages
	Ret     []float64 // λ-returns, targets of the value function
	Val     []float64 // Value estimates when the data was collected
	LogProb []float64 // Log probability of each action when collected
}

// Gather returns a new Batch holding the transitions at the given
// indices, in order.
func (b Batch) Gather(indices []int) (Batch, error) {
	out := Batch{
		Size:       len(indices),
		ObsSize:    b.ObsSize,
		ActionSize: b.ActionSize,
		Obs:        make([]float64, 0, len(indices)*b.ObsSize),
		Act:        make([]float64, 0, len(indices)*b.ActionSize),
		Adv:        make([]float64, len(indices)),
		Ret:        make([]float64, len(indices)),
		Val:        make([]float64, len(indices)),
		LogProb:    make([]float64, len(indices)),
	}

	for i, idx := range indices {
		if idx < 0 || idx >= b.Size {
			return Batch{}, fmt.Errorf("gather: index %d out of range "+
				"[0, %d)", idx, b.Size)
		}
		out.Obs = append(out.Obs, b.Obs[idx*b.ObsSize:(idx+1)*b.ObsSize]...)
		out.Act = append(out.Act,
			b.Act[idx*b.ActionSize:(idx+1)*b.ActionSize]...)
		out.Adv[i] = b.Adv[idx]
		out.Ret[i] = b.Ret[idx]
		out.Val[i] = b.Val[idx]
		out.LogProb[i] = b.LogProb[idx]
	}

	return out, nil
}
