// Package gae implements functionality for storing a generalized
// advantage estimate buffer
package gae

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Buffer implements a forward view generalized advantage estimate -
// GAE(λ) - buffer following https://arxiv.org/abs/1506.02438. Along
// with each transition, the log probability of the action under the
// policy that collected it is stored for importance sampling ratios.
type Buffer struct {
	obsSize    int // Size of state observations
	actionSize int // Number of action dimensions
	maxSize    int // Max buffer size

	currentPos   int // Current position in the buffer
	pathStartIdx int // Position in the buffer where current trajectory starts

	lambda float64 // λ for GAE(λ) calculation
	gamma  float64 // Discount factor ℽ; overwrites env discount factor

	// Buffers for storing data
	obsBuffer     []float64
	actBuffer     []float64
	advBuffer     []float64
	rewBuffer     []float64
	retBuffer     []float64
	valBuffer     []float64
	logProbBuffer []float64
}

// New creates and returns a new GAE(λ) buffer
func New(obsDim, actDim, size int, lambda, gamma float64) *Buffer {
	return &Buffer{
		obsSize:       obsDim,
		actionSize:    actDim,
		maxSize:       size,
		lambda:        lambda,
		gamma:         gamma,
		obsBuffer:     make([]float64, size*obsDim),
		actBuffer:     make([]float64, size*actDim),
		advBuffer:     make([]float64, size),
		rewBuffer:     make([]float64, size),
		retBuffer:     make([]float64, size),
		valBuffer:     make([]float64, size),
		logProbBuffer: make([]float64, size),
	}
}

// Store stores a single timestep state, action, reward, value, and
// action log probability to the Buffer.
func (v *Buffer) Store(obs, act []float64, rew, val, logProb float64) error {
	if v.currentPos >= v.maxSize {
		return fmt.Errorf("store: cannot add new transition, buffer at " +
			"maximum capacity")
	}
	if len(obs) != v.obsSize {
		return fmt.Errorf("store: illegal obs length \n\twant(%v)\n\thave(%v)",
			v.obsSize, len(obs))
	}
	if len(act) != v.actionSize {
		return fmt.Errorf("store: illegal act length \n\twant(%v)\n\thave(%v)",
			v.actionSize, len(act))
	}

	start := v.currentPos * v.obsSize
	copy(v.obsBuffer[start:start+v.obsSize], obs)

	start = v.currentPos * v.actionSize
	copy(v.actBuffer[start:start+v.actionSize], act)

	v.rewBuffer[v.currentPos] = rew
	v.valBuffer[v.currentPos] = val
	v.logProbBuffer[v.currentPos] = logProb
	v.currentPos++
	return nil
}

// Len returns the number of transitions stored
func (v *Buffer) Len() int {
	return v.currentPos
}

// Full returns whether the buffer is at capacity
func (v *Buffer) Full() bool {
	return v.currentPos == v.maxSize
}

// FinishPath computes advantage estimates using GAE(λ) and λ-return
// estimates for each state of the current trajectory. This should be
// called at the end of a trajectory or when one gets cut off by the
// rollout ending.
//
// The lastVal argument should be 0 if the trajectory ended because
// the agent reached a terminal state, and otherwise it should be
// v(s), the value estimate of the state after the last one stored.
// This allows for bootstrapping to account for timesteps beyond an
// episode cutoff.
func (v *Buffer) FinishPath(lastVal float64) {
	start := v.pathStartIdx
	stop := v.currentPos
	if start == stop {
		return
	}

	rews := v.rewBuffer[start:stop]
	vals := make([]float64, stop-start+1)
	copy(vals, v.valBuffer[start:stop])
	vals[len(vals)-1] = lastVal

	// δ_t = r_t + ℽ v(s_{t+1}) - v(s_t)
	deltas := make([]float64, len(rews))
	floats.AddScaledTo(deltas, rews, v.gamma, vals[1:])
	floats.Sub(deltas, vals[:len(vals)-1])

	adv := discountCumSum(deltas, v.gamma*v.lambda)
	copy(v.advBuffer[start:stop], adv)

	// The value targets are the λ-returns A(s) + v(s)
	floats.AddTo(v.retBuffer[start:stop], adv, vals[:len(vals)-1])

	v.pathStartIdx = v.currentPos
}

// Get returns all transitions stored in the buffer and empties it. The
// buffer need not be full, but every trajectory must have been
// finished with FinishPath. Advantages are standardized to mean 0 and
// standard deviation 1.
func (v *Buffer) Get() (Batch, error) {
	if v.pathStartIdx != v.currentPos {
		return Batch{}, fmt.Errorf("get: current path must be finished " +
			"before sampling")
	}
	if v.currentPos == 0 {
		return Batch{}, fmt.Errorf("get: buffer is empty")
	}

	n := v.currentPos
	batch := Batch{
		Size:       n,
		ObsSize:    v.obsSize,
		ActionSize: v.actionSize,
		Obs:        clone(v.obsBuffer[:n*v.obsSize]),
		Act:        clone(v.actBuffer[:n*v.actionSize]),
		Adv:        clone(v.advBuffer[:n]),
		Ret:        clone(v.retBuffer[:n]),
		Val:        clone(v.valBuffer[:n]),
		LogProb:    clone(v.logProbBuffer[:n]),
	}

	// Advantage normalization
	mean, std := stat.MeanStdDev(batch.Adv, nil)
	if n < 2 {
		std = 0
	}
	floats.AddConst(-mean, batch.Adv)
	floats.Scale(1/(std+1e-8), batch.Adv)

	v.currentPos = 0
	v.pathStartIdx = 0

	return batch, nil
}

// discountCumSum computes and returns the discounted cumulative sum
// of all elements of a vector. Given a vector x = [x0 x1 x2 ... xN]
// and discount ℽ, this function computes and returns:
//
// [
//	x0 + ℽ x1 + ℽ^2 x2 + ℽ^3 x3 + ... + ℽ^(N-1) x(N-1) + ℽ^N xN
//	x1 + ℽ^1 x2 + ℽ^2 x3 + ... + ℽ^(N-2) x(N-1) + ℽ^(N-1) xN
//	x2 + ℽ^1 x3 + ... + ℽ^(N-3) x(N-1) + ℽ^(N-2) xN
// ...
// xN
// ]
func discountCumSum(x []float64, discount float64) []float64 {
	cumSums := make([]float64, len(x))

	running := 0.0
	for i := len(x) - 1; i >= 0; i-- {
		running = x[i] + discount*running
		cumSums[i] = running
	}
	return cumSums
}

func clone(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	return out
}
