package ppo

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/samuelfneumann/godotppo/initwfn"
	"github.com/samuelfneumann/godotppo/network"
)

// Config describes the hyperparameters of a PPO agent. A Config is a
// value: the PPO agent keeps its own copy, so later changes to a
// Config do not affect agents created with it.
type Config struct {
	NSteps       int     `json:"n_steps"`    // Environment steps per rollout
	BatchSize    int     `json:"batch_size"` // Minibatch size
	NEpochs      int     `json:"n_epochs"`   // Passes over each rollout
	LearningRate float64 `json:"learning_rate"`
	AdamEpsilon  float64 `json:"adam_epsilon"`
	Gamma        float64 `json:"gamma"`
	GAELambda    float64 `json:"gae_lambda"`
	ClipRange    float64 `json:"clip_range"`
	EntCoef      float64 `json:"ent_coef"`
	VFCoef       float64 `json:"vf_coef"`
	MaxGradNorm  float64 `json:"max_grad_norm"`

	// Verbose controls logging: 0 for none, 1 for a summary of each
	// rollout and update
	Verbose int `json:"verbose"`

	// Network architecture. The policy and value function have separate
	// towers which read the same observation.
	PiLayers   []int            `json:"pi"`
	VFLayers   []int            `json:"vf"`
	Activation string           `json:"activation"`
	Init       *initwfn.InitWFn `json:"init"`
	LogStdInit float64          `json:"log_std_init"`

	Seed uint64 `json:"seed"`
}

// DefaultConfig returns the default hyperparameters
func DefaultConfig() Config {
	return Config{
		NSteps:       2048,
		BatchSize:    64,
		NEpochs:      10,
		LearningRate: 3e-4,
		AdamEpsilon:  1e-5,
		Gamma:        0.99,
		GAELambda:    0.95,
		ClipRange:    0.2,
		EntCoef:      0.01,
		VFCoef:       0.5,
		MaxGradNorm:  0.5,
		Verbose:      1,
		PiLayers:     []int{256, 256},
		VFLayers:     []int{256, 256},
		Activation:   "tanh",
		Init:         initwfn.NewGlorotU(1.0),
		LogStdInit:   0.0,
	}
}

// clone returns a deep copy of the Config
func (c Config) clone() Config {
	c.PiLayers = append([]int{}, c.PiLayers...)
	c.VFLayers = append([]int{}, c.VFLayers...)
	if c.Init != nil {
		init := *c.Init
		c.Init = &init
	}
	return c
}

// Validate returns an error if the Config is unusable
func (c Config) Validate() error {
	switch {
	case c.NSteps < 1:
		return fmt.Errorf("validate: n_steps must be positive, got %d",
			c.NSteps)
	case c.BatchSize < 1 || c.BatchSize > c.NSteps:
		return fmt.Errorf("validate: batch_size must be in [1, n_steps=%d], "+
			"got %d", c.NSteps, c.BatchSize)
	case c.NEpochs < 1:
		return fmt.Errorf("validate: n_epochs must be positive, got %d",
			c.NEpochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("validate: learning_rate must be positive, got %v",
			c.LearningRate)
	case c.AdamEpsilon <= 0:
		return fmt.Errorf("validate: adam_epsilon must be positive, got %v",
			c.AdamEpsilon)
	case c.Gamma <= 0 || c.Gamma > 1:
		return fmt.Errorf("validate: gamma must be in (0, 1], got %v",
			c.Gamma)
	case c.GAELambda < 0 || c.GAELambda > 1:
		return fmt.Errorf("validate: gae_lambda must be in [0, 1], got %v",
			c.GAELambda)
	case c.ClipRange <= 0 || c.ClipRange >= 1:
		return fmt.Errorf("validate: clip_range must be in (0, 1), got %v",
			c.ClipRange)
	case c.EntCoef < 0 || c.VFCoef < 0:
		return fmt.Errorf("validate: loss coefficients must be "+
			"non-negative, got ent_coef=%v vf_coef=%v", c.EntCoef, c.VFCoef)
	case c.MaxGradNorm <= 0:
		return fmt.Errorf("validate: max_grad_norm must be positive, got %v",
			c.MaxGradNorm)
	case c.Init == nil:
		return fmt.Errorf("validate: no weight initializer")
	}

	for _, layers := range [][]int{c.PiLayers, c.VFLayers} {
		if len(layers) == 0 {
			return fmt.Errorf("validate: networks need at least one " +
				"hidden layer")
		}
		for _, units := range layers {
			if units < 1 {
				return fmt.Errorf("validate: hidden layers must have "+
					"positive size, got %v", layers)
			}
		}
	}

	if _, err := network.ActivationByName(c.Activation); err != nil {
		return errors.Wrap(err, "validate")
	}
	return nil
}

// activations returns one activation per hidden layer
func (c Config) activations(layers int) []*network.Activation {
	acts := make([]*network.Activation, layers)
	for i := range acts {
		acts[i], _ = network.ActivationByName(c.Activation)
	}
	return acts
}
