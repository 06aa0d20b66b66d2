package experiment

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/samuelfneumann/godotppo/agent/ppo"
	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/environment/classiccontrol/pendulum"
	"github.com/samuelfneumann/godotppo/environment/godot"
)

// Simulation names the environment an experiment runs in
type Simulation string

const (
	Godot    Simulation = "godot"
	Pendulum Simulation = "pendulum"
)

// Mode selects what an experiment does
type Mode string

const (
	Train Mode = "train"
	Run   Mode = "run"
)

// Output directories, relative to Config.BaseDir
const (
	CheckpointDir = "checkpoints"
	ModelDir      = "models"
	LogDir        = "tb_logs"
	MonitorDir    = "monitor"
)

// Config represents the configuration of a training or inference run
type Config struct {
	BaseDir string

	TotalTimesteps   int
	SaveFreq         int
	CheckpointPrefix string
	FinalModelName   string
	RunLabel         string
	InferenceSteps   int

	Simulation
	Godot godot.Config
	Agent ppo.Config
}

// DefaultConfig returns the configuration used to train the
// self-driving car
func DefaultConfig() Config {
	return Config{
		BaseDir:          ".",
		TotalTimesteps:   500_000,
		SaveFreq:         50_000,
		CheckpointPrefix: "self_driving_ppo",
		FinalModelName:   "self_driving_ppo_final",
		RunLabel:         "ppo_selfdriving",
		InferenceSteps:   10_000,
		Simulation:       Godot,
		Godot:            godot.DefaultConfig(),
		Agent:            ppo.DefaultConfig(),
	}
}

// Validate returns an error if the configuration cannot be run
func (c Config) Validate() error {
	switch {
	case c.TotalTimesteps < 1:
		return fmt.Errorf("validate: total timesteps must be positive, "+
			"got %d", c.TotalTimesteps)
	case c.SaveFreq < 1:
		return fmt.Errorf("validate: save frequency must be positive, "+
			"got %d", c.SaveFreq)
	case c.InferenceSteps < 1:
		return fmt.Errorf("validate: inference steps must be positive, "+
			"got %d", c.InferenceSteps)
	case c.CheckpointPrefix == "" || c.FinalModelName == "" ||
		c.RunLabel == "":
		return fmt.Errorf("validate: checkpoint prefix, final model name, " +
			"and run label cannot be empty")
	}

	switch c.Simulation {
	case Godot:
		if err := c.Godot.Validate(); err != nil {
			return errors.Wrap(err, "validate")
		}
	case Pendulum:
	default:
		return fmt.Errorf("validate: no such simulation %q", c.Simulation)
	}

	return errors.Wrap(c.Agent.Validate(), "validate")
}

// Dir returns the output directory name joined onto the base directory
func (c Config) Dir(name string) string {
	return filepath.Join(c.BaseDir, name)
}

// FinalModelPath returns the path of the final model, without the
// archive extension
func (c Config) FinalModelPath() string {
	return filepath.Join(c.Dir(ModelDir), c.FinalModelName)
}

// CreateEnv creates the configured simulation
func (c Config) CreateEnv(ctx context.Context) (environment.Environment,
	error) {
	switch c.Simulation {
	case Godot:
		env, err := godot.New(ctx, c.Godot)
		if err != nil {
			return nil, err
		}
		return env, nil

	case Pendulum:
		return pendulum.NewDefault(c.Agent.Seed), nil
	}

	return nil, fmt.Errorf("createEnv: no such simulation %q", c.Simulation)
}
