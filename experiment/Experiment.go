// Package experiment implements functionality for running an experiment:
// training a PPO agent in a simulation or running a trained one
package experiment

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"

	"github.com/samuelfneumann/godotppo/agent"
	"github.com/samuelfneumann/godotppo/agent/ppo"
	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/environment/wrappers"
	"github.com/samuelfneumann/godotppo/experiment/checkpointer"
	"github.com/samuelfneumann/godotppo/experiment/trackers"
	"github.com/samuelfneumann/godotppo/utils/progressbar"
)

// ErrModelPathRequired is returned when inference is requested without
// a saved model to run
var ErrModelPathRequired = errors.New("experiment: model path required")

const (
	rule     = "============================================================"
	barWidth = 40
)

// EnvFactory creates the environment an experiment runs in
type EnvFactory func(ctx context.Context) (environment.Environment, error)

// TrainerFactory creates an untrained agent bound to env which logs
// scalar summaries to logDir
type TrainerFactory func(env environment.Environment, c ppo.Config,
	logDir string) (agent.Trainer, error)

// Loader loads a saved policy and binds it to env
type Loader func(path string, env environment.Environment) (agent.Policy,
	error)

// Experiment runs the train and run modes. The factories may be
// replaced before calling Train or Run.
type Experiment struct {
	Config

	NewEnv     EnvFactory
	NewTrainer TrainerFactory
	Load       Loader

	// Out receives the user facing progress messages
	Out io.Writer
}

// New returns a new Experiment which creates environments and agents
// as described by c
func New(c Config) *Experiment {
	return &Experiment{
		Config: c,
		NewEnv: c.CreateEnv,
		NewTrainer: func(env environment.Environment, c ppo.Config,
			logDir string) (agent.Trainer, error) {
			return ppo.New(env, c, logDir)
		},
		Load: func(path string, env environment.Environment) (agent.Policy,
			error) {
			return ppo.Load(path, env)
		},
		Out: os.Stdout,
	}
}

// Dispatch runs the given mode. The model path is only used by Run.
func (e *Experiment) Dispatch(ctx context.Context, mode Mode,
	modelPath string) error {
	switch mode {
	case Train:
		_, err := e.Train(ctx)
		return err
	case Run:
		return e.Run(ctx, modelPath)
	}
	return fmt.Errorf("dispatch: no such mode %q", mode)
}

// Train trains a new agent for Config.TotalTimesteps steps,
// checkpointing every Config.SaveFreq steps, and saves the final
// model. The path of the final model archive is returned.
func (e *Experiment) Train(ctx context.Context) (string, error) {
	if err := e.Validate(); err != nil {
		return "", errors.Wrap(err, "train")
	}
	for _, dir := range []string{CheckpointDir, ModelDir, LogDir} {
		if err := os.MkdirAll(e.Dir(dir), 0755); err != nil {
			return "", errors.Wrap(err, "train")
		}
	}

	fmt.Fprintln(e.Out, rule)
	fmt.Fprintln(e.Out, "  Self-Driving Car RL Training")
	fmt.Fprintln(e.Out, "  Algorithm : PPO")
	fmt.Fprintf(e.Out, "  Timesteps : %v\n", thousands(e.TotalTimesteps))
	fmt.Fprintln(e.Out, rule)
	if e.Simulation == Godot {
		fmt.Fprintf(e.Out, "\n[INFO] Waiting for Godot to connect on TCP "+
			"port %v...\n", port(e.Godot.Addr))
	}

	env, err := e.NewEnv(ctx)
	if err != nil {
		return "", errors.Wrap(err, "train")
	}
	monitor := wrappers.NewMonitor(env)
	defer closeEnv(monitor)

	trainer, err := e.NewTrainer(monitor, e.Agent, e.Dir(LogDir))
	if err != nil {
		return "", errors.Wrap(err, "train")
	}
	defer closeAgent(trainer)

	saver, err := checkpointer.NewNStep(e.SaveFreq, trainer,
		checkpointer.StepNamer(e.Dir(CheckpointDir), e.CheckpointPrefix))
	if err != nil {
		return "", errors.Wrap(err, "train")
	}
	bar := progressbar.NewManualProgressBar(e.Out, barWidth, e.TotalTimesteps)
	progress := checkpointer.Func(func(steps int) error {
		bar.Increment()
		if steps%(e.TotalTimesteps/100+1) == 0 {
			bar.Display()
		}
		return nil
	})

	fmt.Fprintf(e.Out, "[INFO] Training started. Open TensorBoard to "+
		"monitor:\n       tensorboard --logdir %v\n\n", e.Dir(LogDir))

	start := time.Now()
	err = trainer.Learn(ctx, e.TotalTimesteps,
		checkpointer.List(saver, progress), e.RunLabel)
	bar.Finish()
	if err != nil {
		return "", errors.Wrap(err, "train")
	}
	elapsed := time.Since(start)

	finalPath := e.FinalModelPath()
	if err := trainer.Save(finalPath); err != nil {
		return "", errors.Wrap(err, "train: saving final model")
	}
	if !strings.HasSuffix(finalPath, ppo.Extension) {
		finalPath += ppo.Extension
	}
	if err := monitor.Save(e.Dir(MonitorDir)); err != nil {
		log.WithError(err).Warn("could not save episode statistics")
	}

	fmt.Fprintln(e.Out, "\n"+rule)
	fmt.Fprintf(e.Out, "  Training complete in %.1f min\n", elapsed.Minutes())
	fmt.Fprintf(e.Out, "  Final model saved → %v\n", finalPath)
	fmt.Fprintln(e.Out, rule)

	return finalPath, nil
}

// Run loads the model saved at modelPath and runs it deterministically
// for Config.InferenceSteps steps, starting a new episode whenever one
// ends. The agent is not updated.
func (e *Experiment) Run(ctx context.Context, modelPath string) error {
	if modelPath == "" {
		fmt.Fprintln(e.Out, "[ERROR] --model path required for --mode run")
		return ErrModelPathRequired
	}
	if e.InferenceSteps < 1 {
		return fmt.Errorf("run: inference steps must be positive, got %d",
			e.InferenceSteps)
	}

	env, err := e.NewEnv(ctx)
	if err != nil {
		return errors.Wrap(err, "run")
	}
	monitor := wrappers.NewMonitor(env)
	defer closeEnv(monitor)

	policy, err := e.Load(modelPath, monitor)
	if err != nil {
		return errors.Wrap(err, "run")
	}
	defer closeAgent(policy)

	returns := trackers.NewReturn(filepath.Join(e.Dir(MonitorDir),
		"inference_returns.bin"))
	online := NewOnline(monitor, policy, e.InferenceSteps, returns)
	online.Progress = progressbar.NewManualProgressBar(e.Out, barWidth,
		e.InferenceSteps)
	if err := online.Run(ctx); err != nil {
		return errors.Wrap(err, "run")
	}

	fields := log.Fields{
		"steps":    online.Steps(),
		"episodes": len(returns.Data()),
	}
	if len(returns.Data()) > 0 {
		fields["mean_return"] = stat.Mean(returns.Data(), nil)
	}
	log.WithFields(fields).Info("inference finished")

	if err := os.MkdirAll(e.Dir(MonitorDir), 0755); err != nil {
		return errors.Wrap(err, "run")
	}
	return errors.Wrap(online.Save(), "run")
}

// closeEnv closes env, logging any error
func closeEnv(env environment.Environment) {
	if err := env.Close(); err != nil {
		log.WithError(err).Warn("could not close environment")
	}
}

// closeAgent releases the resources of an agent that holds any
func closeAgent(a interface{}) {
	if c, ok := a.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("could not release agent")
		}
	}
}

// thousands formats n with comma separators
func thousands(n int) string {
	return message.NewPrinter(language.English).Sprintf("%d", n)
}

// port returns the port of a host:port address
func port(addr string) string {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return p
}
