// Command godotppo trains a PPO agent to drive a car in a Godot
// simulation, or runs a trained agent in it.
//
// Train a new agent with the Godot scene already running:
//
//	godotppo --mode train
//
// Watch a saved agent drive:
//
//	godotppo --mode run --model models/self_driving_ppo_final.zip
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/samuelfneumann/godotppo/experiment"
)

var (
	mode      string
	modelPath string
	addr      string
	listen    bool
	envPath   string
	headless  bool
	speedup   int
	sim       string
	baseDir   string
	logLevel  string
)

func rootCommand() *cobra.Command {
	defaults := experiment.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "godotppo",
		Short:         "Self-driving car RL training with PPO",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			c := experiment.DefaultConfig()
			c.BaseDir = baseDir
			c.Simulation = experiment.Simulation(sim)
			c.Godot.Addr = addr
			c.Godot.Listen = listen
			c.Godot.EnvPath = envPath
			c.Godot.ShowWindow = !headless
			c.Godot.Speedup = speedup

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt,
				syscall.SIGTERM)
			defer stop()

			switch experiment.Mode(mode) {
			case experiment.Train, experiment.Run:
			default:
				return fmt.Errorf("--mode must be one of train or run, "+
					"got %q", mode)
			}
			return experiment.New(c).Dispatch(ctx, experiment.Mode(mode),
				modelPath)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mode, "mode", string(experiment.Train),
		"'train' to train a new model, 'run' to watch a saved one")
	flags.StringVar(&modelPath, "model", "",
		"path to saved model zip (for --mode run)")
	flags.StringVar(&addr, "addr", defaults.Godot.Addr,
		"address of the Godot bridge")
	flags.BoolVar(&listen, "listen", false,
		"wait for the engine to connect instead of dialing it")
	flags.StringVar(&envPath, "env-path", "",
		"exported Godot binary to launch; attach to a running one if empty")
	flags.BoolVar(&headless, "headless", false,
		"hide the engine window (launched binaries only)")
	flags.IntVar(&speedup, "speedup", defaults.Godot.Speedup,
		"physics speedup of the launched engine")
	flags.StringVar(&sim, "sim", string(experiment.Godot),
		"simulation to use: godot or pendulum")
	flags.StringVar(&baseDir, "dir", defaults.BaseDir,
		"directory under which checkpoints, models, and logs are written")
	flags.StringVar(&logLevel, "log-level", log.InfoLevel.String(),
		"logging level")

	return cmd
}

func main() {
	err := rootCommand().ExecuteContext(context.Background())
	if err == nil {
		return
	}

	// The missing model path has already been reported
	if errors.Cause(err) != experiment.ErrModelPathRequired {
		log.Error(err)
	}
	os.Exit(1)
}
