package experiment

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/godotppo/agent"
	"github.com/samuelfneumann/godotppo/agent/ppo"
	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/experiment/checkpointer"
	ts "github.com/samuelfneumann/godotppo/timestep"
)

// episodic is an environment whose episodes terminate after length
// steps
type episodic struct {
	length int
	step   int
	resets int
	steps  int
	closed int
	calls  []string
}

func (e *episodic) Reset() (ts.TimeStep, error) {
	e.step = 0
	e.resets++
	e.calls = append(e.calls, "reset")
	return ts.New(ts.First, 0, 1, mat.NewVecDense(2, nil), 0), nil
}

func (e *episodic) Step(*mat.VecDense) (ts.TimeStep, bool, error) {
	e.step++
	e.steps++
	e.calls = append(e.calls, "step")
	t := ts.Mid
	if e.step >= e.length {
		t = ts.Last
	}
	obs := mat.NewVecDense(2, []float64{float64(e.step), 1})
	return ts.New(t, 1, 1, obs, e.step), t == ts.Last, nil
}

func (e *episodic) ObservationSpec() environment.Spec {
	return environment.NewUnboundedSpec(2, environment.Observation)
}

func (e *episodic) ActionSpec() environment.Spec {
	return environment.NewBoxSpec(1, environment.Action, -1, 1)
}

func (e *episodic) Close() error {
	e.closed++
	return nil
}

// fakeTrainer steps its environment with zero actions and writes an
// empty archive when saved
type fakeTrainer struct {
	env       environment.Environment
	timesteps int
	saved     []string
	updates   int
}

func (f *fakeTrainer) Predict(*mat.VecDense, bool) (*mat.VecDense, error) {
	return mat.NewVecDense(1, nil), nil
}

func (f *fakeTrainer) Learn(ctx context.Context, totalSteps int,
	cb checkpointer.Checkpointer, runLabel string) error {
	if _, err := f.env.Reset(); err != nil {
		return err
	}
	for i := 1; i <= totalSteps; i++ {
		_, done, err := f.env.Step(mat.NewVecDense(1, nil))
		if err != nil {
			return err
		}
		f.timesteps++
		if err := cb.Checkpoint(i); err != nil {
			return err
		}
		if done {
			if _, err := f.env.Reset(); err != nil {
				return err
			}
		}
	}
	f.updates++
	return nil
}

func (f *fakeTrainer) Save(path string) error {
	f.saved = append(f.saved, path)
	return os.WriteFile(path+ppo.Extension, nil, 0644)
}

func (f *fakeTrainer) Timesteps() int {
	return f.timesteps
}

// zeroPolicy always selects the zero action
type zeroPolicy struct {
	predictions int
}

func (z *zeroPolicy) Predict(*mat.VecDense, bool) (*mat.VecDense, error) {
	z.predictions++
	return mat.NewVecDense(1, nil), nil
}

func testExperiment(dir string, env *episodic) (*Experiment, *bytes.Buffer) {
	c := DefaultConfig()
	c.BaseDir = dir
	c.Simulation = Pendulum

	out := &bytes.Buffer{}
	e := New(c)
	e.Out = out
	e.NewEnv = func(context.Context) (environment.Environment, error) {
		return env, nil
	}
	return e, out
}

func TestTrain(t *testing.T) {
	Convey("Given an experiment training for 100,000 steps", t, func() {
		dir := t.TempDir()
		env := &episodic{length: 1000}
		e, out := testExperiment(dir, env)
		e.TotalTimesteps = 100_000
		e.SaveFreq = 50_000

		var trainer *fakeTrainer
		e.NewTrainer = func(env environment.Environment, c ppo.Config,
			logDir string) (agent.Trainer, error) {
			trainer = &fakeTrainer{env: env}
			return trainer, nil
		}

		path, err := e.Train(context.Background())
		So(err, ShouldBeNil)

		Convey("Two checkpoints and the final model are written", func() {
			matches, err := filepath.Glob(filepath.Join(dir, CheckpointDir,
				"*"+ppo.Extension))
			So(err, ShouldBeNil)
			So(len(matches), ShouldEqual, 2)

			for _, steps := range []string{"50000", "100000"} {
				name := "self_driving_ppo_" + steps + "_steps" + ppo.Extension
				_, err := os.Stat(filepath.Join(dir, CheckpointDir, name))
				So(err, ShouldBeNil)
			}

			want := filepath.Join(dir, ModelDir,
				"self_driving_ppo_final"+ppo.Extension)
			So(path, ShouldEqual, want)
			_, err = os.Stat(want)
			So(err, ShouldBeNil)
		})

		Convey("Training stops at exactly the step budget", func() {
			So(trainer.Timesteps(), ShouldEqual, 100_000)
			So(env.steps, ShouldEqual, 100_000)
			So(trainer.updates, ShouldEqual, 1)
		})

		Convey("The output directories exist", func() {
			for _, d := range []string{CheckpointDir, ModelDir, LogDir,
				MonitorDir} {
				info, err := os.Stat(filepath.Join(dir, d))
				So(err, ShouldBeNil)
				So(info.IsDir(), ShouldBeTrue)
			}
		})

		Convey("The environment is closed", func() {
			So(env.closed, ShouldEqual, 1)
		})

		Convey("The banner and summary are printed", func() {
			So(out.String(), ShouldContainSubstring, "Timesteps : 100,000")
			So(out.String(), ShouldContainSubstring, "Training complete in")
			So(out.String(), ShouldContainSubstring, "Final model saved → "+
				path)
		})
	})

	Convey("Given a trainer which cannot be created", t, func() {
		env := &episodic{length: 10}
		e, _ := testExperiment(t.TempDir(), env)
		e.NewTrainer = func(environment.Environment, ppo.Config,
			string) (agent.Trainer, error) {
			return nil, os.ErrInvalid
		}

		_, err := e.Train(context.Background())

		Convey("Train fails and still closes the environment", func() {
			So(err, ShouldNotBeNil)
			So(env.closed, ShouldEqual, 1)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given an experiment in run mode", t, func() {
		dir := t.TempDir()
		env := &episodic{length: 3}
		e, out := testExperiment(dir, env)
		e.InferenceSteps = 10

		policy := &zeroPolicy{}
		var loaded string
		e.Load = func(path string, _ environment.Environment) (agent.Policy,
			error) {
			loaded = path
			return policy, nil
		}

		envCreated := false
		newEnv := e.NewEnv
		e.NewEnv = func(ctx context.Context) (environment.Environment,
			error) {
			envCreated = true
			return newEnv(ctx)
		}

		Convey("When no model path is given", func() {
			err := e.Dispatch(context.Background(), Run, "")

			Convey("Exactly one error line is printed", func() {
				So(err, ShouldEqual, ErrModelPathRequired)
				So(out.String(), ShouldEqual,
					"[ERROR] --model path required for --mode run\n")
			})

			Convey("Nothing is constructed", func() {
				So(envCreated, ShouldBeFalse)
				So(loaded, ShouldBeEmpty)
			})
		})

		Convey("When episodes terminate every 3 steps", func() {
			err := e.Dispatch(context.Background(), Run, "model.zip")
			So(err, ShouldBeNil)

			Convey("The saved model is loaded", func() {
				So(loaded, ShouldEqual, "model.zip")
			})

			Convey("The environment is reset after each termination", func() {
				So(env.steps, ShouldEqual, 10)
				So(env.resets, ShouldEqual, 4)
				So(policy.predictions, ShouldEqual, 10)
				So(env.closed, ShouldEqual, 1)
			})

			Convey("Episode returns are saved", func() {
				_, err := os.Stat(filepath.Join(dir, MonitorDir,
					"inference_returns.bin"))
				So(err, ShouldBeNil)
			})
		})

		Convey("When the first episode terminates on step 2 of 3", func() {
			env.length = 2
			e.InferenceSteps = 3
			err := e.Run(context.Background(), "model.zip")
			So(err, ShouldBeNil)

			Convey("Exactly one reset happens between steps 2 and 3", func() {
				So(env.calls, ShouldResemble, []string{"reset", "step",
					"step", "reset", "step"})
				So(policy.predictions, ShouldEqual, 3)
			})
		})

		Convey("When the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			err := e.Run(ctx, "model.zip")

			Convey("Run fails and closes the environment", func() {
				So(err, ShouldNotBeNil)
				So(env.steps, ShouldEqual, 0)
				So(env.closed, ShouldEqual, 1)
			})
		})
	})
}

func TestDispatchUnknownMode(t *testing.T) {
	e := New(DefaultConfig())
	if err := e.Dispatch(context.Background(), Mode("evaluate"), ""); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.TotalTimesteps = 0 },
		func(c *Config) { c.SaveFreq = -1 },
		func(c *Config) { c.InferenceSteps = 0 },
		func(c *Config) { c.RunLabel = "" },
		func(c *Config) { c.Simulation = "mujoco" },
		func(c *Config) { c.Godot.Addr = "no-port" },
		func(c *Config) { c.Agent.NSteps = 0 },
	}
	for i, modify := range bad {
		c := DefaultConfig()
		modify(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("config %d should be invalid", i)
		}
	}
}

func TestThousands(t *testing.T) {
	cases := map[int]string{
		0:       "0",
		999:     "999",
		1000:    "1,000",
		500_000: "500,000",
		-12345:  "-12,345",
	}
	for n, want := range cases {
		if got := thousands(n); got != want {
			t.Errorf("thousands(%d): want(%v) have(%v)", n, want, got)
		}
	}
}

// Train a real agent on the pendulum and run the final model
func TestPendulumEndToEnd(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfig()
	c.BaseDir = dir
	c.Simulation = Pendulum
	c.TotalTimesteps = 128
	c.SaveFreq = 64
	c.InferenceSteps = 50
	c.Agent.NSteps = 64
	c.Agent.BatchSize = 32
	c.Agent.NEpochs = 1
	c.Agent.PiLayers = []int{8}
	c.Agent.VFLayers = []int{8}

	e := New(c)
	e.Out = &bytes.Buffer{}

	path, err := e.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"self_driving_ppo_64_steps.zip",
		"self_driving_ppo_128_steps.zip"} {
		if _, err := os.Stat(filepath.Join(dir, CheckpointDir, name)); err != nil {
			t.Errorf("missing checkpoint %v", name)
		}
	}

	runs, _ := filepath.Glob(filepath.Join(dir, LogDir, "ppo_selfdriving_*"))
	if len(runs) != 1 || !strings.HasSuffix(runs[0], "_1") {
		t.Errorf("expected the run directory ppo_selfdriving_1, got %v", runs)
	}

	if err := e.Run(context.Background(), path); err != nil {
		t.Fatal(err)
	}
}
