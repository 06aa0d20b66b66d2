package ppo

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/godotppo/buffer/gae"
	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/environment/classiccontrol/pendulum"
	"github.com/samuelfneumann/godotppo/environment/wrappers"
	"github.com/samuelfneumann/godotppo/experiment/checkpointer"
	ts "github.com/samuelfneumann/godotppo/timestep"
)

func smallConfig() Config {
	c := DefaultConfig()
	c.NSteps = 64
	c.BatchSize = 16
	c.NEpochs = 2
	c.PiLayers = []int{16}
	c.VFLayers = []int{16}
	c.Verbose = 0
	c.Seed = 7
	return c
}

// pointEnv has 3 observation features and 2 action dimensions in
// [-1, 1]; episodes last 5 steps
type pointEnv struct {
	actionSpec environment.Spec
	step       int
	discrete   bool
}

func newPointEnv() *pointEnv {
	return &pointEnv{
		actionSpec: environment.NewBoxSpec(2, environment.Action, -1, 1),
	}
}

func (p *pointEnv) obs() *mat.VecDense {
	x := float64(p.step)
	return mat.NewVecDense(3, []float64{x, -x, 1})
}

func (p *pointEnv) Reset() (ts.TimeStep, error) {
	p.step = 0
	return ts.New(ts.First, 0, 1, p.obs(), 0), nil
}

func (p *pointEnv) Step(a *mat.VecDense) (ts.TimeStep, bool, error) {
	p.step++
	t := ts.Mid
	if p.step >= 5 {
		t = ts.Last
	}
	r := -math.Abs(a.AtVec(0)-0.5) - math.Abs(a.AtVec(1)+0.5)
	return ts.New(t, r, 1, p.obs(), p.step), t == ts.Last, nil
}

func (p *pointEnv) ObservationSpec() environment.Spec {
	return environment.NewUnboundedSpec(3, environment.Observation)
}

func (p *pointEnv) ActionSpec() environment.Spec {
	spec := p.actionSpec
	if p.discrete {
		spec.Cardinality = environment.Discrete
	}
	return spec
}

func (p *pointEnv) Close() error { return nil }

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.NSteps = 0 },
		func(c *Config) { c.BatchSize = c.NSteps + 1 },
		func(c *Config) { c.ClipRange = 0 },
		func(c *Config) { c.Gamma = 1.5 },
		func(c *Config) { c.PiLayers = nil },
		func(c *Config) { c.VFLayers = []int{64, 0} },
		func(c *Config) { c.Activation = "sigmoid" },
		func(c *Config) { c.MaxGradNorm = 0 },
	}
	for i, modify := range bad {
		c := DefaultConfig()
		modify(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("config %d should be invalid", i)
		}
	}
}

func TestConfigIsCopied(t *testing.T) {
	c := smallConfig()
	agent, err := New(newPointEnv(), c, "")
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	c.PiLayers[0] = 1000
	if agent.Config().PiLayers[0] != 16 {
		t.Error("agent config changed with the caller's config")
	}
}

func TestNewRejectsDiscreteActions(t *testing.T) {
	env := newPointEnv()
	env.discrete = true
	if _, err := New(env, smallConfig(), ""); err == nil {
		t.Error("expected error for discrete action space")
	}
}

// The log probabilities computed when acting must agree with those
// computed by the training graph, so that the first ratio is 1
func TestLogProbConsistency(t *testing.T) {
	c := smallConfig()
	c.LogStdInit = -0.3
	agent, err := New(newPointEnv(), c, "")
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	rng := rand.New(rand.NewSource(1))
	batch := gae.Batch{Size: c.BatchSize, ObsSize: 3, ActionSize: 2}
	for i := 0; i < c.BatchSize; i++ {
		obs := mat.NewVecDense(3, []float64{rng.NormFloat64(),
			rng.NormFloat64(), rng.NormFloat64()})
		action, logProb, value, err := agent.sample(obs)
		if err != nil {
			t.Fatal(err)
		}
		batch.Obs = append(batch.Obs, obs.RawVector().Data...)
		batch.Act = append(batch.Act, action.RawVector().Data...)
		batch.LogProb = append(batch.LogProb, logProb)
		batch.Adv = append(batch.Adv, rng.NormFloat64())
		batch.Ret = append(batch.Ret, value)
		batch.Val = append(batch.Val, value)
	}

	stats, err := agent.train.step(batch, agent.solver, c.ClipRange,
		c.MaxGradNorm)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(stats.approxKL) > 1e-9 {
		t.Errorf("approx kl of first pass: want(0) have(%v)", stats.approxKL)
	}
	if stats.clipFraction != 0 {
		t.Errorf("clip fraction of first pass: want(0) have(%v)",
			stats.clipFraction)
	}
	if math.Abs(stats.valueLoss) > 1e-12 {
		t.Errorf("value loss with returns equal to values: want(0) "+
			"have(%v)", stats.valueLoss)
	}

	// Entropy of a diagonal Gaussian with σ = e^-0.3 in 2 dimensions
	want := 2 * (-0.3 + 0.5*(1+math.Log(2*math.Pi)))
	if math.Abs(stats.entropy-want) > 1e-9 {
		t.Errorf("entropy: want(%v) have(%v)", want, stats.entropy)
	}
}

func TestClipGradNorm(t *testing.T) {
	agent, err := New(newPointEnv(), smallConfig(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	// Run a pass so that every learnable has a gradient
	batch := gae.Batch{
		Size:       16,
		ObsSize:    3,
		ActionSize: 2,
		Obs:        make([]float64, 48),
		Act:        make([]float64, 32),
		LogProb:    make([]float64, 16),
		Adv:        make([]float64, 16),
		Ret:        make([]float64, 16),
		Val:        make([]float64, 16),
	}
	for i := range batch.Ret {
		batch.Ret[i] = 100
	}
	if _, err := agent.train.step(batch, agent.solver, 0.2, 1e6); err != nil {
		t.Fatal(err)
	}

	if err := clipGradNorm(agent.train.learnables, 0.5); err != nil {
		t.Fatal(err)
	}
	total := 0.0
	for _, node := range agent.train.learnables {
		grad, err := node.Grad()
		if err != nil {
			t.Fatal(err)
		}
		for _, g := range grad.Data().([]float64) {
			total += g * g
		}
	}
	if norm := math.Sqrt(total); norm > 0.5+1e-6 {
		t.Errorf("clipped gradient norm: want(<= 0.5) have(%v)", norm)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	env := newPointEnv()
	agent, err := New(env, smallConfig(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	if err := agent.Learn(context.Background(), 64, nil, "test"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "models", "agent")
	if err := agent.Save(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".zip"); err != nil {
		t.Fatalf("archive not written with .zip extension: %v", err)
	}

	for _, loadPath := range []string{path, path + ".zip"} {
		loaded, err := Load(loadPath, env)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Timesteps() != 64 {
			t.Errorf("timesteps: want(64) have(%d)", loaded.Timesteps())
		}

		for i := 0; i < 5; i++ {
			obs := mat.NewVecDense(3, []float64{float64(i), 0.5, -1})
			want, err := agent.Predict(obs, true)
			if err != nil {
				t.Fatal(err)
			}
			got, err := loaded.Predict(obs, true)
			if err != nil {
				t.Fatal(err)
			}
			if !mat.Equal(want, got) {
				t.Errorf("prediction %d: want(%v) have(%v)", i,
					mat.Formatted(want.T()), mat.Formatted(got.T()))
			}
		}
		loaded.Close()
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing"),
		newPointEnv()); errors.Cause(err) != ErrLoad {
		t.Errorf("missing archive: want(ErrLoad) have(%v)", err)
	}

	corrupt := filepath.Join(t.TempDir(), "corrupt.zip")
	if err := os.WriteFile(corrupt, []byte("not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(corrupt, newPointEnv()); errors.Cause(err) != ErrLoad {
		t.Errorf("corrupt archive: want(ErrLoad) have(%v)", err)
	}

	agent, err := New(newPointEnv(), smallConfig(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()
	path := filepath.Join(t.TempDir(), "point")
	if err := agent.Save(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, pendulum.NewDefault(1)); errors.Cause(err) !=
		ErrIncompatible {
		t.Errorf("incompatible env: want(ErrIncompatible) have(%v)", err)
	}
}

type saveCounter struct {
	agent *PPO
	paths []string
}

func (s *saveCounter) Save(path string) error {
	s.paths = append(s.paths, path)
	return s.agent.Save(path)
}

func TestLearnOnPendulum(t *testing.T) {
	dir := t.TempDir()
	env := wrappers.NewMonitor(pendulum.NewDefault(3))
	agent, err := New(env, smallConfig(), filepath.Join(dir, "tb_logs"))
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	saver := &saveCounter{agent: agent}
	cb, err := checkpointer.NewNStep(100, saver,
		checkpointer.StepNamer(filepath.Join(dir, "checkpoints"), "ppo"))
	if err != nil {
		t.Fatal(err)
	}

	// 250 steps: three full rollouts of 64 and a partial one of 58
	if err := agent.Learn(context.Background(), 250, cb, "run"); err != nil {
		t.Fatal(err)
	}

	if agent.Timesteps() != 250 {
		t.Errorf("timesteps: want(250) have(%d)", agent.Timesteps())
	}
	if env.TotalSteps() != 250 {
		t.Errorf("environment steps: want(250) have(%d)", env.TotalSteps())
	}
	if len(saver.paths) != 2 {
		t.Fatalf("checkpoints: want(2) have(%d)", len(saver.paths))
	}
	for _, name := range []string{"ppo_100_steps.zip", "ppo_200_steps.zip"} {
		path := filepath.Join(dir, "checkpoints", name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing checkpoint %v", path)
		}
	}
	if len(env.EpisodeRewards()) != 1 {
		t.Errorf("episodes: want(1) have(%d)", len(env.EpisodeRewards()))
	}

	events, _ := filepath.Glob(filepath.Join(dir, "tb_logs", "run_1",
		"events.out.tfevents.*"))
	if len(events) != 1 {
		t.Errorf("expected one event file, got %v", events)
	}

	action, err := agent.Predict(mat.NewVecDense(2, []float64{0, 0}), false)
	if err != nil {
		t.Fatal(err)
	}
	if a := action.AtVec(0); a < -pendulum.TorqueBound ||
		a > pendulum.TorqueBound {
		t.Errorf("sampled action %v outside of action bounds", a)
	}
}

func TestLearnStopsOnCancel(t *testing.T) {
	agent, err := New(newPointEnv(), smallConfig(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = agent.Learn(ctx, 100, nil, "test")
	if errors.Cause(err) != context.Canceled {
		t.Errorf("want(context.Canceled) have(%v)", err)
	}
}
