// Package ppo implements the Proximal Policy Optimization algorithm
// with a clipped surrogate objective, following:
//
// https://arxiv.org/abs/1707.06347
//
// The policy is a diagonal Gaussian over continuous actions whose mean
// is predicted by a neural network and whose log standard deviation is
// a learned, state independent parameter. A separate neural network
// predicts state values, which are used for generalized advantage
// estimation.
package ppo

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/samuelfneumann/godotppo/buffer/gae"
	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/environment/wrappers"
	"github.com/samuelfneumann/godotppo/experiment/checkpointer"
	"github.com/samuelfneumann/godotppo/experiment/summary"
	"github.com/samuelfneumann/godotppo/solver"
	ts "github.com/samuelfneumann/godotppo/timestep"
)

// statsWindow is the number of most recent episodes averaged in the
// rollout statistics
const statsWindow = 100

// PPO implements a PPO agent bound to a single environment
type PPO struct {
	config     Config
	env        environment.Environment
	actionSpec environment.Spec
	features   int
	actionDims int
	logDir     string

	train     *trainModel
	predict   *predictor
	solver    *solver.Solver
	buffer    *gae.Buffer
	rng       *rand.Rand
	timesteps int

	// Statistics of the most recent episodes
	episodeRewards []float64
	episodeLengths []float64
}

// New creates and returns a new, untrained PPO agent acting in env.
// Scalar summaries of training are written under logDir, or not at all
// if logDir is empty.
func New(env environment.Environment, c Config, logDir string) (*PPO,
	error) {
	c = c.clone()
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "new")
	}

	actionSpec := env.ActionSpec()
	if actionSpec.Cardinality != environment.Continuous {
		return nil, errors.Errorf("new: PPO requires continuous actions, "+
			"got %v", actionSpec.Cardinality)
	}
	features := env.ObservationSpec().Len()
	actionDims := actionSpec.Len()

	train, err := newTrainModel(c, features, actionDims, c.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "new")
	}
	predict, err := newPredictor(c, features, actionDims)
	if err != nil {
		train.close()
		return nil, errors.Wrap(err, "new")
	}
	if err := predict.sync(train); err != nil {
		train.close()
		predict.close()
		return nil, errors.Wrap(err, "new")
	}

	adam, err := solver.NewAdam(c.LearningRate, c.AdamEpsilon, 0.9, 0.999, 1)
	if err != nil {
		train.close()
		predict.close()
		return nil, errors.Wrap(err, "new")
	}

	return &PPO{
		config:     c,
		env:        env,
		actionSpec: actionSpec,
		features:   features,
		actionDims: actionDims,
		logDir:     logDir,
		train:      train,
		predict:    predict,
		solver:     adam,
		buffer: gae.New(features, actionDims, c.NSteps, c.GAELambda,
			c.Gamma),
		rng: rand.New(rand.NewSource(c.Seed)),
	}, nil
}

// Config returns a copy of the agent's configuration
func (p *PPO) Config() Config {
	return p.config.clone()
}

// Timesteps returns the total number of environment steps learned from
func (p *PPO) Timesteps() int {
	return p.timesteps
}

// SetLogDir sets the directory that scalar summaries are written under
func (p *PPO) SetLogDir(dir string) {
	p.logDir = dir
}

// Close releases the computational graphs of the agent
func (p *PPO) Close() error {
	p.train.close()
	p.predict.close()
	return nil
}

// std returns the current standard deviation of the policy
func (p *PPO) std() []float64 {
	std := make([]float64, len(p.predict.logStd))
	for i, l := range p.predict.logStd {
		std[i] = math.Exp(l)
	}
	return std
}

// sample returns an unclipped action sampled from the policy in obs,
// along with its log probability and the value of obs
func (p *PPO) sample(obs *mat.VecDense) (*mat.VecDense, float64, float64,
	error) {
	mean, value, err := p.predict.forward(obs.RawVector().Data)
	if err != nil {
		return nil, 0, 0, err
	}

	action := make([]float64, p.actionDims)
	logProb := 0.0
	for i, std := range p.std() {
		dist := distuv.Normal{Mu: mean[i], Sigma: std, Src: p.rng}
		action[i] = dist.Rand()
		logProb += dist.LogProb(action[i])
	}
	return mat.NewVecDense(p.actionDims, action), logProb, value, nil
}

// value returns the value estimate of obs
func (p *PPO) value(obs *mat.VecDense) (float64, error) {
	_, value, err := p.predict.forward(obs.RawVector().Data)
	return value, err
}

// Predict returns the action to take given obs, clipped to the bounds
// of the action space. If deterministic is true, the mean action is
// returned, otherwise an action is sampled.
func (p *PPO) Predict(obs *mat.VecDense, deterministic bool) (*mat.VecDense,
	error) {
	if obs.Len() != p.features {
		return nil, errors.Errorf("predict: observation should have %d "+
			"features, got %d", p.features, obs.Len())
	}

	if !deterministic {
		action, _, _, err := p.sample(obs)
		if err != nil {
			return nil, errors.Wrap(err, "predict")
		}
		return p.actionSpec.Clip(action), nil
	}

	mean, _, err := p.predict.forward(obs.RawVector().Data)
	if err != nil {
		return nil, errors.Wrap(err, "predict")
	}
	return p.actionSpec.Clip(mat.NewVecDense(p.actionDims, mean)), nil
}

// Learn trains the agent for exactly totalSteps environment steps.
// Data is collected in rollouts of n_steps, after each of which the
// policy and value function are updated. The last rollout is shorter
// if totalSteps is not a multiple of n_steps. After every environment
// step, cb is called with the number of steps taken so far, if cb is
// not nil.
func (p *PPO) Learn(ctx context.Context, totalSteps int,
	cb checkpointer.Checkpointer, runLabel string) error {
	if totalSteps < 1 {
		return errors.Errorf("learn: total steps must be positive, got %d",
			totalSteps)
	}

	var writer *summary.Writer
	if p.logDir != "" {
		var err error
		if writer, err = summary.NewWriter(p.logDir, runLabel); err != nil {
			return errors.Wrap(err, "learn")
		}
		defer writer.Close()
		log.WithField("dir", writer.Dir()).Info("logging to tensorboard")
	}

	step, err := p.env.Reset()
	if err != nil {
		return errors.Wrap(err, "learn: reset")
	}

	start := time.Now()
	steps := 0
	for iteration := 1; steps < totalSteps; iteration++ {
		step, err = p.collectRollout(ctx, step, &steps, totalSteps, cb)
		if err != nil {
			return err
		}

		batch, err := p.buffer.Get()
		if err != nil {
			return errors.Wrap(err, "learn")
		}
		stats, err := p.update(batch)
		if err != nil {
			return errors.Wrap(err, "learn")
		}

		fps := float64(steps) / time.Since(start).Seconds()
		p.record(writer, iteration, fps, stats)
	}

	return nil
}

// collectRollout steps the environment, starting from step, until the
// buffer is full or totalSteps steps have been taken, and returns the
// step to continue from
func (p *PPO) collectRollout(ctx context.Context, step ts.TimeStep,
	steps *int, totalSteps int, cb checkpointer.Checkpointer) (ts.TimeStep,
	error) {
	for !p.buffer.Full() && *steps < totalSteps {
		if err := ctx.Err(); err != nil {
			return step, errors.Wrap(err, "learn")
		}

		obs := step.Observation
		action, logProb, value, err := p.sample(obs)
		if err != nil {
			return step, errors.Wrap(err, "learn")
		}

		next, done, err := p.env.Step(p.actionSpec.Clip(action))
		if err != nil {
			return step, errors.Wrap(err, "learn: step")
		}
		*steps++
		p.timesteps++

		err = p.buffer.Store(obs.RawVector().Data, action.RawVector().Data,
			next.Reward, value, logProb)
		if err != nil {
			return step, errors.Wrap(err, "learn")
		}
		p.trackEpisode(next)

		if cb != nil {
			if err := cb.Checkpoint(*steps); err != nil {
				return step, errors.Wrap(err, "learn")
			}
		}

		if !done {
			step = next
			continue
		}

		// Bootstrap from the state the episode was cut off in
		lastVal := 0.0
		if next.TruncatedEnd() {
			if lastVal, err = p.value(next.Observation); err != nil {
				return step, errors.Wrap(err, "learn")
			}
		}
		p.buffer.FinishPath(lastVal)

		if step, err = p.env.Reset(); err != nil {
			return step, errors.Wrap(err, "learn: reset")
		}
	}

	lastVal, err := p.value(step.Observation)
	if err != nil {
		return step, errors.Wrap(err, "learn")
	}
	p.buffer.FinishPath(lastVal)

	return step, nil
}

// trackEpisode records the statistics of finished episodes, as
// reported by a wrappers.Monitor
func (p *PPO) trackEpisode(step ts.TimeStep) {
	if !step.Last() {
		return
	}
	stats, ok := step.Info[wrappers.EpisodeKey].(wrappers.EpisodeStats)
	if !ok {
		return
	}

	p.episodeRewards = append(p.episodeRewards, stats.Reward)
	p.episodeLengths = append(p.episodeLengths, float64(stats.Length))
	if len(p.episodeRewards) > statsWindow {
		p.episodeRewards = p.episodeRewards[1:]
		p.episodeLengths = p.episodeLengths[1:]
	}
}

// updateStats summarizes one update
type updateStats struct {
	minibatches       int
	policyLoss        float64
	valueLoss         float64
	entropyLoss       float64
	loss              float64
	approxKL          float64
	clipFraction      float64
	explainedVariance float64
}

// update performs n_epochs passes over batch in shuffled minibatches
func (p *PPO) update(batch gae.Batch) (updateStats, error) {
	var stats updateStats

	minibatches := batch.Size / p.config.BatchSize
	if minibatches == 0 {
		log.WithFields(log.Fields{
			"samples":    batch.Size,
			"batch_size": p.config.BatchSize,
		}).Warn("rollout too short for a minibatch, skipping update")
		return stats, nil
	}

	for epoch := 0; epoch < p.config.NEpochs; epoch++ {
		perm := p.rng.Perm(batch.Size)

		for i := 0; i < minibatches; i++ {
			indices := perm[i*p.config.BatchSize : (i+1)*p.config.BatchSize]
			mini, err := batch.Gather(indices)
			if err != nil {
				return stats, errors.Wrap(err, "update")
			}

			s, err := p.train.step(mini, p.solver, p.config.ClipRange,
				p.config.MaxGradNorm)
			if err != nil {
				return stats, errors.Wrapf(err, "update: epoch %d", epoch)
			}

			stats.minibatches++
			stats.policyLoss += s.policyLoss
			stats.valueLoss += s.valueLoss
			stats.entropyLoss -= s.entropy
			stats.loss = s.loss
			stats.approxKL += s.approxKL
			stats.clipFraction += s.clipFraction
		}
	}

	n := float64(stats.minibatches)
	stats.policyLoss /= n
	stats.valueLoss /= n
	stats.entropyLoss /= n
	stats.approxKL /= n
	stats.clipFraction /= n
	stats.explainedVariance = explainedVariance(batch.Val, batch.Ret)

	if err := p.predict.sync(p.train); err != nil {
		return stats, errors.Wrap(err, "update")
	}
	return stats, nil
}

// explainedVariance returns 1 - Var[y - pred] / Var[y]
func explainedVariance(pred, y []float64) float64 {
	varY := stat.Variance(y, nil)
	if varY == 0 || math.IsNaN(varY) {
		return math.NaN()
	}
	diff := make([]float64, len(y))
	for i := range y {
		diff[i] = y[i] - pred[i]
	}
	return 1 - stat.Variance(diff, nil)/varY
}

// record logs the statistics of an iteration and writes them as scalar
// summaries
func (p *PPO) record(writer *summary.Writer, iteration int, fps float64,
	stats updateStats) {
	scalars := map[string]float64{
		"time/fps":        fps,
		"time/iterations": float64(iteration),
		"train/std":       stat.Mean(p.std(), nil),
	}
	if len(p.episodeRewards) > 0 {
		scalars["rollout/ep_rew_mean"] = stat.Mean(p.episodeRewards, nil)
		scalars["rollout/ep_len_mean"] = stat.Mean(p.episodeLengths, nil)
	}
	if stats.minibatches > 0 {
		scalars["train/policy_gradient_loss"] = stats.policyLoss
		scalars["train/value_loss"] = stats.valueLoss
		scalars["train/entropy_loss"] = stats.entropyLoss
		scalars["train/approx_kl"] = stats.approxKL
		scalars["train/clip_fraction"] = stats.clipFraction
		scalars["train/loss"] = stats.loss
		if !math.IsNaN(stats.explainedVariance) {
			scalars["train/explained_variance"] = stats.explainedVariance
		}
	}

	if p.config.Verbose >= 1 {
		fields := log.Fields{"total_timesteps": p.timesteps}
		for tag, value := range scalars {
			fields[tag] = value
		}
		log.WithFields(fields).Info("ppo iteration")
	}

	if writer != nil {
		if err := writer.AddScalars(scalars, p.timesteps); err != nil {
			log.Warnf("could not write summaries: %v", err)
		}
		if err := writer.Flush(); err != nil {
			log.Warnf("could not flush summaries: %v", err)
		}
	}
}
