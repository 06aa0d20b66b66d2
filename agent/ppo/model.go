package ppo

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/godotppo/buffer/gae"
	"github.com/samuelfneumann/godotppo/initwfn"
	"github.com/samuelfneumann/godotppo/network"
)

var log2Pi = math.Log(2 * math.Pi)

// trainModel is the computational graph used for PPO updates. The
// policy and value towers read the same batch of observations, and the
// policy is a diagonal Gaussian whose log standard deviation is a
// learned parameter independent of the observation.
type trainModel struct {
	g          *G.ExprGraph
	vm         G.VM
	pi         *network.MLP
	vf         *network.MLP
	logStd     *G.Node
	learnables G.Nodes
	model      []G.ValueGrad

	// Inputs
	obs        *G.Node
	actions    *G.Node
	oldLogProb *G.Node
	advantages *G.Node
	returns    *G.Node

	// Outputs read after each pass
	policyLossVal G.Value
	valueLossVal  G.Value
	entropyVal    G.Value
	lossVal       G.Value
	ratioVal      G.Value
}

// newTrainModel builds the PPO loss for minibatches of batch
// transitions and its gradient
func newTrainModel(c Config, features, actionDims, batch int) (*trainModel,
	error) {
	g := G.NewGraph()
	m := &trainModel{g: g}

	m.obs = network.NewInput(g, batch, features, "obs")
	m.actions = network.NewInput(g, batch, actionDims, "actions")
	m.oldLogProb = newVector(g, batch, "old_log_prob")
	m.advantages = newVector(g, batch, "advantages")
	m.returns = newVector(g, batch, "returns")

	var err error
	m.pi, err = network.NewMLP(m.obs, actionDims, c.PiLayers,
		c.activations(len(c.PiLayers)), c.Init.InitWFn(), "pi")
	if err != nil {
		return nil, errors.Wrap(err, "newTrainModel: policy")
	}
	m.vf, err = network.NewMLP(m.obs, 1, c.VFLayers,
		c.activations(len(c.VFLayers)), c.Init.InitWFn(), "vf")
	if err != nil {
		return nil, errors.Wrap(err, "newTrainModel: value function")
	}
	m.logStd = newLogStd(g, actionDims, c.LogStdInit)

	// log π(a|s) = -½ Σ ((a - μ) / σ)² - Σ log σ - ½ d log 2π
	d := float64(actionDims)
	diff := G.Must(G.Sub(m.actions, m.pi.Prediction()))
	invStd := G.Must(G.Exp(G.Must(G.Neg(m.logStd))))
	z := G.Must(G.BroadcastHadamardProd(diff, invStd, nil, []byte{0}))
	exponent := G.Must(G.Sum(G.Must(G.Square(z)), 1))
	exponent = G.Must(G.Mul(exponent, G.NewConstant(-0.5)))
	sumLogStd := G.Must(G.Sum(m.logStd))
	normalizer := G.Must(G.Add(sumLogStd, G.NewConstant(0.5*d*log2Pi)))
	logProb := G.Must(G.Sub(exponent, normalizer))

	// Clipped surrogate objective
	ratio := G.Must(G.Exp(G.Must(G.Sub(logProb, m.oldLogProb))))
	surr1 := G.Must(G.HadamardProd(ratio, m.advantages))
	clipped := clip(ratio, 1-c.ClipRange, 1+c.ClipRange)
	surr2 := G.Must(G.HadamardProd(clipped, m.advantages))
	policyLoss := G.Must(G.Neg(G.Must(G.Mean(minimum(surr1, surr2)))))

	values := G.Must(G.Reshape(m.vf.Prediction(), tensor.Shape{batch}))
	valueLoss := G.Must(G.Sub(values, m.returns))
	valueLoss = G.Must(G.Mean(G.Must(G.Square(valueLoss))))

	// Entropy of a diagonal Gaussian: Σ log σ + ½ d (1 + log 2π)
	entropy := G.Must(G.Add(sumLogStd, G.NewConstant(0.5*d*(1+log2Pi))))

	loss := G.Must(G.Add(policyLoss,
		G.Must(G.Mul(valueLoss, G.NewConstant(c.VFCoef)))))
	loss = G.Must(G.Sub(loss, G.Must(G.Mul(entropy,
		G.NewConstant(c.EntCoef)))))

	G.Read(policyLoss, &m.policyLossVal)
	G.Read(valueLoss, &m.valueLossVal)
	G.Read(entropy, &m.entropyVal)
	G.Read(loss, &m.lossVal)
	G.Read(ratio, &m.ratioVal)

	m.learnables = append(append(G.Nodes{}, m.pi.Learnables()...),
		m.vf.Learnables()...)
	m.learnables = append(m.learnables, m.logStd)
	for _, node := range m.learnables {
		m.model = append(m.model, node)
	}

	if _, err := G.Grad(loss, m.learnables...); err != nil {
		return nil, errors.Wrap(err, "newTrainModel: could not compute "+
			"gradient")
	}
	m.vm = G.NewTapeMachine(g, G.BindDualValues(m.learnables...))

	return m, nil
}

// clip returns x clipped elementwise to [low, high], using
// x - relu(x - high) + relu(low - x)
func clip(x *G.Node, low, high float64) *G.Node {
	over := G.Must(G.Rectify(G.Must(G.Sub(x, G.NewConstant(high)))))
	under := G.Must(G.Sub(x, G.NewConstant(low)))
	under = G.Must(G.Rectify(G.Must(G.Neg(under))))

	return G.Must(G.Add(G.Must(G.Sub(x, over)), under))
}

// minimum returns the elementwise minimum a - relu(a - b)
func minimum(a, b *G.Node) *G.Node {
	return G.Must(G.Sub(a, G.Must(G.Rectify(G.Must(G.Sub(a, b))))))
}

func newVector(g *G.ExprGraph, size int, name string) *G.Node {
	return G.NewVector(
		g,
		tensor.Float64,
		G.WithShape(size),
		G.WithName(name),
		G.WithInit(G.Zeroes()),
	)
}

func newLogStd(g *G.ExprGraph, actionDims int, init float64) *G.Node {
	return G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(1, actionDims),
		G.WithName("log_std"),
		G.WithInit(initwfn.NewConstant(init).InitWFn()),
	)
}

// minibatchStats holds the values computed in one pass over a minibatch
type minibatchStats struct {
	policyLoss   float64
	valueLoss    float64
	entropy      float64
	loss         float64
	approxKL     float64
	clipFraction float64
}

// step runs one gradient step on a minibatch. Gradients are clipped to
// a global norm of maxGradNorm before the solver is applied.
func (m *trainModel) step(mini gae.Batch, solver G.Solver, clipRange,
	maxGradNorm float64) (minibatchStats, error) {
	inputs := []struct {
		node *G.Node
		data []float64
	}{
		{m.obs, mini.Obs},
		{m.actions, mini.Act},
		{m.oldLogProb, mini.LogProb},
		{m.advantages, mini.Adv},
		{m.returns, mini.Ret},
	}
	for _, in := range inputs {
		if err := network.SetInput(in.node, in.data); err != nil {
			return minibatchStats{}, errors.Wrap(err, "step")
		}
	}

	defer m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return minibatchStats{}, errors.Wrap(err, "step")
	}

	stats := minibatchStats{
		policyLoss: m.policyLossVal.Data().(float64),
		valueLoss:  m.valueLossVal.Data().(float64),
		entropy:    m.entropyVal.Data().(float64),
		loss:       m.lossVal.Data().(float64),
	}

	// http://joschu.net/blog/kl-approx.html
	ratios := m.ratioVal.Data().([]float64)
	for _, r := range ratios {
		stats.approxKL += (r - 1) - math.Log(r)
		if math.Abs(r-1) > clipRange {
			stats.clipFraction++
		}
	}
	stats.approxKL /= float64(len(ratios))
	stats.clipFraction /= float64(len(ratios))

	if err := clipGradNorm(m.learnables, maxGradNorm); err != nil {
		return minibatchStats{}, errors.Wrap(err, "step")
	}
	if err := solver.Step(m.model); err != nil {
		return minibatchStats{}, errors.Wrap(err, "step")
	}

	return stats, nil
}

// clipGradNorm scales the gradients of nodes in place so that their
// global L2 norm is at most maxNorm
func clipGradNorm(nodes G.Nodes, maxNorm float64) error {
	grads := make([][]float64, len(nodes))
	total := 0.0
	for i, node := range nodes {
		grad, err := node.Grad()
		if err != nil {
			return errors.Wrapf(err, "clipGradNorm: %v", node.Name())
		}
		grads[i] = grad.Data().([]float64)
		total += floats.Dot(grads[i], grads[i])
	}

	norm := math.Sqrt(total)
	if norm <= maxNorm {
		return nil
	}
	scale := maxNorm / (norm + 1e-6)
	for _, grad := range grads {
		floats.Scale(scale, grad)
	}
	return nil
}

// weights returns a copy of the policy, value function, and log
// standard deviation parameters
func (m *trainModel) weights() (pi, vf [][]float64, logStd []float64) {
	logStd = append([]float64{}, m.logStd.Value().Data().([]float64)...)
	return m.pi.Weights(), m.vf.Weights(), logStd
}

// setWeights overwrites the parameters of the model
func (m *trainModel) setWeights(pi, vf [][]float64, logStd []float64) error {
	if err := m.pi.SetWeights(pi); err != nil {
		return errors.Wrap(err, "setWeights: policy")
	}
	if err := m.vf.SetWeights(vf); err != nil {
		return errors.Wrap(err, "setWeights: value function")
	}
	return network.SetNodeWeights(G.Nodes{m.logStd}, [][]float64{logStd})
}

// predictor evaluates the policy mean and state value of a single
// observation. Its weights are copied from a trainModel.
type predictor struct {
	vm     G.VM
	obs    *G.Node
	pi     *network.MLP
	vf     *network.MLP
	logStd []float64
}

func newPredictor(c Config, features, actionDims int) (*predictor, error) {
	g := G.NewGraph()
	obs := network.NewInput(g, 1, features, "obs")

	pi, err := network.NewMLP(obs, actionDims, c.PiLayers,
		c.activations(len(c.PiLayers)), initwfn.NewZeroes().InitWFn(),
		"pi")
	if err != nil {
		return nil, errors.Wrap(err, "newPredictor: policy")
	}
	vf, err := network.NewMLP(obs, 1, c.VFLayers,
		c.activations(len(c.VFLayers)), initwfn.NewZeroes().InitWFn(),
		"vf")
	if err != nil {
		return nil, errors.Wrap(err, "newPredictor: value function")
	}

	return &predictor{
		vm:     G.NewTapeMachine(g),
		obs:    obs,
		pi:     pi,
		vf:     vf,
		logStd: make([]float64, actionDims),
	}, nil
}

// sync copies the weights of m into the predictor
func (p *predictor) sync(m *trainModel) error {
	if err := network.Set(p.pi, m.pi); err != nil {
		return errors.Wrap(err, "sync: policy")
	}
	if err := network.Set(p.vf, m.vf); err != nil {
		return errors.Wrap(err, "sync: value function")
	}
	copy(p.logStd, m.logStd.Value().Data().([]float64))
	return nil
}

// forward returns the policy mean and state value of obs
func (p *predictor) forward(obs []float64) ([]float64, float64, error) {
	if err := network.SetInput(p.obs, obs); err != nil {
		return nil, 0, errors.Wrap(err, "forward")
	}

	defer p.vm.Reset()
	if err := p.vm.RunAll(); err != nil {
		return nil, 0, errors.Wrap(err, "forward")
	}

	mean := append([]float64{}, p.pi.Prediction().Value().Data().([]float64)...)
	value := p.vf.Prediction().Value().Data().([]float64)[0]
	return mean, value, nil
}

func (p *predictor) close() {
	p.vm.Close()
}

func (m *trainModel) close() {
	m.vm.Close()
}
