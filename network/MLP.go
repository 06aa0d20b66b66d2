package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// MLP implements a multi-layered perceptron. The network is built on
// top of an existing input node, so that several networks may read the
// same input in a single computational graph.
type MLP struct {
	g          *G.ExprGraph
	layers     []*fcLayer
	input      *G.Node
	numOutputs int
	numInputs  int
	batchSize  int

	hiddenSizes []int
	activations []*Activation

	learnables G.Nodes
	model      []G.ValueGrad

	prediction *G.Node
}

// NewMLP creates and returns a new multi-layered perceptron that reads
// from the matrix node input, of shape (batch, features), and adds its
// forward pass to the graph of input.
//
// The MLP has number of layers equal to len(hiddenSizes) + 1, where
// hiddenSizes[i] is the number of nodes in hidden layer i and
// activations[i] is the activation function of hidden layer i. A final
// linear layer is always added such that the network predicts outputs
// values for each input row. All layers have bias units. The parameter
// init determines the weight initialization scheme, and prefix is
// prepended to the names of all nodes added to the graph.
func NewMLP(input *G.Node, outputs int, hiddenSizes []int,
	activations []*Activation, init G.InitWFn, prefix string) (*MLP, error) {
	if len(hiddenSizes) != len(activations) {
		msg := "newMLP: invalid number of activations\n\twant(%d)\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(activations))
	}
	if !input.IsMatrix() {
		return nil, fmt.Errorf("newMLP: input must be a matrix")
	}
	if outputs < 1 {
		return nil, fmt.Errorf("newMLP: outputs must be positive, got %d",
			outputs)
	}

	batch := input.Shape()[0]
	features := input.Shape()[1]

	sizes := append(append([]int{}, hiddenSizes...), outputs)
	acts := append(append([]*Activation{}, activations...), Identity())

	layers := make([]*fcLayer, len(sizes))
	in := features
	for i, size := range sizes {
		if size < 1 {
			return nil, fmt.Errorf("newMLP: layer %d has %d units", i, size)
		}
		layers[i] = newFCLayer(input.Graph(), in, size, init, acts[i],
			prefix, i)
		in = size
	}

	network := MLP{
		g:           input.Graph(),
		layers:      layers,
		input:       input,
		numOutputs:  outputs,
		numInputs:   features,
		batchSize:   batch,
		hiddenSizes: append([]int{}, hiddenSizes...),
		activations: acts[:len(acts)-1],
	}
	if _, err := network.fwd(input); err != nil {
		return nil, fmt.Errorf("newMLP: could not compute forward pass: %v",
			err)
	}

	return &network, nil
}

// Graph returns the computational graph of the MLP
func (e *MLP) Graph() *G.ExprGraph {
	return e.g
}

// Input returns the input node of the MLP
func (e *MLP) Input() *G.Node {
	return e.input
}

// BatchSize returns the batch size of inputs to the network
func (e *MLP) BatchSize() int {
	return e.batchSize
}

// Features returns the number of features in a single input row
func (e *MLP) Features() int {
	return e.numInputs
}

// Outputs returns the number of outputs predicted per input row
func (e *MLP) Outputs() int {
	return e.numOutputs
}

// Learnables returns the learnable nodes in the MLP
func (e *MLP) Learnables() G.Nodes {
	// Lazy instantiation
	if e.learnables == nil {
		learnables := make([]*G.Node, 0, 2*len(e.layers))
		for _, layer := range e.layers {
			learnables = append(learnables, layer.weights, layer.bias)
		}
		e.learnables = G.Nodes(learnables)
	}
	return e.learnables
}

// Model returns the learnables nodes with their gradients.
func (e *MLP) Model() []G.ValueGrad {
	// Lazy instantiation
	if e.model == nil {
		model := make([]G.ValueGrad, 0, 2*len(e.layers))
		for _, node := range e.Learnables() {
			model = append(model, node)
		}
		e.model = model
	}
	return e.model
}

// Prediction returns the node of the computational graph that stores
// the output of the MLP
func (e *MLP) Prediction() *G.Node {
	return e.prediction
}

// Weights returns a copy of the values of all learnables
func (e *MLP) Weights() [][]float64 {
	return CopyWeights(e.Learnables())
}

// SetWeights sets the values of all learnables, in the order given by
// Learnables()
func (e *MLP) SetWeights(weights [][]float64) error {
	return SetNodeWeights(e.Learnables(), weights)
}

// fwd performs the forward pass of the MLP on the input node
func (e *MLP) fwd(input *G.Node) (*G.Node, error) {
	pred := input
	var err error
	for i, l := range e.layers {
		if pred, err = l.fwd(pred); err != nil {
			msg := "fwd: could not compute forward pass of layer %v: %v"
			return nil, fmt.Errorf(msg, i, err)
		}
	}

	e.prediction = pred
	return pred, nil
}

// CopyWeights returns a copy of the value of each node
func CopyWeights(nodes G.Nodes) [][]float64 {
	weights := make([][]float64, len(nodes))
	for i, node := range nodes {
		data := node.Value().Data().([]float64)
		weights[i] = make([]float64, len(data))
		copy(weights[i], data)
	}
	return weights
}

// SetNodeWeights copies weights into the values of nodes. The values
// are overwritten in place so that any VM bound to the nodes sees the
// new weights.
func SetNodeWeights(nodes G.Nodes, weights [][]float64) error {
	if len(weights) != len(nodes) {
		return fmt.Errorf("setWeights: invalid number of weights"+
			"\n\twant(%d)\n\thave(%d)", len(nodes), len(weights))
	}

	for i, node := range nodes {
		if node.Value() == nil {
			if err := G.Let(node, tensor.New(
				tensor.WithShape(node.Shape()...),
				tensor.Of(tensor.Float64),
			)); err != nil {
				return err
			}
		}

		data := node.Value().Data().([]float64)
		if len(data) != len(weights[i]) {
			return fmt.Errorf("setWeights: invalid size for %v"+
				"\n\twant(%d)\n\thave(%d)", node.Name(), len(data),
				len(weights[i]))
		}
		copy(data, weights[i])
	}
	return nil
}
