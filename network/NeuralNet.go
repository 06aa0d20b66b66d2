// Package network implements feed forward neural networks as Gorgonia
// computational graphs
package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// NeuralNet is a neural network whose forward pass has been added to a
// Gorgonia computational graph
type NeuralNet interface {
	Graph() *G.ExprGraph
	BatchSize() int
	Features() int
	Outputs() int
	Learnables() G.Nodes
	Model() []G.ValueGrad
	Prediction() *G.Node

	// Weights returns a copy of the current value of each learnable,
	// in the order of Learnables()
	Weights() [][]float64
	SetWeights([][]float64) error
}

// Set sets the weights of dest to be equal to the weights of source.
// Both networks must have the same architecture, but may have
// different batch sizes and graphs.
func Set(dest, source NeuralNet) error {
	return dest.SetWeights(source.Weights())
}

// NewInput adds a new input matrix node of shape (batch, features) to g
func NewInput(g *G.ExprGraph, batch, features int, name string) *G.Node {
	return G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, features),
		G.WithName(name),
		G.WithInit(G.Zeroes()),
	)
}

// SetInput sets the value of an input node before running the forward
// pass. The length of input must match the total size of the node.
func SetInput(node *G.Node, input []float64) error {
	if size := node.Shape().TotalSize(); len(input) != size {
		return fmt.Errorf("setInput: invalid number of inputs to %v"+
			"\n\twant(%v)\n\thave(%v)", node.Name(), size, len(input))
	}
	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(node.Shape()...),
	)
	return G.Let(node, inputTensor)
}
