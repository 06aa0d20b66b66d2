package environment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SpecType determines what kind of specification a Spec is. A Spec can
// specify the layout of an acion or an observation
type SpecType int

const (
	Action SpecType = iota
	Observation
)

// Cardinality determines the cardinality of a number (discrete or continuous)
type Cardinality string

const (
	Continuous Cardinality = "Continuous"
	Discrete   Cardinality = "Discrete"
)

// Spec implements an environment specification, which tells the type,
// shape, and bounds of an action or observation in an environment
type Spec struct {
	Shape      *mat.VecDense
	Type       SpecType
	LowerBound *mat.VecDense
	UpperBound *mat.VecDense
	Cardinality
}

// NewSpec constructs a new environment specification
// The shape argument outlines the shape of the data described by the
// specification. The argument t outlines what the specification is
// describing (e.g. actions, observations, etc.). The cardinality
// arguments describes whether the values that the spec describes are
// continuous or discrete.
func NewSpec(shape *mat.VecDense, t SpecType, lowerBound,
	upperBound *mat.VecDense, cardinality Cardinality) Spec {
	if shape.Len() != lowerBound.Len() {
		panic(fmt.Sprintf("shape length %v must match lower bounds length %v",
			shape.Len(), lowerBound.Len()))
	}
	if shape.Len() != upperBound.Len() {
		panic(fmt.Sprintf("shape length %v must match upper bounds length %v",
			shape.Len(), upperBound.Len()))
	}
	return Spec{shape, t, lowerBound, upperBound, cardinality}
}

// NewBoxSpec returns a continuous Spec of the given size where every
// dimension has the same bounds
func NewBoxSpec(size int, t SpecType, low, high float64) Spec {
	lower := make([]float64, size)
	upper := make([]float64, size)
	for i := 0; i < size; i++ {
		lower[i] = low
		upper[i] = high
	}

	return NewSpec(mat.NewVecDense(size, nil), t,
		mat.NewVecDense(size, lower), mat.NewVecDense(size, upper),
		Continuous)
}

// NewUnboundedSpec returns a continuous Spec of the given size with
// infinite bounds
func NewUnboundedSpec(size int, t SpecType) Spec {
	return NewBoxSpec(size, t, math.Inf(-1), math.Inf(1))
}

// Len returns the number of dimensions described by the Spec
func (s Spec) Len() int {
	return s.Shape.Len()
}

// Clip clips each element of v into the bounds of the Spec, returning
// a new vector
func (s Spec) Clip(v *mat.VecDense) *mat.VecDense {
	clipped := mat.NewVecDense(v.Len(), nil)
	for i := 0; i < v.Len(); i++ {
		clipped.SetVec(i, math.Max(s.LowerBound.AtVec(i),
			math.Min(s.UpperBound.AtVec(i), v.AtVec(i))))
	}
	return clipped
}
