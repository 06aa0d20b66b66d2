package pendulum

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestTruncatesAtStepLimit(t *testing.T) {
	env := NewDefault(11)
	step, err := env.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if !step.First() {
		t.Fatalf("reset should return a first step, got %v", step.StepType)
	}

	action := mat.NewVecDense(1, []float64{0.5})
	for i := 1; i <= 200; i++ {
		next, done, err := env.Step(action)
		if err != nil {
			t.Fatal(err)
		}
		if next.Number != i {
			t.Fatalf("step number: want(%d) have(%d)", i, next.Number)
		}
		if done != (i == 200) {
			t.Fatalf("step %d: unexpected done=%v", i, done)
		}
		if done && !next.TruncatedEnd() {
			t.Error("step limit should truncate, not terminate")
		}
		if th := next.Observation.AtVec(0); th < -math.Pi || th > math.Pi {
			t.Errorf("angle %v not normalized", th)
		}
	}
}

func TestStepRejectsWrongActionSize(t *testing.T) {
	env := NewDefault(3)
	if _, err := env.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Step(mat.NewVecDense(2, nil)); err == nil {
		t.Error("expected error for 2-dimensional action")
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
	}
	for _, test := range tests {
		if got := normalizeAngle(test.in); math.Abs(got-test.want) > 1e-9 {
			t.Errorf("normalizeAngle(%v): want(%v) have(%v)", test.in,
				test.want, got)
		}
	}
}
