package gae

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestDiscountCumSum(t *testing.T) {
	got := discountCumSum([]float64{1, 1, 1}, 0.5)
	want := []float64{1.75, 1.5, 1}
	if !floats.EqualApprox(got, want, 1e-12) {
		t.Errorf("discountCumSum: want(%v) have(%v)", want, got)
	}
}

func TestFinishPathBootstraps(t *testing.T) {
	b := New(1, 1, 4, 0.5, 0.5)
	if err := b.Store([]float64{0}, []float64{0}, 1, 1, -1); err != nil {
		t.Fatal(err)
	}
	if err := b.Store([]float64{1}, []float64{1}, 1, 2, -2); err != nil {
		t.Fatal(err)
	}

	// Truncated path, bootstrap from v(s') = 4
	//   δ = [1 + 0.5*2 - 1, 1 + 0.5*4 - 2] = [1, 1]
	//   A = [1 + 0.25*1, 1] = [1.25, 1]
	//   R = A + v = [2.25, 3]
	b.FinishPath(4)

	batch, err := b.Get()
	if err != nil {
		t.Fatal(err)
	}
	if batch.Size != 2 {
		t.Fatalf("size: want(2) have(%d)", batch.Size)
	}
	if want := []float64{2.25, 3}; !floats.EqualApprox(batch.Ret, want,
		1e-12) {
		t.Errorf("returns: want(%v) have(%v)", want, batch.Ret)
	}

	want := []float64{math.Sqrt2 / 2, -math.Sqrt2 / 2}
	if !floats.EqualApprox(batch.Adv, want, 1e-6) {
		t.Errorf("advantages: want(%v) have(%v)", want, batch.Adv)
	}
	if want := []float64{-1, -2}; !floats.Equal(batch.LogProb, want) {
		t.Errorf("log probs: want(%v) have(%v)", want, batch.LogProb)
	}
	if b.Len() != 0 {
		t.Errorf("buffer should be empty after get, has %d", b.Len())
	}
}

func TestTerminalPathsAreIndependent(t *testing.T) {
	b := New(1, 1, 3, 1, 0.5)
	b.Store([]float64{0}, []float64{0}, 1, 0, 0)
	b.FinishPath(0)
	b.Store([]float64{0}, []float64{0}, 1, 0, 0)
	b.Store([]float64{0}, []float64{0}, 1, 0, 0)
	b.FinishPath(0)

	if !b.Full() {
		t.Error("buffer should be full")
	}

	batch, err := b.Get()
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{1, 1.5, 1}; !floats.EqualApprox(batch.Ret, want,
		1e-12) {
		t.Errorf("returns: want(%v) have(%v)", want, batch.Ret)
	}
}

func TestGetRequiresFinishedPath(t *testing.T) {
	b := New(1, 1, 2, 0.95, 0.99)
	b.Store([]float64{0}, []float64{0}, 1, 0, 0)
	if _, err := b.Get(); err == nil {
		t.Error("expected error for unfinished path")
	}
}

func TestStoreAtCapacity(t *testing.T) {
	b := New(1, 1, 1, 0.95, 0.99)
	if err := b.Store([]float64{0}, []float64{0}, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Store([]float64{0}, []float64{0}, 1, 0, 0); err == nil {
		t.Error("expected error when storing in a full buffer")
	}
}

func TestGather(t *testing.T) {
	b := New(2, 1, 3, 1, 1)
	for i := 0; i < 3; i++ {
		x := float64(i)
		b.Store([]float64{x, 10 * x}, []float64{-x}, 0, 0, x)
	}
	b.FinishPath(0)
	batch, _ := b.Get()

	mini, err := batch.Gather([]int{2, 0})
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{2, 20, 0, 0}; !floats.Equal(mini.Obs, want) {
		t.Errorf("obs: want(%v) have(%v)", want, mini.Obs)
	}
	if want := []float64{-2, 0}; !floats.Equal(mini.Act, want) {
		t.Errorf("act: want(%v) have(%v)", want, mini.Act)
	}
	if want := []float64{2, 0}; !floats.Equal(mini.LogProb, want) {
		t.Errorf("log probs: want(%v) have(%v)", want, mini.LogProb)
	}

	if _, err := batch.Gather([]int{3}); err == nil {
		t.Error("expected error for out of range index")
	}
}
