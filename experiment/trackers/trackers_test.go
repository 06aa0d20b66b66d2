package trackers

import (
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/floats"

	ts "github.com/samuelfneumann/godotppo/timestep"
)

func episode(rewards []float64) []ts.TimeStep {
	steps := []ts.TimeStep{ts.New(ts.First, 0, 1, nil, 0)}
	for i, r := range rewards {
		t := ts.Mid
		if i == len(rewards)-1 {
			t = ts.Last
		}
		steps = append(steps, ts.New(t, r, 1, nil, i+1))
	}
	return steps
}

func TestReturnAndLength(t *testing.T) {
	dir := t.TempDir()
	ret := NewReturn(filepath.Join(dir, "return.bin"))
	length := NewEpisodeLength(filepath.Join(dir, "length.bin"))

	var steps []ts.TimeStep
	steps = append(steps, episode([]float64{1, 2, 3})...)
	// An episode cut short by a reset is discarded
	steps = append(steps, episode([]float64{5, 5, 5})[:2]...)
	steps = append(steps, episode([]float64{-1, 0.5})...)

	for _, step := range steps {
		ret.Track(step)
		length.Track(step)
	}

	if want := []float64{6, -0.5}; !floats.Equal(ret.Data(), want) {
		t.Errorf("returns: want(%v) have(%v)", want, ret.Data())
	}
	lengths := length.Data()
	if len(lengths) != 2 || lengths[0] != 3 || lengths[1] != 2 {
		t.Errorf("lengths: want([3 2]) have(%v)", lengths)
	}

	if err := ret.Save(); err != nil {
		t.Fatal(err)
	}
	data, err := LoadData(filepath.Join(dir, "return.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(data, ret.Data()) {
		t.Errorf("loaded data: want(%v) have(%v)", ret.Data(), data)
	}
}
