package checkpointer

import (
	"errors"
	"path/filepath"
	"testing"
)

type recorder struct {
	paths []string
	err   error
}

func (r *recorder) Save(path string) error {
	r.paths = append(r.paths, path)
	return r.err
}

func TestNStepCadence(t *testing.T) {
	r := &recorder{}
	c, err := NewNStep(50000, r, StepNamer("checkpoints", "self_driving_ppo"))
	if err != nil {
		t.Fatal(err)
	}

	for step := 1; step <= 100000; step++ {
		if err := c.Checkpoint(step); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{
		filepath.Join("checkpoints", "self_driving_ppo_50000_steps"),
		filepath.Join("checkpoints", "self_driving_ppo_100000_steps"),
	}
	if len(r.paths) != len(want) {
		t.Fatalf("checkpoints: want(%v) have(%v)", want, r.paths)
	}
	for i := range want {
		if r.paths[i] != want[i] {
			t.Errorf("checkpoint %d: want(%v) have(%v)", i, want[i],
				r.paths[i])
		}
	}
}

func TestNStepRejectsBadInterval(t *testing.T) {
	if _, err := NewNStep(0, &recorder{}, StepNamer(".", "x")); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestListStopsOnError(t *testing.T) {
	failing := &recorder{err: errors.New("disk full")}
	after := &recorder{}
	first, _ := NewNStep(1, failing, StepNamer("a", "x"))
	second, _ := NewNStep(1, after, StepNamer("b", "x"))

	if err := List(first, nil, second).Checkpoint(1); err == nil {
		t.Error("expected error from failing checkpointer")
	}
	if len(after.paths) != 0 {
		t.Error("checkpointers after a failure should not run")
	}
}
