package solver

import (
	"encoding/json"
	"testing"
)

func TestAdamJSON(t *testing.T) {
	adam, err := NewAdam(3e-4, 1e-5, 0.9, 0.999, 1)
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(adam)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Solver
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Config != adam.Config {
		t.Errorf("config: want(%v) have(%v)", adam.Config, decoded.Config)
	}
	if decoded.Solver == nil {
		t.Error("decoded solver was not created")
	}
}

func TestAdamValidate(t *testing.T) {
	if _, err := NewAdam(0, 1e-5, 0.9, 0.999, 1); err == nil {
		t.Error("expected error for zero step size")
	}
	if _, err := NewAdam(1e-3, 1e-5, 1, 0.999, 1); err == nil {
		t.Error("expected error for beta1 = 1")
	}
}
