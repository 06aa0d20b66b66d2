package initwfn

import (
	"encoding/json"
	"testing"

	"gorgonia.org/tensor"
)

func TestUnmarshalJSON(t *testing.T) {
	in := NewGlorotU(1.5)
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out InitWFn
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != GlorotU {
		t.Errorf("type: want(%v) have(%v)", GlorotU, out.Type)
	}
	if c, ok := out.Config.(GlorotUConfig); !ok || c.Gain != 1.5 {
		t.Errorf("config: want(%v) have(%v)", in.Config, out.Config)
	}
	if out.InitWFn() == nil {
		t.Error("unmarshalled initializer was not created")
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	var out InitWFn
	err := json.Unmarshal([]byte(`{"Type":"HeU","Config":{}}`), &out)
	if err == nil {
		t.Error("expected error for unknown initializer type")
	}
}

func TestConstant(t *testing.T) {
	values := NewConstant(-0.5).InitWFn()(tensor.Float64, 2, 3).([]float64)
	if len(values) != 6 {
		t.Fatalf("length: want(6) have(%d)", len(values))
	}
	for _, v := range values {
		if v != -0.5 {
			t.Errorf("value: want(-0.5) have(%v)", v)
		}
	}
}

func TestUnmarshalGlorotN(t *testing.T) {
	var out InitWFn
	err := json.Unmarshal([]byte(`{"Type":"GlorotN","Config":{"Gain":2}}`),
		&out)
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := out.Config.(GlorotNConfig); !ok || c.Gain != 2 {
		t.Errorf("config: want(GlorotN gain 2) have(%v)", out.Config)
	}
}
