package main

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/samuelfneumann/godotppo/experiment"
)

func execute(args ...string) error {
	cmd := rootCommand()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestRunWithoutModel(t *testing.T) {
	err := execute("--mode", "run", "--dir", t.TempDir())
	if errors.Cause(err) != experiment.ErrModelPathRequired {
		t.Errorf("want(ErrModelPathRequired) have(%v)", err)
	}
}

func TestBadFlags(t *testing.T) {
	cases := [][]string{
		{"--mode", "evaluate"},
		{"--log-level", "loud"},
		{"--mode", "train", "extra"},
	}
	for _, args := range cases {
		if err := execute(args...); err == nil {
			t.Errorf("expected error for arguments %v", args)
		}
	}
}

func TestDefaults(t *testing.T) {
	cmd := rootCommand()
	for flag, want := range map[string]string{
		"mode":  "train",
		"model": "",
		"addr":  "127.0.0.1:11008",
		"sim":   "godot",
	} {
		if got := cmd.Flags().Lookup(flag).DefValue; got != want {
			t.Errorf("default of --%v: want(%q) have(%q)", flag, want, got)
		}
	}
}
