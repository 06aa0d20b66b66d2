package ppo

import (
	"archive/zip"
	"encoding/gob"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/solver"
)

// Archive layout
const (
	Extension     = ".zip"
	dataFile      = "data.json"
	parameterFile = "policy.gob"
	versionFile   = "version"

	archiveVersion = "godotppo-ppo/1"
)

var (
	// ErrLoad is returned when a saved agent is missing or unreadable
	ErrLoad = errors.New("ppo: could not load agent")

	// ErrIncompatible is returned when a saved agent does not fit the
	// observation or action space of the environment it is loaded into
	ErrIncompatible = errors.New("ppo: incompatible agent")
)

// archiveData is the JSON description of a saved agent
type archiveData struct {
	Config     Config         `json:"config"`
	ObsSize    int            `json:"observation_size"`
	ActionSize int            `json:"action_size"`
	Timesteps  int            `json:"num_timesteps"`
	Optimizer  *solver.Solver `json:"optimizer"`
}

// parameters are the learned weights of an agent
type parameters struct {
	Pi     [][]float64
	VF     [][]float64
	LogStd []float64
}

// Save saves the agent to a zip archive at path, adding the ".zip"
// extension if path does not have it. Optimizer moments are not
// saved.
func (p *PPO) Save(path string) error {
	if !strings.HasSuffix(path, Extension) {
		path += Extension
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "save")
		}
	}

	// Write to a temporary file first so that an interrupted save
	// never leaves a truncated archive at path
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ppo-*.zip")
	if err != nil {
		return errors.Wrap(err, "save")
	}
	defer os.Remove(tmp.Name())

	if err := p.writeArchive(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "save: %v", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "save")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "save")
	}
	return nil
}

// writeArchive writes the zip archive of the agent to w
func (p *PPO) writeArchive(w io.Writer) error {
	zw := zip.NewWriter(w)

	version, err := zw.Create(versionFile)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(version, archiveVersion); err != nil {
		return err
	}

	data, err := zw.Create(dataFile)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(data)
	enc.SetIndent("", "  ")
	err = enc.Encode(archiveData{
		Config:     p.config,
		ObsSize:    p.features,
		ActionSize: p.actionDims,
		Timesteps:  p.timesteps,
		Optimizer:  p.solver,
	})
	if err != nil {
		return errors.Wrap(err, "could not encode data")
	}

	params, err := zw.Create(parameterFile)
	if err != nil {
		return err
	}
	pi, vf, logStd := p.train.weights()
	err = gob.NewEncoder(params).Encode(parameters{
		Pi:     pi,
		VF:     vf,
		LogStd: logStd,
	})
	if err != nil {
		return errors.Wrap(err, "could not encode parameters")
	}

	return zw.Close()
}

// Load loads an agent saved with Save and binds it to env. The path
// may be given with or without the ".zip" extension. Scalar summaries
// are not written until a log directory is set with SetLogDir.
func Load(path string, env environment.Environment) (*PPO, error) {
	if _, err := os.Stat(path); err != nil &&
		!strings.HasSuffix(path, Extension) {
		path += Extension
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "%v: %v", path, err)
	}
	defer zr.Close()

	var version string
	if err := readFile(&zr.Reader, versionFile, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		version = string(b)
		return err
	}); err != nil {
		return nil, errors.Wrapf(ErrLoad, "%v: %v", path, err)
	}
	if version != archiveVersion {
		return nil, errors.Wrapf(ErrLoad, "%v: unsupported version %q",
			path, version)
	}

	var data archiveData
	if err := readFile(&zr.Reader, dataFile, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&data)
	}); err != nil {
		return nil, errors.Wrapf(ErrLoad, "%v: %v", path, err)
	}

	var params parameters
	if err := readFile(&zr.Reader, parameterFile, func(r io.Reader) error {
		return gob.NewDecoder(r).Decode(&params)
	}); err != nil {
		return nil, errors.Wrapf(ErrLoad, "%v: %v", path, err)
	}

	obsSize := env.ObservationSpec().Len()
	actionSize := env.ActionSpec().Len()
	if data.ObsSize != obsSize || data.ActionSize != actionSize {
		return nil, errors.Wrapf(ErrIncompatible, "%v: saved for "+
			"observation size %d and action size %d, environment has %d "+
			"and %d", path, data.ObsSize, data.ActionSize, obsSize,
			actionSize)
	}

	agent, err := New(env, data.Config, "")
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "%v: %v", path, err)
	}
	if err := agent.train.setWeights(params.Pi, params.VF,
		params.LogStd); err != nil {
		agent.Close()
		return nil, errors.Wrapf(ErrLoad, "%v: %v", path, err)
	}
	if err := agent.predict.sync(agent.train); err != nil {
		agent.Close()
		return nil, errors.Wrapf(ErrLoad, "%v: %v", path, err)
	}
	if data.Optimizer != nil {
		agent.solver = data.Optimizer
	}
	agent.timesteps = data.Timesteps

	return agent, nil
}

// readFile calls read on the contents of the named file in the archive
func readFile(zr *zip.Reader, name string, read func(io.Reader) error) error {
	f, err := zr.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	return read(f)
}
