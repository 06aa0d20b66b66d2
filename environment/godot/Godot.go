// Package godot implements an environment.Environment backed by a Godot
// game engine scene, reached over the engine's TCP bridge protocol.
//
// Each message on the bridge is a 4-byte little-endian length followed
// by that many bytes of JSON. After a handshake and an env_info
// exchange describing the observation and action spaces, the client
// drives the engine with reset and action messages, one blocking
// exchange at a time.
package godot

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/godotppo/environment"
	ts "github.com/samuelfneumann/godotppo/timestep"
)

// DefaultAddr is the address the engine bridge listens on by default
const DefaultAddr = "127.0.0.1:11008"

var (
	// ErrSimulationUnavailable is returned when no engine could be
	// reached within the configured connection attempts
	ErrSimulationUnavailable = errors.New("godot: simulation unavailable")

	// ErrProtocol is returned when the engine sends a malformed or
	// unexpected message
	ErrProtocol = errors.New("godot: protocol error")

	// ErrClosed is returned when using an environment after Close
	ErrClosed = errors.New("godot: environment closed")
)

// Config configures the connection to the engine
type Config struct {
	// Addr is the host:port of the engine bridge
	Addr string

	// Listen makes the environment wait for the engine to connect to
	// Addr instead of dialing it
	Listen bool

	// EnvPath is an exported engine binary to launch. If empty, an
	// already running engine (e.g. the editor) is attached to.
	EnvPath    string
	ShowWindow bool
	Speedup    int

	ConnectAttempts int
	ConnectBackoff  time.Duration
	MaxBackoff      time.Duration
	ListenTimeout   time.Duration

	// StepTimeout bounds each request/response exchange. Zero means no
	// deadline.
	StepTimeout time.Duration
}

// DefaultConfig returns the default connection configuration
func DefaultConfig() Config {
	return Config{
		Addr:            DefaultAddr,
		ShowWindow:      true,
		Speedup:         1,
		ConnectAttempts: 10,
		ConnectBackoff:  500 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		ListenTimeout:   2 * time.Minute,
	}
}

// Validate returns an error if the configuration is unusable
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrapf(err, "validate: bad address %q", c.Addr)
	}
	if c.Speedup < 1 {
		return fmt.Errorf("validate: speedup must be >= 1, got %d", c.Speedup)
	}
	if !c.Listen && c.ConnectAttempts < 1 {
		return fmt.Errorf("validate: connect attempts must be >= 1, got %d",
			c.ConnectAttempts)
	}
	return nil
}

// Env is a single-agent Godot environment with continuous actions.
// Actions are expected in [-1, 1] in every dimension.
type Env struct {
	config Config
	conn   net.Conn
	engine *exec.Cmd

	obsSpaces    []space
	actionSpaces []space
	obsSpec      environment.Spec
	actionSpec   environment.Spec

	lastStep ts.TimeStep

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// New connects to the engine, performing the handshake and reading the
// environment description. If config.EnvPath is set, the engine is
// launched first. On failure every acquired resource is released.
func New(ctx context.Context, config Config) (*Env, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "new")
	}

	e := &Env{config: config}

	var err error
	if config.Listen {
		ln, lerr := net.Listen("tcp", config.Addr)
		if lerr != nil {
			return nil, errors.Wrapf(lerr, "new: could not listen on %v",
				config.Addr)
		}
		defer ln.Close()

		if config.EnvPath != "" {
			if e.engine, err = launch(config); err != nil {
				return nil, err
			}
		}
		e.conn, err = accept(ctx, ln, config.ListenTimeout)
	} else {
		if config.EnvPath != "" {
			if e.engine, err = launch(config); err != nil {
				return nil, err
			}
		}
		e.conn, err = dial(ctx, config)
	}
	if err != nil {
		e.Close()
		return nil, err
	}

	if err := e.handshake(); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.envInfo(); err != nil {
		e.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"addr":        config.Addr,
		"observation": e.obsSpec.Len(),
		"action":      e.actionSpec.Len(),
	}).Info("connected to godot")

	return e, nil
}

// dial connects to the engine with bounded exponential backoff
func dial(ctx context.Context, config Config) (net.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.ConnectBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	if config.MaxBackoff > 0 {
		policy.MaxInterval = config.MaxBackoff
	}
	policy.Reset()
	retries := backoff.WithMaxRetries(policy,
		uint64(config.ConnectAttempts-1))

	var dialer net.Dialer
	var conn net.Conn
	attempt := 0
	connect := func() error {
		attempt++
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", config.Addr)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"addr":    config.Addr,
			"attempt": attempt,
			"of":      config.ConnectAttempts,
			"retry":   wait,
		}).Debugf("connection failed: %v", err)
	}

	err := backoff.RetryNotify(connect, backoff.WithContext(retries, ctx),
		notify)
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "dial")
	}
	return nil, errors.Wrapf(ErrSimulationUnavailable,
		"no engine at %v after %d attempts: %v", config.Addr, attempt, err)
}

// accept waits for the engine to connect to ln
func accept(ctx context.Context, ln net.Listener,
	timeout time.Duration) (net.Conn, error) {
	log.WithField("addr", ln.Addr()).Info("waiting for godot to connect")

	if tcp, ok := ln.(*net.TCPListener); ok && timeout > 0 {
		tcp.SetDeadline(time.Now().Add(timeout))
	}

	// Unblock Accept on cancellation
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "accept")
		}
		return nil, errors.Wrapf(ErrSimulationUnavailable, "accept: %v", err)
	}
	return conn, nil
}

// exchange sends req and reads a response of type want
func (e *Env) exchange(req request, want string) (response, error) {
	if e.closed {
		return response{}, ErrClosed
	}

	if e.config.StepTimeout > 0 {
		e.conn.SetDeadline(time.Now().Add(e.config.StepTimeout))
		defer e.conn.SetDeadline(time.Time{})
	}

	if err := writeMessage(e.conn, req); err != nil {
		return response{}, errors.Wrapf(err, "%v", req.Type)
	}
	resp, err := readResponse(e.conn, want)
	if err != nil {
		return response{}, errors.Wrapf(err, "%v", req.Type)
	}
	return resp, nil
}

// handshake agrees on the protocol version
func (e *Env) handshake() error {
	_, err := e.exchange(request{
		Type:         handshakeType,
		MajorVersion: MajorVersion,
		MinorVersion: MinorVersion,
	}, handshakeType)
	return err
}

// envInfo reads the observation and action spaces
func (e *Env) envInfo() error {
	resp, err := e.exchange(request{Type: envInfoType}, envInfoType)
	if err != nil {
		return err
	}

	if resp.NAgents > 1 {
		return errors.Wrapf(ErrProtocol, "env_info: %d agents, only a "+
			"single agent is supported", resp.NAgents)
	}

	e.obsSpaces, err = parseSpaces(resp.ObservationSpace)
	if err != nil {
		return errors.Wrapf(ErrProtocol, "env_info: observation space: %v",
			err)
	}
	e.actionSpaces, err = parseSpaces(resp.ActionSpace)
	if err != nil {
		return errors.Wrapf(ErrProtocol, "env_info: action space: %v", err)
	}

	obsSize, actionSize := totalSize(e.obsSpaces), totalSize(e.actionSpaces)
	if obsSize == 0 || actionSize == 0 {
		return errors.Wrapf(ErrProtocol, "env_info: empty space "+
			"(observation %d, action %d)", obsSize, actionSize)
	}

	e.obsSpec = environment.NewUnboundedSpec(obsSize, environment.Observation)
	e.actionSpec = environment.NewBoxSpec(actionSize, environment.Action, -1, 1)
	for _, s := range e.actionSpaces {
		if !s.Continuous {
			e.actionSpec.Cardinality = environment.Discrete
		}
	}
	return nil
}

// observation flattens the observation of the single agent
func (e *Env) observation(obs []map[string]floats) (*mat.VecDense, error) {
	if len(obs) != 1 {
		return nil, errors.Wrapf(ErrProtocol, "expected observations for "+
			"1 agent, got %d", len(obs))
	}

	data := make([]float64, 0, e.obsSpec.Len())
	for _, s := range e.obsSpaces {
		values, ok := obs[0][s.Key]
		if !ok {
			return nil, errors.Wrapf(ErrProtocol, "missing observation %q",
				s.Key)
		}
		if len(values) != s.Size {
			return nil, errors.Wrapf(ErrProtocol, "observation %q has "+
				"size %d, expected %d", s.Key, len(values), s.Size)
		}
		data = append(data, values...)
	}
	return mat.NewVecDense(len(data), data), nil
}

// Reset resets the scene and returns the first timestep of an episode
func (e *Env) Reset() (ts.TimeStep, error) {
	resp, err := e.exchange(request{Type: resetType}, resetType)
	if err != nil {
		return ts.TimeStep{}, err
	}

	obs, err := e.observation(resp.Obs)
	if err != nil {
		return ts.TimeStep{}, errors.Wrap(err, "reset")
	}

	e.lastStep = ts.New(ts.First, 0, 1, obs, 0)
	return e.lastStep, nil
}

// Step sends action to the engine and returns the next timestep and
// whether the episode ended. Whether the episode terminated or was
// truncated is recorded on the returned TimeStep.
func (e *Env) Step(action *mat.VecDense) (ts.TimeStep, bool, error) {
	if action.Len() != e.actionSpec.Len() {
		return ts.TimeStep{}, true, fmt.Errorf("step: actions should be "+
			"%d-dimensional, got %d", e.actionSpec.Len(), action.Len())
	}
	if e.closed {
		return ts.TimeStep{}, true, ErrClosed
	}
	if e.lastStep.Observation == nil {
		return ts.TimeStep{}, true, fmt.Errorf("step: reset must be " +
			"called before step")
	}

	// Split the flat action between the action keys
	act := make(map[string][]float64, len(e.actionSpaces))
	i := 0
	for _, s := range e.actionSpaces {
		values := make([]float64, s.Size)
		for j := range values {
			values[j] = action.AtVec(i)
			i++
		}
		act[s.Key] = values
	}

	resp, err := e.exchange(request{
		Type:   actionType,
		Action: []map[string][]float64{act},
	}, stepType)
	if err != nil {
		return ts.TimeStep{}, true, err
	}

	obs, err := e.observation(resp.Obs)
	if err != nil {
		return ts.TimeStep{}, true, errors.Wrap(err, "step")
	}
	if len(resp.Reward) != 1 || len(resp.Done) != 1 {
		return ts.TimeStep{}, true, errors.Wrapf(ErrProtocol, "step: "+
			"expected 1 reward and done, got %d and %d", len(resp.Reward),
			len(resp.Done))
	}
	truncated := len(resp.Truncated) == 1 && resp.Truncated[0]

	kind := ts.Mid
	if resp.Done[0] || truncated {
		kind = ts.Last
	}
	step := ts.New(kind, resp.Reward[0], 1, obs, e.lastStep.Number+1)
	step.Truncated = truncated

	e.lastStep = step
	return step, step.Last(), nil
}

// ObservationSpec returns the observation specification of the environment
func (e *Env) ObservationSpec() environment.Spec {
	return e.obsSpec
}

// ActionSpec returns the action specification of the environment
func (e *Env) ActionSpec() environment.Spec {
	return e.actionSpec
}

// Close tells the engine to shut down and releases the connection and
// any launched engine process. Close may be called any number of times.
func (e *Env) Close() error {
	e.closeOnce.Do(func() {
		if e.conn != nil {
			e.conn.SetDeadline(time.Now().Add(time.Second))
			err := writeMessage(e.conn, request{Type: closeType})
			if err != nil {
				log.Debugf("close: could not notify engine: %v", err)
			}
			e.closeErr = e.conn.Close()
		}
		e.closed = true

		if e.engine != nil && e.engine.Process != nil {
			e.engine.Process.Kill()
			e.engine.Wait()
		}
	})
	return e.closeErr
}
