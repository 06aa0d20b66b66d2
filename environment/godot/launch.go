package godot

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// launch starts the exported engine binary at config.EnvPath
func launch(config Config) (*exec.Cmd, error) {
	if _, err := os.Stat(config.EnvPath); err != nil {
		return nil, errors.Wrapf(err, "launch: engine binary")
	}

	cmd := exec.Command(config.EnvPath, engineArgs(config)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "launch: could not start %v",
			config.EnvPath)
	}
	log.WithFields(log.Fields{
		"path": config.EnvPath,
		"pid":  cmd.Process.Pid,
	}).Info("launched godot")

	return cmd, nil
}

// engineArgs returns the command line arguments for the engine binary
func engineArgs(config Config) []string {
	_, port, _ := net.SplitHostPort(config.Addr)

	args := []string{
		fmt.Sprintf("--port=%v", port),
		fmt.Sprintf("--speedup=%d", config.Speedup),
	}
	if !config.ShowWindow {
		args = append(args, "--disable-render-loop", "--headless")
	}
	return args
}
