package provision

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/rs/zerolog"
)

// CommandRunner runs a privileged external command and reports only whether
// it succeeded.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Timeout bounds each command. Zero leaves commands unbounded; external
	// utilities are trusted to terminate.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Run executes name with args. A non-zero exit or spawn failure is returned
// as a subprocess class *engine.Error.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		r.Logger.Debug().Str("command", name).Dur("duration", duration).Msg("Command succeeded")
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		serr := engine.NewSubprocessError(name, exitErr.ExitCode(), err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			serr.WithDetail("stderr", msg)
		}
		return serr
	}
	return engine.NewSubprocessError(name, -1, err)
}
