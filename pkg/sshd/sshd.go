// Package sshd edits the OpenSSH daemon configuration to match the password
// authentication policy chosen during provisioning.
package sshd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultConfigPath is the stock sshd configuration file.
const DefaultConfigPath = "/etc/ssh/sshd_config"

// Runner runs a command and reports whether it succeeded.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// Configurator rewrites directives in an sshd_config file.
type Configurator struct {
	Path string

	// Validate runs "sshd -t -f Path" after writing and restores the backup
	// when the daemon rejects the file.
	Validate bool

	// Reload reloads the running daemon after a change.
	Reload bool

	Runner Runner
	Logger zerolog.Logger
}

// Result reports what SetPasswordAuthentication did.
type Result struct {
	Changed    bool
	Skipped    bool
	BackupPath string
}

// SetPasswordAuthentication sets PasswordAuthentication to yes or no. A
// missing configuration file is skipped, not an error.
func (c *Configurator) SetPasswordAuthentication(ctx context.Context, enabled bool) (*Result, error) {
	value := "no"
	if enabled {
		value = "yes"
	}
	return c.set(ctx, "PasswordAuthentication", value)
}

func (c *Configurator) set(ctx context.Context, key, value string) (*Result, error) {
	path := c.Path
	if path == "" {
		path = DefaultConfigPath
	}
	logger := c.Logger.With().Str("component", "sshd").Str("path", path).Logger()

	original, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info().Msg("sshd configuration not found, skipping")
		return &Result{Skipped: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sshd_config: %w", err)
	}

	updated, changed, err := setDirective(original, key, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sshd_config: %w", err)
	}
	if !changed {
		logger.Debug().Str("key", key).Str("value", value).Msg("sshd configuration already up to date")
		return &Result{}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	result := &Result{BackupPath: path + ".bak"}
	if err := os.WriteFile(result.BackupPath, original, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to create backup: %w", err)
	}

	if err := os.WriteFile(path, updated, info.Mode().Perm()); err != nil {
		_ = os.WriteFile(path, original, info.Mode().Perm())
		return nil, fmt.Errorf("failed to write sshd_config: %w", err)
	}

	if c.Validate && c.Runner != nil {
		if err := c.Runner.Run(ctx, "sshd", "-t", "-f", path); err != nil {
			_ = os.WriteFile(path, original, info.Mode().Perm())
			return nil, fmt.Errorf("sshd config test failed: %w", err)
		}
	}

	if c.Reload && c.Runner != nil {
		if err := c.reload(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to reload sshd")
		}
	}

	result.Changed = true
	logger.Info().Str("key", key).Str("value", value).Msg("Updated sshd configuration")
	return result, nil
}

func (c *Configurator) reload(ctx context.Context) error {
	if err := c.Runner.Run(ctx, "systemctl", "reload", "sshd"); err != nil {
		// Debian names the unit ssh.
		if err := c.Runner.Run(ctx, "systemctl", "reload", "ssh"); err != nil {
			return fmt.Errorf("failed to reload sshd/ssh service: %w", err)
		}
	}
	return nil
}

// setDirective replaces every global occurrence of key (case-insensitive)
// with "key value", preserving comments and other lines. When key is absent
// it is inserted before the first Match block so it stays global.
func setDirective(data []byte, key, value string) ([]byte, bool, error) {
	var lines []string
	found := false
	matchAt := -1
	inMatch := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lines = append(lines, line)
			continue
		}

		fields := strings.Fields(trimmed)
		if strings.EqualFold(fields[0], "Match") {
			if matchAt < 0 {
				matchAt = len(lines)
			}
			inMatch = true
		}

		if !inMatch && strings.EqualFold(fields[0], key) {
			found = true
			lines = append(lines, key+" "+value)
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	if !found {
		directive := key + " " + value
		if matchAt >= 0 {
			lines = append(lines[:matchAt], append([]string{directive}, lines[matchAt:]...)...)
		} else {
			lines = append(lines, directive)
		}
	}

	out := []byte(strings.Join(lines, "\n") + "\n")
	return out, !bytes.Equal(out, data), nil
}
