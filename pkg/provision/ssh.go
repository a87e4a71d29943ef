package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/imds"
	"golang.org/x/crypto/ssh"
)

// InstallSSHKeys resolves name on the host and writes keys to its
// authorized keys file, one line per key, owned by the account.
func (h *Host) InstallSSHKeys(name string, keys []imds.PublicKey) error {
	account, err := h.Accounts.Lookup(name)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			return engine.NewUserMissingError(name, err)
		}
		return engine.NewUserMissingError(name, fmt.Errorf("lookup: %w", err))
	}

	lines, err := authorizedKeyLines(keys)
	if err != nil {
		return err
	}

	home := account.HomeDir
	if home == "" {
		if h.Commands.HomeBase == "" {
			return engine.NewUserMissingError(name, errors.New("account has no home directory"))
		}
		home = filepath.Join(h.Commands.HomeBase, account.Name)
		h.Logger.Warn().Str("user", name).Str("home", home).Msg("Account has no home directory, using home base")
	}
	if !filepath.IsAbs(home) {
		return engine.NewUserMissingError(name, fmt.Errorf("home directory %q is not absolute", home))
	}

	dir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(dir, 0700); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dir, err)
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
		h.logKey(name, line)
	}

	file := filepath.Join(dir, h.authorizedKeysFile())
	if err := os.WriteFile(file, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	if err := os.Chmod(file, 0600); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", file, err)
	}

	for _, p := range []string{dir, file} {
		if err := h.chownPath(p, account.UID, account.GID); err != nil {
			return fmt.Errorf("failed to chown %s: %w", p, err)
		}
	}

	h.Logger.Info().Str("user", name).Int("keys", len(keys)).Str("path", file).Msg("Installed SSH keys")
	return nil
}

// authorizedKeyLines trims each key to a single line. A key that still
// spans several lines would add entries of its own and is rejected.
func authorizedKeyLines(keys []imds.PublicKey) ([]string, error) {
	lines := make([]string, 0, len(keys))
	for i, k := range keys {
		line := strings.TrimSpace(k.KeyData)
		if line == "" || strings.ContainsAny(line, "\r\n") {
			return nil, engine.NewMalformedError("ssh", fmt.Sprintf("SSH key %d is not a single line", i), nil)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (h *Host) authorizedKeysFile() string {
	if h.Commands.AuthorizedKeysFile != "" {
		return h.Commands.AuthorizedKeysFile
	}
	return "authorized_keys"
}

// logKey records a key by fingerprint. Keys are opaque to the agent, so an
// unparseable key is still installed.
func (h *Host) logKey(user, line string) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		h.Logger.Warn().Err(err).Str("user", user).Msg("SSH key could not be parsed, installing verbatim")
		return
	}
	h.Logger.Debug().
		Str("user", user).
		Str("type", pub.Type()).
		Str("fingerprint", ssh.FingerprintSHA256(pub)).
		Msg("Installing SSH key")
}
