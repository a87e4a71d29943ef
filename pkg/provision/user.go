package provision

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/imds"
	"github.com/rs/zerolog"
)

// User is the account to create. The password is never rendered.
type User struct {
	Name     string
	Groups   []string
	SSHKeys  []imds.PublicKey
	Password string
}

// String implements fmt.Stringer without exposing the password.
func (u *User) String() string {
	pw := "<none>"
	if u.Password != "" {
		pw = "<redacted>"
	}
	return fmt.Sprintf("User{name=%s groups=%s ssh_keys=%d password=%s}",
		u.Name, strings.Join(u.Groups, ","), len(u.SSHKeys), pw)
}

// GoString keeps %#v from printing the password.
func (u *User) GoString() string { return u.String() }

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (u *User) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", u.Name).
		Strs("groups", u.Groups).
		Int("ssh_keys", len(u.SSHKeys)).
		Bool("password_set", u.Password != "")
}

func (h *Host) useradd(ctx context.Context, u *User) error {
	home := filepath.Join(h.Commands.HomeBase, u.Name)
	args := []string{u.Name, "--comment", h.Commands.Comment}
	if len(u.Groups) > 0 {
		args = append(args, "--groups", strings.Join(u.Groups, ","))
	}
	args = append(args, "-d", home, "-m")
	return h.Runner.Run(ctx, h.Commands.Useradd, args...)
}

func (h *Host) passwd(ctx context.Context, u *User) error {
	if u.Password != "" {
		return engine.NewNonEmptyPasswordError(u.Name)
	}
	return h.Runner.Run(ctx, h.Commands.Passwd, "-d", u.Name)
}

func (h *Host) hostnamectl(ctx context.Context, hostname string) error {
	return h.Runner.Run(ctx, h.Commands.Hostnamectl, "set-hostname", hostname)
}
