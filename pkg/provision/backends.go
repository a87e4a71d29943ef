package provision

import (
	"context"
	"fmt"
	"slices"
)

// UserBackend is one strategy for creating the user account.
type UserBackend string

const (
	// Useradd creates the account with the useradd utility.
	Useradd UserBackend = "useradd"
	// FakeUseradd succeeds without touching the host.
	FakeUseradd UserBackend = "fake-useradd"
)

// PasswordBackend is one strategy for applying the password policy.
type PasswordBackend string

const (
	// Passwd deletes the account password with the passwd utility.
	Passwd PasswordBackend = "passwd"
	// FakePasswd succeeds without touching the host.
	FakePasswd PasswordBackend = "fake-passwd"
)

// HostnameBackend is one strategy for setting the hostname.
type HostnameBackend string

const (
	// Hostnamectl sets the hostname with hostnamectl.
	Hostnamectl HostnameBackend = "hostnamectl"
	// FakeHostnamectl succeeds without touching the host.
	FakeHostnamectl HostnameBackend = "fake-hostnamectl"
)

// Registration tables. Their order is the default attempt order; the fake
// variants are selectable by name but never tried by default.
var (
	userBackends     = []UserBackend{Useradd}
	passwordBackends = []PasswordBackend{Passwd}
	hostnameBackends = []HostnameBackend{Hostnamectl}

	knownUserBackends     = []UserBackend{Useradd, FakeUseradd}
	knownPasswordBackends = []PasswordBackend{Passwd, FakePasswd}
	knownHostnameBackends = []HostnameBackend{Hostnamectl, FakeHostnamectl}
)

// DefaultUserBackends returns the default ordered user backends.
func DefaultUserBackends() []UserBackend { return slices.Clone(userBackends) }

// DefaultPasswordBackends returns the default ordered password backends.
func DefaultPasswordBackends() []PasswordBackend { return slices.Clone(passwordBackends) }

// DefaultHostnameBackends returns the default ordered hostname backends.
func DefaultHostnameBackends() []HostnameBackend { return slices.Clone(hostnameBackends) }

func (b UserBackend) String() string     { return string(b) }
func (b PasswordBackend) String() string { return string(b) }
func (b HostnameBackend) String() string { return string(b) }

// ParseUserBackend returns the user backend registered under name.
func ParseUserBackend(name string) (UserBackend, error) {
	return parseBackend(name, "user", knownUserBackends)
}

// ParsePasswordBackend returns the password backend registered under name.
func ParsePasswordBackend(name string) (PasswordBackend, error) {
	return parseBackend(name, "password", knownPasswordBackends)
}

// ParseHostnameBackend returns the hostname backend registered under name.
func ParseHostnameBackend(name string) (HostnameBackend, error) {
	return parseBackend(name, "hostname", knownHostnameBackends)
}

func parseBackend[B ~string](name, resource string, known []B) (B, error) {
	for _, b := range known {
		if string(b) == name {
			return b, nil
		}
	}
	var zero B
	return zero, fmt.Errorf("unknown %s backend %q", resource, name)
}

func (b UserBackend) create(ctx context.Context, h *Host, u *User) error {
	switch b {
	case Useradd:
		return h.useradd(ctx, u)
	case FakeUseradd:
		return nil
	default:
		return fmt.Errorf("unknown user backend %q", string(b))
	}
}

func (b PasswordBackend) set(ctx context.Context, h *Host, u *User) error {
	switch b {
	case Passwd:
		return h.passwd(ctx, u)
	case FakePasswd:
		return nil
	default:
		return fmt.Errorf("unknown password backend %q", string(b))
	}
}

func (b HostnameBackend) set(ctx context.Context, h *Host, hostname string) error {
	switch b {
	case Hostnamectl:
		return h.hostnamectl(ctx, hostname)
	case FakeHostnamectl:
		return nil
	default:
		return fmt.Errorf("unknown hostname backend %q", string(b))
	}
}
