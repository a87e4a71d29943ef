package provision

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/imds"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Provision is a single provisioning request. Build it with New and the
// fluent setters, then apply it once with Provision.
type Provision struct {
	hostname string
	username string
	password string
	keys     []imds.PublicKey

	userBackends     []UserBackend
	passwordBackends []PasswordBackend
	hostnameBackends []HostnameBackend

	consumed atomic.Bool
}

// New starts a request for the given hostname and username.
func New(hostname, username string) *Provision {
	return &Provision{hostname: hostname, username: username}
}

// Password sets the requested password. Only the empty password is
// accepted by the real password backend.
func (p *Provision) Password(password string) *Provision {
	p.password = password
	return p
}

// SSHKeys sets the keys to install, in order.
func (p *Provision) SSHKeys(keys []imds.PublicKey) *Provision {
	p.keys = slices.Clone(keys)
	return p
}

// UserBackends overrides the user backend order.
func (p *Provision) UserBackends(backends ...UserBackend) *Provision {
	p.userBackends = backends
	return p
}

// PasswordBackends overrides the password backend order.
func (p *Provision) PasswordBackends(backends ...PasswordBackend) *Provision {
	p.passwordBackends = backends
	return p
}

// HostnameBackends overrides the hostname backend order.
func (p *Provision) HostnameBackends(backends ...HostnameBackend) *Provision {
	p.hostnameBackends = backends
	return p
}

// Provision applies the request to host: user, password, SSH keys when any
// were given, then hostname. The first failing step ends the run. A request
// can only be applied once.
func (p *Provision) Provision(ctx context.Context, h *Host) error {
	if !p.consumed.CompareAndSwap(false, true) {
		return engine.NewAlreadyProvisionedError()
	}

	ctx, span := otel.Tracer("guestinit/provision").Start(ctx, "provision")
	defer span.End()

	user := &User{
		Name:     p.username,
		Groups:   h.Commands.Groups,
		SSHKeys:  p.keys,
		Password: p.password,
	}
	h.Logger.Info().Object("user", user).Str("hostname", p.hostname).Msg("Provisioning host")

	err := p.apply(ctx, h, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *Provision) apply(ctx context.Context, h *Host, user *User) error {
	userBackends := p.userBackends
	if userBackends == nil {
		userBackends = DefaultUserBackends()
	}
	err := resolve(ctx, h, "user", userBackends, func(ctx context.Context, b UserBackend) error {
		return b.create(ctx, h, user)
	})
	if err != nil {
		return err
	}

	passwordBackends := p.passwordBackends
	if passwordBackends == nil {
		passwordBackends = DefaultPasswordBackends()
	}
	err = resolve(ctx, h, "password", passwordBackends, func(ctx context.Context, b PasswordBackend) error {
		return b.set(ctx, h, user)
	})
	if err != nil {
		return err
	}

	if len(user.SSHKeys) > 0 {
		if err := h.InstallSSHKeys(user.Name, user.SSHKeys); err != nil {
			return err
		}
	}

	hostnameBackends := p.hostnameBackends
	if hostnameBackends == nil {
		hostnameBackends = DefaultHostnameBackends()
	}
	return resolve(ctx, h, "hostname", hostnameBackends, func(ctx context.Context, b HostnameBackend) error {
		return b.set(ctx, h, p.hostname)
	})
}
