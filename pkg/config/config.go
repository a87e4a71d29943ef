package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/guestinit/pkg/goalstate"
	"github.com/openfroyo/guestinit/pkg/imds"
	"github.com/openfroyo/guestinit/pkg/media"
	"github.com/openfroyo/guestinit/pkg/provision"
	"github.com/openfroyo/guestinit/pkg/sshd"
	"github.com/openfroyo/guestinit/pkg/stores"
	"github.com/openfroyo/guestinit/pkg/telemetry"
	"github.com/openfroyo/guestinit/pkg/transports/wire"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the configuration file is read from.
const DefaultPath = "/etc/guestinit/config.yaml"

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "GUESTINIT_LOG_LEVEL"

// Config is the complete agent configuration.
type Config struct {
	IMDS       IMDSConfig       `yaml:"imds"`
	WireServer WireServerConfig `yaml:"wireserver"`
	Transport  TransportConfig  `yaml:"transport"`
	Commands   CommandsConfig   `yaml:"commands"`
	Backends   BackendsConfig   `yaml:"backends"`
	Media      MediaConfig      `yaml:"media"`
	SSHD       SSHDConfig       `yaml:"sshd"`
	Journal    JournalConfig    `yaml:"journal"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// IMDSConfig locates the instance metadata service.
type IMDSConfig struct {
	Endpoint   string `yaml:"endpoint" validate:"required,url"`
	APIVersion string `yaml:"api_version" validate:"required"`
}

// WireServerConfig locates the goal state endpoint.
type WireServerConfig struct {
	Endpoint  string `yaml:"endpoint" validate:"required,url"`
	AgentName string `yaml:"agent_name"`
	// ReportHealth disables the goal state handshake when false, for images
	// that run another agent for it.
	ReportHealth bool `yaml:"report_health"`
}

// TransportConfig bounds HTTP calls to the hypervisor.
type TransportConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	UserAgent    string        `yaml:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"gt=0"`
}

// CommandsConfig locates the provisioning utilities.
type CommandsConfig struct {
	Useradd            string   `yaml:"useradd" validate:"required"`
	Passwd             string   `yaml:"passwd" validate:"required"`
	Hostnamectl        string   `yaml:"hostnamectl" validate:"required"`
	Groups             []string `yaml:"groups" validate:"dive,required"`
	Comment            string   `yaml:"comment"`
	HomeBase           string   `yaml:"home_base" validate:"required"`
	AuthorizedKeysFile string   `yaml:"authorized_keys_file" validate:"required"`
	// Timeout bounds each command. Zero means no bound.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// BackendsConfig optionally overrides backend order per resource. An empty
// list keeps the default order.
type BackendsConfig struct {
	User     []string `yaml:"user" validate:"dive,oneof=useradd fake-useradd"`
	Password []string `yaml:"password" validate:"dive,oneof=passwd fake-passwd"`
	Hostname []string `yaml:"hostname" validate:"dive,oneof=hostnamectl fake-hostnamectl"`
}

// MediaConfig configures configuration medium discovery.
type MediaConfig struct {
	MountPoint  string        `yaml:"mount_point" validate:"required"`
	DevicePaths []string      `yaml:"device_paths" validate:"min=1,dive,required"`
	FSTypes     []string      `yaml:"fs_types" validate:"min=1,dive,required"`
	EnvFile     string        `yaml:"env_file" validate:"required"`
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gte=0"`
}

// SSHDConfig controls PasswordAuthentication management.
type SSHDConfig struct {
	Manage   bool   `yaml:"manage"`
	Path     string `yaml:"path" validate:"required_if=Manage true"`
	Validate bool   `yaml:"validate"`
	Reload   bool   `yaml:"reload"`
}

// JournalConfig controls the provisioning journal.
type JournalConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Path        string        `yaml:"path" validate:"required_if=Enabled true"`
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	commands := provision.DefaultCommands()
	mediaCfg := media.DefaultConfig()
	wireCfg := wire.DefaultConfig()
	gsCfg := goalstate.DefaultConfig()

	return &Config{
		IMDS: IMDSConfig{
			Endpoint:   imds.DefaultEndpoint,
			APIVersion: imds.DefaultAPIVersion,
		},
		WireServer: WireServerConfig{
			Endpoint:     gsCfg.Endpoint,
			AgentName:    gsCfg.AgentName,
			ReportHealth: true,
		},
		Transport: TransportConfig{
			Timeout:      wireCfg.Timeout,
			UserAgent:    wireCfg.UserAgent,
			MaxBodyBytes: wireCfg.MaxBodyBytes,
		},
		Commands: CommandsConfig{
			Useradd:            commands.Useradd,
			Passwd:             commands.Passwd,
			Hostnamectl:        commands.Hostnamectl,
			Groups:             commands.Groups,
			Comment:            commands.Comment,
			HomeBase:           commands.HomeBase,
			AuthorizedKeysFile: commands.AuthorizedKeysFile,
		},
		Media: MediaConfig{
			MountPoint:  mediaCfg.MountPoint,
			DevicePaths: mediaCfg.DevicePaths,
			FSTypes:     mediaCfg.FSTypes,
			EnvFile:     mediaCfg.EnvFile,
			WaitTimeout: 5 * time.Second,
		},
		SSHD: SSHDConfig{
			Manage: true,
			Path:   sshd.DefaultConfigPath,
		},
		Journal: JournalConfig{
			Enabled:     false,
			Path:        "/var/lib/guestinit/journal.db",
			BusyTimeout: stores.DefaultBusyTimeout,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Telemetry.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks struct constraints and the telemetry settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// JournalStoreConfig returns the journal store settings.
func (c *Config) JournalStoreConfig() stores.Config {
	return stores.Config{Path: c.Journal.Path, BusyTimeout: c.Journal.BusyTimeout}
}

// WireConfig returns the transport settings.
func (c *Config) WireConfig() *wire.Config {
	return &wire.Config{
		Timeout:      c.Transport.Timeout,
		UserAgent:    c.Transport.UserAgent,
		MaxBodyBytes: c.Transport.MaxBodyBytes,
	}
}

// IMDSClientConfig returns the metadata client settings.
func (c *Config) IMDSClientConfig() imds.Config {
	return imds.Config{Endpoint: c.IMDS.Endpoint, APIVersion: c.IMDS.APIVersion}
}

// GoalStateConfig returns the goal state client settings.
func (c *Config) GoalStateConfig() goalstate.Config {
	return goalstate.Config{Endpoint: c.WireServer.Endpoint, AgentName: c.WireServer.AgentName}
}

// MediaResolverConfig returns the medium resolver settings.
func (c *Config) MediaResolverConfig() media.Config {
	return media.Config{
		MountPoint:  c.Media.MountPoint,
		DevicePaths: c.Media.DevicePaths,
		FSTypes:     c.Media.FSTypes,
		EnvFile:     c.Media.EnvFile,
		WaitTimeout: c.Media.WaitTimeout,
	}
}

// ProvisionCommands returns the command settings for provisioning backends.
func (c *Config) ProvisionCommands() provision.Commands {
	return provision.Commands{
		Useradd:            c.Commands.Useradd,
		Passwd:             c.Commands.Passwd,
		Hostnamectl:        c.Commands.Hostnamectl,
		Groups:             c.Commands.Groups,
		Comment:            c.Commands.Comment,
		HomeBase:           c.Commands.HomeBase,
		AuthorizedKeysFile: c.Commands.AuthorizedKeysFile,
	}
}

// BackendSelection is the parsed backend order per resource. Nil fields keep
// the default order.
type BackendSelection struct {
	User     []provision.UserBackend
	Password []provision.PasswordBackend
	Hostname []provision.HostnameBackend
}

// BackendSelection parses the configured backend names.
func (c *Config) BackendSelection() (BackendSelection, error) {
	var sel BackendSelection
	var err error
	if sel.User, err = parseAll(c.Backends.User, provision.ParseUserBackend); err != nil {
		return sel, err
	}
	if sel.Password, err = parseAll(c.Backends.Password, provision.ParsePasswordBackend); err != nil {
		return sel, err
	}
	if sel.Hostname, err = parseAll(c.Backends.Hostname, provision.ParseHostnameBackend); err != nil {
		return sel, err
	}
	return sel, nil
}

func parseAll[B any](names []string, parse func(string) (B, error)) ([]B, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]B, 0, len(names))
	for _, n := range names {
		b, err := parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
