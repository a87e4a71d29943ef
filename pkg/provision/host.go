package provision

import (
	"errors"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// DefaultGroups are the supplementary groups given to the provisioned user.
var DefaultGroups = []string{
	"adm", "audio", "cdrom", "dialout", "dip", "floppy",
	"lxd", "netdev", "plugdev", "sudo", "video",
}

// Commands locates the external utilities and the arguments they receive.
type Commands struct {
	Useradd     string
	Passwd      string
	Hostnamectl string

	Groups   []string
	Comment  string
	HomeBase string

	AuthorizedKeysFile string
}

// DefaultCommands returns the command settings used on stock images.
func DefaultCommands() Commands {
	return Commands{
		Useradd:            "useradd",
		Passwd:             "passwd",
		Hostnamectl:        "hostnamectl",
		Groups:             append([]string(nil), DefaultGroups...),
		Comment:            "Provisioning agent created this user based on username provided in IMDS",
		HomeBase:           "/home",
		AuthorizedKeysFile: "authorized_keys",
	}
}

// Attempt describes one backend invocation.
type Attempt struct {
	Resource string
	Backend  string
	Err      error
	Duration time.Duration
}

// Host is the machine being provisioned. It owns the side-effecting
// collaborators that backends and the SSH key step use.
type Host struct {
	Runner   CommandRunner
	Accounts AccountLookup
	Commands Commands
	Logger   zerolog.Logger

	// OnAttempt, when set, observes every backend attempt.
	OnAttempt func(Attempt)

	chown func(path string, uid, gid int) error
}

// NewHost returns a Host that executes real commands.
func NewHost(commands Commands, timeout time.Duration, logger zerolog.Logger) *Host {
	logger = logger.With().Str("component", "provision").Logger()
	return &Host{
		Runner:   ExecRunner{Timeout: timeout, Logger: logger},
		Accounts: OSAccounts{},
		Commands: commands,
		Logger:   logger,
	}
}

// WithAttemptHook returns a shallow copy of h with OnAttempt replaced.
func (h *Host) WithAttemptHook(hook func(Attempt)) *Host {
	c := *h
	c.OnAttempt = hook
	return &c
}

func (h *Host) recordAttempt(a Attempt) {
	if h.OnAttempt != nil {
		h.OnAttempt(a)
	}
}

func (h *Host) chownPath(path string, uid, gid int) error {
	if h.chown != nil {
		return h.chown(path, uid, gid)
	}
	return os.Chown(path, uid, gid)
}

// ErrUnknownAccount is returned by an AccountLookup for a name that does not exist.
var ErrUnknownAccount = errors.New("unknown account")

// Account is a resolved local user.
type Account struct {
	Name    string
	UID     int
	GID     int
	HomeDir string
}

// AccountLookup resolves local accounts by name.
type AccountLookup interface {
	Lookup(name string) (*Account, error)
}

// OSAccounts resolves accounts through the system user database.
type OSAccounts struct{}

// Lookup implements AccountLookup.
func (OSAccounts) Lookup(name string) (*Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	return &Account{Name: u.Username, UID: uid, GID: gid, HomeDir: u.HomeDir}, nil
}
