package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/imds"
	"github.com/rs/zerolog"
)

// recordingRunner records every command and fails those listed in fail.
type recordingRunner struct {
	calls []string
	fail  map[string]int
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) error {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	if status, ok := r.fail[name]; ok {
		return engine.NewSubprocessError(name, status, nil)
	}
	return nil
}

func (r *recordingRunner) count(name string) int {
	n := 0
	for _, c := range r.calls {
		if c == name || strings.HasPrefix(c, name+" ") {
			n++
		}
	}
	return n
}

type fakeAccounts struct {
	home    string
	missing bool
	lookups int
}

func (f *fakeAccounts) Lookup(name string) (*Account, error) {
	f.lookups++
	if f.missing {
		return nil, ErrUnknownAccount
	}
	return &Account{Name: name, UID: os.Getuid(), GID: os.Getgid(), HomeDir: f.home}, nil
}

func newTestHost(t *testing.T, runner *recordingRunner, accounts *fakeAccounts) *Host {
	t.Helper()
	return &Host{
		Runner:   runner,
		Accounts: accounts,
		Commands: DefaultCommands(),
		Logger:   zerolog.New(nil).Level(zerolog.Disabled),
		chown:    func(string, int, int) error { return nil },
	}
}

var testKeys = []imds.PublicKey{
	{KeyData: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl one"},
	{KeyData: "ssh-rsa AAAAB3NzaC1yc2EAAAADAQAB two\n"},
}

func TestProvisionHappyPath(t *testing.T) {
	runner := &recordingRunner{}
	accounts := &fakeAccounts{home: t.TempDir()}
	h := newTestHost(t, runner, accounts)

	err := New("vm-01", "azureuser").SSHKeys(testKeys).Provision(context.Background(), h)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	want := []string{
		"useradd azureuser --comment " + DefaultCommands().Comment +
			" --groups adm,audio,cdrom,dialout,dip,floppy,lxd,netdev,plugdev,sudo,video -d /home/azureuser -m",
		"passwd -d azureuser",
		"hostnamectl set-hostname vm-01",
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("expected %d commands, got %d: %v", len(want), len(runner.calls), runner.calls)
	}
	for i := range want {
		if runner.calls[i] != want[i] {
			t.Errorf("command %d: expected %q, got %q", i, want[i], runner.calls[i])
		}
	}

	data, err := os.ReadFile(filepath.Join(accounts.home, ".ssh", "authorized_keys"))
	if err != nil {
		t.Fatalf("failed to read authorized_keys: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 authorized keys, got %d", len(lines))
	}
	if lines[1] != "ssh-rsa AAAAB3NzaC1yc2EAAAADAQAB two" {
		t.Errorf("unexpected second key line %q", lines[1])
	}

	info, err := os.Stat(filepath.Join(accounts.home, ".ssh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("expected .ssh mode 0700, got %o", info.Mode().Perm())
	}
	info, err = os.Stat(filepath.Join(accounts.home, ".ssh", "authorized_keys"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected authorized_keys mode 0600, got %o", info.Mode().Perm())
	}
}

func TestFirstSuccessWins(t *testing.T) {
	tests := []struct {
		name       string
		backends   []UserBackend
		fail       map[string]int
		wantCalls  int
		wantErr    bool
		wantTrials int
	}{
		{
			name:       "first succeeds",
			backends:   []UserBackend{Useradd, FakeUseradd},
			wantCalls:  1,
			wantTrials: 1,
		},
		{
			name:       "second succeeds",
			backends:   []UserBackend{Useradd, FakeUseradd, Useradd},
			fail:       map[string]int{"useradd": 9},
			wantCalls:  1,
			wantTrials: 2,
		},
		{
			name:       "all fail",
			backends:   []UserBackend{Useradd, Useradd},
			fail:       map[string]int{"useradd": 9},
			wantCalls:  2,
			wantErr:    true,
			wantTrials: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &recordingRunner{fail: tt.fail}
			h := newTestHost(t, runner, &fakeAccounts{home: t.TempDir()})
			var attempts []Attempt
			h.OnAttempt = func(a Attempt) {
				if a.Resource == "user" {
					attempts = append(attempts, a)
				}
			}

			err := New("host", "ops").
				UserBackends(tt.backends...).
				PasswordBackends(FakePasswd).
				HostnameBackends(FakeHostnamectl).
				Provision(context.Background(), h)

			if got := runner.count("useradd"); got != tt.wantCalls {
				t.Errorf("expected %d useradd calls, got %d", tt.wantCalls, got)
			}
			if len(attempts) != tt.wantTrials {
				t.Errorf("expected %d attempts, got %d", tt.wantTrials, len(attempts))
			}
			if tt.wantErr {
				if !errors.Is(err, engine.ErrNoUserProvisioner) {
					t.Fatalf("expected no user provisioner error, got %v", err)
				}
				if !errors.Is(err, engine.ErrSubprocessFailed) {
					t.Errorf("expected attempt causes to be joined, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestExhaustionStopsLaterSteps(t *testing.T) {
	runner := &recordingRunner{fail: map[string]int{"passwd": 1}}
	accounts := &fakeAccounts{home: t.TempDir()}
	h := newTestHost(t, runner, accounts)

	err := New("vm-01", "azureuser").SSHKeys(testKeys).Provision(context.Background(), h)
	if !errors.Is(err, engine.ErrNoPasswordProvisioner) {
		t.Fatalf("expected no password provisioner error, got %v", err)
	}
	if accounts.lookups != 0 {
		t.Errorf("expected no account lookup, got %d", accounts.lookups)
	}
	if runner.count("hostnamectl") != 0 {
		t.Error("expected hostname step to be skipped")
	}
	if engine.ExitCode(err) != engine.ExitFailure {
		t.Errorf("expected exit %d, got %d", engine.ExitFailure, engine.ExitCode(err))
	}
}

func TestSSHStepOnlyWithKeys(t *testing.T) {
	runner := &recordingRunner{}
	accounts := &fakeAccounts{missing: true}
	h := newTestHost(t, runner, accounts)

	if err := New("vm-01", "azureuser").Provision(context.Background(), h); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if accounts.lookups != 0 {
		t.Errorf("expected no account lookup without keys, got %d", accounts.lookups)
	}
	if runner.count("hostnamectl") != 1 {
		t.Errorf("expected hostname to follow password, calls: %v", runner.calls)
	}
}

func TestNonEmptyPasswordRejectedBeforeSubprocess(t *testing.T) {
	runner := &recordingRunner{}
	h := newTestHost(t, runner, &fakeAccounts{home: t.TempDir()})

	err := New("vm-01", "azureuser").
		Password("hunter2").
		UserBackends(FakeUseradd).
		Provision(context.Background(), h)

	if !errors.Is(err, engine.ErrNonEmptyPassword) {
		t.Fatalf("expected non-empty password error, got %v", err)
	}
	if !errors.Is(err, engine.ErrNoPasswordProvisioner) {
		t.Errorf("expected no password provisioner error, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no commands, got %v", runner.calls)
	}
	if strings.Contains(err.Error(), "hunter2") {
		t.Error("error leaks the password")
	}
	if engine.ExitCode(err) != engine.ExitConfig {
		t.Errorf("expected exit %d, got %d", engine.ExitConfig, engine.ExitCode(err))
	}
}

func TestUserMissing(t *testing.T) {
	runner := &recordingRunner{}
	h := newTestHost(t, runner, &fakeAccounts{missing: true})

	err := New("vm-01", "azureuser").SSHKeys(testKeys[:1]).Provision(context.Background(), h)
	if !errors.Is(err, engine.ErrUserMissing) {
		t.Fatalf("expected user missing error, got %v", err)
	}
	if runner.count("hostnamectl") != 0 {
		t.Error("expected hostname step to be skipped")
	}
	if engine.ExitCode(err) != engine.ExitConfig {
		t.Errorf("expected exit %d, got %d", engine.ExitConfig, engine.ExitCode(err))
	}
}

func TestMultiLineKeyRejected(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"newline", "ssh-ed25519 AAAA one\nssh-ed25519 BBBB injected"},
		{"carriage return", "ssh-ed25519 AAAA one\rssh-ed25519 BBBB injected"},
		{"blank", "  \n "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &fakeAccounts{home: t.TempDir()}
			h := newTestHost(t, &recordingRunner{}, accounts)

			err := h.InstallSSHKeys("azureuser", []imds.PublicKey{testKeys[0], {KeyData: tt.key}})
			if !errors.Is(err, engine.ErrMalformed) {
				t.Fatalf("expected malformed error, got %v", err)
			}
			if _, statErr := os.Stat(filepath.Join(accounts.home, ".ssh", "authorized_keys")); !os.IsNotExist(statErr) {
				t.Errorf("expected no authorized_keys file, stat returned %v", statErr)
			}
		})
	}
}

func TestSSHKeysWithoutHomeDir(t *testing.T) {
	base := t.TempDir()
	h := newTestHost(t, &recordingRunner{}, &fakeAccounts{})
	h.Commands.HomeBase = base

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	if err := h.InstallSSHKeys("azureuser", testKeys[:1]); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "azureuser", ".ssh", "authorized_keys")); err != nil {
		t.Errorf("expected keys under the home base: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cwd, ".ssh")); err == nil {
		t.Error("keys written relative to the working directory")
	}

	h.Commands.HomeBase = ""
	err = h.InstallSSHKeys("azureuser", testKeys[:1])
	if !errors.Is(err, engine.ErrUserMissing) {
		t.Errorf("expected user missing error without a home base, got %v", err)
	}
}

func TestProvisionIsOneShot(t *testing.T) {
	h := newTestHost(t, &recordingRunner{}, &fakeAccounts{})
	p := New("vm-01", "azureuser")

	if err := p.Provision(context.Background(), h); err != nil {
		t.Fatalf("first provision failed: %v", err)
	}
	err := p.Provision(context.Background(), h)
	if !errors.Is(err, engine.ErrAlreadyProvisioned) {
		t.Errorf("expected already provisioned error, got %v", err)
	}
}

func TestUserRedactsPassword(t *testing.T) {
	u := &User{Name: "ops", Password: "hunter2"}
	for _, s := range []string{u.String(), fmt.Sprintf("%v", u), fmt.Sprintf("%#v", u)} {
		if strings.Contains(s, "hunter2") {
			t.Errorf("password rendered in %q", s)
		}
	}
	if !strings.Contains(u.String(), "<redacted>") {
		t.Errorf("expected redacted marker, got %q", u.String())
	}
}

func TestParseBackends(t *testing.T) {
	if b, err := ParseUserBackend("fake-useradd"); err != nil || b != FakeUseradd {
		t.Errorf("expected fake-useradd, got %v (err=%v)", b, err)
	}
	if _, err := ParsePasswordBackend("chpasswd"); err == nil {
		t.Error("expected error for unknown backend")
	}
	if b, err := ParseHostnameBackend("hostnamectl"); err != nil || b != Hostnamectl {
		t.Errorf("expected hostnamectl, got %v (err=%v)", b, err)
	}

	defaults := DefaultHostnameBackends()
	defaults[0] = FakeHostnamectl
	if DefaultHostnameBackends()[0] != Hostnamectl {
		t.Error("default table was mutated through a returned slice")
	}
}
