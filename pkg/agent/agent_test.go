package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/goalstate"
	"github.com/openfroyo/guestinit/pkg/imds"
	"github.com/openfroyo/guestinit/pkg/media"
	"github.com/openfroyo/guestinit/pkg/provision"
	"github.com/openfroyo/guestinit/pkg/sshd"
	"github.com/openfroyo/guestinit/pkg/stores"
	"github.com/openfroyo/guestinit/pkg/transports/wire"
	"github.com/rs/zerolog"
)

const goalStateDoc = `<?xml version="1.0" encoding="utf-8"?>
<GoalState>
  <Version>2012-11-30</Version>
  <Incarnation>3</Incarnation>
  <Container>
    <ContainerId>container-1</ContainerId>
    <RoleInstanceList>
      <RoleInstance>
        <InstanceId>instance-1</InstanceId>
      </RoleInstance>
    </RoleInstanceList>
  </Container>
</GoalState>`

const mediaEnvTemplate = `<?xml version="1.0" encoding="utf-8"?>
<Environment xmlns="http://schemas.dmtf.org/ovf/environment/1" xmlns:wa="http://schemas.microsoft.com/windowsazure">
  <wa:ProvisioningSection>
    <wa:Version>1.0</wa:Version>
    <LinuxProvisioningConfigurationSet xmlns="http://schemas.microsoft.com/windowsazure">
      <UserName>mediauser</UserName>
      <UserPassword>PASSWORD</UserPassword>
      <HostName>vm-media</HostName>
      <DisableSshPasswordAuthentication>false</DisableSshPasswordAuthentication>
    </LinuxProvisioningConfigurationSet>
  </wa:ProvisioningSection>
</Environment>`

var testLogger = zerolog.New(nil).Level(zerolog.Disabled)

// fakeHypervisor serves the metadata and goal state endpoints.
type fakeHypervisor struct {
	srv *httptest.Server

	mu      sync.Mutex
	imds    map[string]any
	reports int
}

func newFakeHypervisor(t *testing.T, doc map[string]any) *fakeHypervisor {
	t.Helper()
	h := &fakeHypervisor{imds: doc}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		switch {
		case strings.HasPrefix(r.URL.Path, "/metadata/instance"):
			if r.Header.Get("Metadata") != "true" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(h.imds)
		case r.URL.Path == "/machine/" && r.URL.Query().Get("comp") == "goalstate":
			_, _ = w.Write([]byte(goalStateDoc))
		case r.URL.Path == "/machine/" && r.URL.Query().Get("comp") == "health":
			h.reports++
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHypervisor) reportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reports
}

func imdsDoc(disabled any, keys []imds.PublicKey, hostname string) map[string]any {
	profile := map[string]any{
		"adminUsername":                 "azureuser",
		"disablePasswordAuthentication": disabled,
	}
	if hostname != "" {
		profile["computerName"] = hostname
	}
	compute := map[string]any{"osProfile": profile}
	if keys != nil {
		compute["publicKeys"] = keys
	}
	return map[string]any{"compute": compute}
}

type recordingRunner struct {
	calls []string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return nil
}

func (r *recordingRunner) ran(name string) bool {
	for _, c := range r.calls {
		if strings.HasPrefix(c, name+" ") {
			return true
		}
	}
	return false
}

type fakeAccounts struct {
	home    string
	missing bool
}

func (f *fakeAccounts) Lookup(name string) (*provision.Account, error) {
	if f.missing {
		return nil, provision.ErrUnknownAccount
	}
	return &provision.Account{Name: name, UID: os.Getuid(), GID: os.Getgid(), HomeDir: f.home}, nil
}

type staticLister []string

func (l staticLister) Devices() ([]string, error) { return l, nil }

// fileMounter "mounts" a device by writing its document into the target.
type fileMounter struct {
	docs     map[string]string
	mounts   int
	unmounts int
}

func (m *fileMounter) Mount(device, target string) error {
	m.mounts++
	doc, ok := m.docs[device]
	if !ok {
		return errors.New("no medium")
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(target, "ovf-env.xml"), []byte(doc), 0644)
}

func (m *fileMounter) Unmount(target string) error {
	m.unmounts++
	return os.Remove(filepath.Join(target, "ovf-env.xml"))
}

type recordingPolicy struct {
	calls []bool
}

func (p *recordingPolicy) SetPasswordAuthentication(_ context.Context, enabled bool) (*sshd.Result, error) {
	p.calls = append(p.calls, enabled)
	return &sshd.Result{Changed: true}, nil
}

type fixture struct {
	agent    *Agent
	hv       *fakeHypervisor
	runner   *recordingRunner
	accounts *fakeAccounts
	mounter  *fileMounter
	policy   *recordingPolicy
	journal  *stores.SQLiteStore
}

func newFixture(t *testing.T, doc map[string]any, mediaDocs map[string]string) *fixture {
	t.Helper()

	hv := newFakeHypervisor(t, doc)
	transport, err := wire.NewClient(wire.DefaultConfig(), hv.srv.Client(), testLogger)
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}

	devices := make(staticLister, 0, len(mediaDocs))
	for dev := range mediaDocs {
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		devices = staticLister{"/dev/sr0", "/dev/sr1"}
	}
	mounter := &fileMounter{docs: mediaDocs}
	mediaCfg := media.DefaultConfig()
	mediaCfg.MountPoint = filepath.Join(t.TempDir(), "media")

	runner := &recordingRunner{}
	accounts := &fakeAccounts{home: t.TempDir()}
	host := provision.NewHost(provision.DefaultCommands(), 0, testLogger)
	host.Runner = runner
	host.Accounts = accounts

	journal, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	policy := &recordingPolicy{}

	return &fixture{
		agent: &Agent{
			IMDS:      imds.NewClient(transport, imds.Config{Endpoint: hv.srv.URL + "/metadata/instance"}, testLogger),
			Media:     media.NewResolver(mediaCfg, devices, mounter, testLogger),
			GoalState: goalstate.NewClient(transport, goalstate.Config{Endpoint: hv.srv.URL + "/machine/"}, testLogger),
			SSHD:      policy,
			Journal:   journal,
			Host:      host,
			Logger:    testLogger,
		},
		hv:       hv,
		runner:   runner,
		accounts: accounts,
		mounter:  mounter,
		policy:   policy,
		journal:  journal,
	}
}

var testKeys = []imds.PublicKey{
	{KeyData: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl one", Path: "/home/azureuser/.ssh/authorized_keys"},
	{KeyData: "ssh-rsa AAAAB3NzaC1yc2EAAAADAQAB two", Path: "/home/azureuser/.ssh/authorized_keys"},
}

func TestRunFromIMDS(t *testing.T) {
	f := newFixture(t, imdsDoc("true", testKeys, "vm-01"), nil)

	res, err := f.agent.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != engine.ExitSuccess {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if res.Source != SourceIMDS || res.Username != "azureuser" || res.Hostname != "vm-01" || res.KeyCount != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	want := []string{
		"useradd azureuser",
		"passwd -d azureuser",
		"hostnamectl set-hostname vm-01",
	}
	if len(f.runner.calls) != len(want) {
		t.Fatalf("expected %d commands, got %v", len(want), f.runner.calls)
	}
	for i, prefix := range want {
		if !strings.HasPrefix(f.runner.calls[i], prefix) {
			t.Errorf("command %d: expected prefix %q, got %q", i, prefix, f.runner.calls[i])
		}
	}

	data, err := os.ReadFile(filepath.Join(f.accounts.home, ".ssh", "authorized_keys"))
	if err != nil {
		t.Fatalf("authorized_keys not written: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 2 {
		t.Errorf("expected 2 keys, got %d", len(lines))
	}

	if f.mounter.mounts != 0 {
		t.Errorf("medium must not be touched when password auth is disabled, got %d mounts", f.mounter.mounts)
	}
	if len(f.policy.calls) != 1 || f.policy.calls[0] {
		t.Errorf("expected password authentication disabled, got %v", f.policy.calls)
	}
	if f.hv.reportCount() != 1 {
		t.Errorf("expected one health report, got %d", f.hv.reportCount())
	}

	run, err := f.journal.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("run not journaled: %v", err)
	}
	if run.Status != stores.RunStatusSucceeded || run.ExitCode == nil || *run.ExitCode != 0 || run.Source != "imds" {
		t.Errorf("unexpected journal row %+v", run)
	}
	attempts, err := f.journal.ListAttempts(context.Background(), res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Errorf("expected 3 journaled attempts, got %d", len(attempts))
	}
}

func TestRunFromMedia(t *testing.T) {
	doc := strings.Replace(mediaEnvTemplate, "PASSWORD", "", 1)
	f := newFixture(t, imdsDoc(false, nil, ""), map[string]string{"/dev/sr0": doc})

	res, err := f.agent.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Source != SourceMedia || res.Username != "mediauser" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Hostname != "vm-media" {
		t.Errorf("expected hostname from medium, got %q", res.Hostname)
	}
	if f.mounter.mounts != f.mounter.unmounts {
		t.Errorf("expected every mount released, got %d mounts %d unmounts", f.mounter.mounts, f.mounter.unmounts)
	}
	if _, err := os.Stat(filepath.Join(f.accounts.home, ".ssh")); !os.IsNotExist(err) {
		t.Error("expected no SSH step without keys")
	}
	if len(f.policy.calls) != 1 || !f.policy.calls[0] {
		t.Errorf("expected password authentication enabled, got %v", f.policy.calls)
	}
}

func TestRunFromMediaRejectsMalformedHostname(t *testing.T) {
	doc := imdsDoc(false, nil, "")
	doc["compute"].(map[string]any)["osProfile"].(map[string]any)["computerName"] = 42
	env := strings.Replace(mediaEnvTemplate, "PASSWORD", "", 1)
	f := newFixture(t, doc, map[string]string{"/dev/sr0": env})

	res, err := f.agent.Run(context.Background())
	if !errors.Is(err, imds.ErrFieldMalformed) {
		t.Fatalf("expected malformed hostname error, got %v", err)
	}
	if res.ExitCode != engine.ExitFailure {
		t.Errorf("expected exit 1, got %d", res.ExitCode)
	}
	if f.runner.ran("useradd") {
		t.Error("useradd must not run with a malformed hostname")
	}
}

func TestRunKeepsHostHook(t *testing.T) {
	f := newFixture(t, imdsDoc(true, testKeys, "vm-01"), nil)
	var seen int
	f.agent.Host.OnAttempt = func(provision.Attempt) { seen++ }

	var runIDs []string
	for i := 0; i < 2; i++ {
		res, err := f.agent.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		runIDs = append(runIDs, res.RunID)
	}

	if seen != 6 {
		t.Errorf("expected the caller's hook to see 6 attempts, got %d", seen)
	}
	for _, id := range runIDs {
		attempts, err := f.journal.ListAttempts(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if len(attempts) != 3 {
			t.Errorf("run %s: expected 3 journaled attempts, got %d", id, len(attempts))
		}
	}
}

func TestRunMediaExhausted(t *testing.T) {
	f := newFixture(t, imdsDoc("false", testKeys, "vm-01"), nil)

	res, err := f.agent.Run(context.Background())
	if !errors.Is(err, engine.ErrNoViableMedium) {
		t.Fatalf("expected ErrNoViableMedium, got %v", err)
	}
	if res.ExitCode != engine.ExitFailure {
		t.Errorf("expected exit 1, got %d", res.ExitCode)
	}
	if f.mounter.mounts != 2 {
		t.Errorf("expected both candidates tried, got %d", f.mounter.mounts)
	}
	if f.runner.ran("useradd") {
		t.Error("useradd must not run without a medium")
	}
	if f.hv.reportCount() != 0 {
		t.Error("health must not be reported after a failure")
	}

	run, err := f.journal.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != stores.RunStatusFailed || run.Error == nil {
		t.Errorf("expected failed journal row, got %+v", run)
	}
}

func TestRunUserMissing(t *testing.T) {
	f := newFixture(t, imdsDoc(true, testKeys, "vm-01"), nil)
	f.accounts.missing = true

	res, err := f.agent.Run(context.Background())
	if !errors.Is(err, engine.ErrUserMissing) {
		t.Fatalf("expected ErrUserMissing, got %v", err)
	}
	if res.ExitCode != engine.ExitConfig {
		t.Errorf("expected exit 78, got %d", res.ExitCode)
	}
	if f.runner.ran("hostnamectl") {
		t.Error("hostname must not be set after a failed SSH step")
	}
	if f.hv.reportCount() != 0 {
		t.Error("health must not be reported after a failure")
	}
	if len(f.policy.calls) != 0 {
		t.Error("sshd must not be touched after a failure")
	}
}

func TestRunRejectsMediumPassword(t *testing.T) {
	doc := strings.Replace(mediaEnvTemplate, "PASSWORD", "hunter2", 1)
	f := newFixture(t, imdsDoc("false", testKeys, "vm-01"), map[string]string{"/dev/sr0": doc})

	res, err := f.agent.Run(context.Background())
	if !errors.Is(err, engine.ErrNonEmptyPassword) {
		t.Fatalf("expected ErrNonEmptyPassword, got %v", err)
	}
	if res.ExitCode != engine.ExitConfig {
		t.Errorf("expected exit 78, got %d", res.ExitCode)
	}
	if f.runner.ran("passwd") {
		t.Error("passwd must not run for a non-empty password")
	}
	if strings.Contains(err.Error(), "hunter2") {
		t.Error("password leaked into error")
	}

	run, err := f.journal.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Error != nil && strings.Contains(*run.Error, "hunter2") {
		t.Error("password leaked into journal")
	}
}

func TestRunWithoutGoalState(t *testing.T) {
	f := newFixture(t, imdsDoc(true, testKeys, "vm-01"), nil)
	f.agent.GoalState = nil
	f.agent.Journal = nil

	res, err := f.agent.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != 0 || f.hv.reportCount() != 0 {
		t.Errorf("expected success without report, got exit %d and %d reports", res.ExitCode, f.hv.reportCount())
	}
}

func TestRunRequiresCollaborators(t *testing.T) {
	res, err := (&Agent{Logger: testLogger}).Run(context.Background())
	if err == nil || res.ExitCode != engine.ExitFailure {
		t.Errorf("expected internal failure, got %v (exit %d)", err, res.ExitCode)
	}
}
