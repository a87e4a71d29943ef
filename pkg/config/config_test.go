package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/guestinit/pkg/provision"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IMDS.Endpoint != "http://169.254.169.254/metadata/instance" {
		t.Errorf("unexpected imds endpoint %q", cfg.IMDS.Endpoint)
	}
	if cfg.Commands.Timeout != 0 {
		t.Errorf("expected unbounded commands by default, got %s", cfg.Commands.Timeout)
	}
	if len(cfg.Commands.Groups) != len(provision.DefaultGroups) {
		t.Errorf("expected default groups, got %v", cfg.Commands.Groups)
	}
	if !cfg.WireServer.ReportHealth {
		t.Error("expected health reporting on by default")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeFile(t, `
transport:
  timeout: 5s
commands:
  groups: [adm, sudo]
  timeout: 2m
backends:
  hostname: [fake-hostnamectl, hostnamectl]
journal:
  enabled: true
  path: /tmp/journal.db
telemetry:
  logging:
    level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", cfg.Transport.Timeout)
	}
	if cfg.Commands.Timeout != 2*time.Minute {
		t.Errorf("expected 2m command timeout, got %s", cfg.Commands.Timeout)
	}
	if strings.Join(cfg.Commands.Groups, ",") != "adm,sudo" {
		t.Errorf("expected groups adm,sudo, got %v", cfg.Commands.Groups)
	}
	// Untouched keys keep their defaults.
	if cfg.Commands.Useradd != "useradd" {
		t.Errorf("expected default useradd, got %q", cfg.Commands.Useradd)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Telemetry.Logging.Level)
	}

	sel, err := cfg.BackendSelection()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.User != nil {
		t.Errorf("expected default user backends, got %v", sel.User)
	}
	if len(sel.Hostname) != 2 || sel.Hostname[0] != provision.FakeHostnamectl {
		t.Errorf("unexpected hostname backends %v", sel.Hostname)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "imds:\n  endpiont: http://x\n"},
		{"bad backend", "backends:\n  user: [adduser]\n"},
		{"bad url", "imds:\n  endpoint: not a url\n"},
		{"zero timeout", "transport:\n  timeout: 0s\n"},
		{"journal without path", "journal:\n  enabled: true\n  path: \"\"\n"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n"},
		{"no fs types", "media:\n  fs_types: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	if _, err := Load(writeFile(t, "")); err != nil {
		t.Fatalf("expected empty file to yield defaults, got %v", err)
	}
}

func TestEnvLogLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("expected warn level, got %q", cfg.Telemetry.Logging.Level)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Commands.Timeout = time.Minute

	if got := cfg.ProvisionCommands(); got.Hostnamectl != "hostnamectl" || got.HomeBase != "/home" {
		t.Errorf("unexpected commands %+v", got)
	}
	if got := cfg.MediaResolverConfig(); got.EnvFile != "ovf-env.xml" || len(got.FSTypes) != 2 {
		t.Errorf("unexpected media config %+v", got)
	}
	if got := cfg.JournalStoreConfig(); got.Path != cfg.Journal.Path || got.BusyTimeout != 5*time.Second {
		t.Errorf("unexpected journal config %+v", got)
	}
	if err := cfg.WireConfig().Validate(); err != nil {
		t.Errorf("expected valid wire config, got %v", err)
	}
}
