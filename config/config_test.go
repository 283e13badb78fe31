package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	c := Default()
	if c.BindPort != 31130 {
		t.Errorf("BindPort = %d, want 31130", c.BindPort)
	}
	if c.PeerTimeout != 60*time.Second {
		t.Errorf("PeerTimeout = %v, want 60s", c.PeerTimeout)
	}
	if c.RetryInterval != time.Second {
		t.Errorf("RetryInterval = %v, want 1s", c.RetryInterval)
	}
	if c.RetryCap != 5 {
		t.Errorf("RetryCap = %d, want 5", c.RetryCap)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.BindPort != Default().BindPort {
		t.Fatal("expected defaults when the file is absent")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "presence-relay.yml")
	contents := `
bind_port: 40000
identity_base_url: "https://id.example.test/"
peer_timeout_seconds: 30
retry_cap: 3
log_level: debug
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.BindPort != 40000 {
		t.Errorf("BindPort = %d, want 40000", c.BindPort)
	}
	if c.IdentityBaseURL != "https://id.example.test/" {
		t.Errorf("IdentityBaseURL = %q", c.IdentityBaseURL)
	}
	if c.PeerTimeout != 30*time.Second {
		t.Errorf("PeerTimeout = %v, want 30s", c.PeerTimeout)
	}
	if c.RetryCap != 3 {
		t.Errorf("RetryCap = %d, want 3", c.RetryCap)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", c.LogLevel)
	}
	// Untouched fields keep their defaults.
	if c.BroadcastTickInterval != Default().BroadcastTickInterval {
		t.Error("expected untouched fields to retain their defaults")
	}
}

func TestWithBindPortOverridesCLIArgument(t *testing.T) {
	c := Default().WithBindPort(12345)
	if c.BindPort != 12345 {
		t.Fatalf("BindPort = %d, want 12345", c.BindPort)
	}
}
