package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/transport"
)

func TestLoadClientProfileDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadClientProfile("ex.client.toml")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if cfg.Remote != "10.0.0.7:7400" {
		t.Fatalf("unexpected remote: %q", cfg.Remote)
	}
	if cfg.Transport != transport.KindQUIC {
		t.Fatalf("unexpected transport: %q", cfg.Transport)
	}
	if cfg.ConnectTimeout != 2*time.Second {
		t.Fatalf("unexpected connect timeout: %v", cfg.ConnectTimeout)
	}
	if cfg.RequestTimeout != time.Minute {
		t.Fatalf("request timeout should keep its default, got %v", cfg.RequestTimeout)
	}
	if cfg.AdminURL != "http://10.0.0.7:7480" {
		t.Fatalf("unexpected admin url: %q", cfg.AdminURL)
	}
	if cfg.AdminToken != "change-me" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken)
	}
	if cfg.SignerSeed != "" {
		t.Fatalf("signer seed should stay empty, got %q", cfg.SignerSeed)
	}
}

func TestLoadClientProfileWithoutFile(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadClientProfile("")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if cfg != defaultClientProfile() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadClientProfileRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	for name, doc := range map[string]string{
		"transport": `transport = "memory"`,
		"duration":  `request_timeout = "later"`,
	} {
		path := filepath.Join(t.TempDir(), "profile.toml")
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadClientProfile(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
