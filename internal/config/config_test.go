package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nzbpost.ini")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
[global]
From = poster@example.test
ArticleSize = 750000
OperationTimeout = 45
MaxRetries = 5

[Server1]
Address = news.example.test
Port = 563
Username = alice
Password = hunter2
TLS = true
Connections = 10

[Server2]
Address = backup.example.test
Port = 119
TLS = false
Connections = 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Global.From != "poster@example.test" {
		t.Fatalf("From: got %q", cfg.Global.From)
	}
	if cfg.Global.ArticleSize != 750000 {
		t.Fatalf("ArticleSize: got %d", cfg.Global.ArticleSize)
	}
	if cfg.Global.OperationTimeout != 45*time.Second {
		t.Fatalf("OperationTimeout: got %v", cfg.Global.OperationTimeout)
	}
	if cfg.Global.MsgIDDomain != defaultMsgIDDomain {
		t.Fatalf("MsgIDDomain default: got %q", cfg.Global.MsgIDDomain)
	}

	if len(cfg.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.Servers))
	}
	if !cfg.Servers[0].TLS || cfg.Servers[0].Connections != 10 {
		t.Fatalf("Server1 parsed wrong: %+v", cfg.Servers[0])
	}
	if cfg.Servers[1].TLS {
		t.Fatalf("Server2 should not have TLS")
	}
}

func TestLoadRejectsMissingFrom(t *testing.T) {
	path := writeConfig(t, `
[global]
ArticleSize = 1000

[Server1]
Address = news.example.test
Port = 119
TLS = false
Connections = 1
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing from")
	}
}

func TestLoadRejectsNoServers(t *testing.T) {
	path := writeConfig(t, `
[global]
From = poster@example.test
ArticleSize = 1000
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for no servers")
	}
}
