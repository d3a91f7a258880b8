// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaultsFromEnvironment(t *testing.T) {
	t.Setenv(envJID, "proxy@example.com")
	t.Setenv(envPassword, "secret")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr() != "127.0.0.1:8765" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr())
	}
	if cfg.AvatarPrefix != defaultAvatarPrefix {
		t.Fatalf("unexpected avatar prefix: %q", cfg.AvatarPrefix)
	}
	if cfg.XMPPAddr() != "" {
		t.Fatalf("expected SRV lookup without an explicit server, got %s", cfg.XMPPAddr())
	}
	if cfg.Domain() != "example.com" {
		t.Fatalf("unexpected domain: %s", cfg.Domain())
	}
	if cfg.XMPPDialTimeout != defaultXMPPDialTimeout || cfg.XMPPKeepAlive != defaultXMPPKeepAlive {
		t.Fatalf("unexpected xmpp timers: dial=%s keepalive=%s", cfg.XMPPDialTimeout, cfg.XMPPKeepAlive)
	}
	if cfg.XMPPAllowPlainAuth {
		t.Fatal("plaintext auth must be opt-in")
	}
	if !cfg.XMPPStartTLS || cfg.XMPPDirectTLS {
		t.Fatalf("expected STARTTLS without direct TLS, got starttls=%v tls=%v", cfg.XMPPStartTLS, cfg.XMPPDirectTLS)
	}
	if cfg.FetchTimeout != defaultFetchTimeout {
		t.Fatalf("unexpected fetch timeout: %s", cfg.FetchTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level: %s", cfg.LogLevel)
	}
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv(envJID, "env@example.com")
	t.Setenv(envPassword, "env-secret")
	t.Setenv(envPort, "9000")
	t.Setenv(envLogLevel, "warn")

	cfg, err := Load([]string{
		"--jid", "flag@example.org",
		"-p", "flag-secret",
		"--host", "0.0.0.0",
		"--port", "9999",
		"--avatar_prefix", "img/",
		"--xmpp-server", "xmpp.example.org:5269",
		"--fetch-timeout", "3s",
		"--log-level", "DEBUG",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.JID != "flag@example.org" || cfg.Password != "flag-secret" {
		t.Fatalf("account not taken from flags: %q", cfg.JID)
	}
	if cfg.ListenAddr() != "0.0.0.0:9999" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr())
	}
	if cfg.AvatarPrefix != "img/" {
		t.Fatalf("unexpected avatar prefix: %q", cfg.AvatarPrefix)
	}
	if cfg.XMPPAddr() != "xmpp.example.org:5269" {
		t.Fatalf("unexpected xmpp addr: %s", cfg.XMPPAddr())
	}
	if cfg.FetchTimeout != 3*time.Second {
		t.Fatalf("unexpected fetch timeout: %s", cfg.FetchTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %s", cfg.LogLevel)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "proxy.env")
	content := "AVATAR_JID=dotenv@example.net\nAVATAR_PASSWORD=dotenv-secret\nAVATAR_PREFIX=pics/\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// godotenv never overrides variables that are already set, so make sure
	// the keys are unset and restored afterwards.
	for _, key := range []string{envJID, envPassword, envAvatarPrefix} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load([]string{"--env-file=" + envFile})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JID != "dotenv@example.net" || cfg.AvatarPrefix != "pics/" {
		t.Fatalf("env file not applied: jid=%q prefix=%q", cfg.JID, cfg.AvatarPrefix)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "missing jid", env: map[string]string{envPassword: "x"}, want: "--jid"},
		{name: "missing password", env: map[string]string{envJID: "a@example.com"}, want: "--password"},
		{name: "bare domain jid", args: []string{"--jid", "example.com", "--password", "x"}, want: "local part"},
		{name: "bad port", args: []string{"--jid", "a@example.com", "--password", "x", "--port", "70000"}, want: "--port"},
		{name: "bad server", args: []string{"--jid", "a@example.com", "--password", "x", "--xmpp-server", "nohost"}, want: "--xmpp-server"},
		{name: "zero timeout", args: []string{"--jid", "a@example.com", "--password", "x", "--fetch-timeout", "0s"}, want: "--fetch-timeout"},
		{name: "plaintext without opt-in", args: []string{"--jid", "a@example.com", "--password", "x", "--xmpp-starttls=false"}, want: "--xmpp-allow-plain-auth"},
		{name: "zero dial timeout", args: []string{"--jid", "a@example.com", "--password", "x", "--xmpp-dial-timeout", "0s"}, want: "--xmpp-dial-timeout"},
		{name: "missing explicit env file", args: []string{"--env-file", "/nonexistent/avatar.env", "--jid", "a@example.com", "--password", "x"}, want: "/nonexistent/avatar.env"},
		{name: "extra args", args: []string{"--jid", "a@example.com", "--password", "x", "stray"}, want: "unexpected arguments"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(envJID, "")
			t.Setenv(envPassword, "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := Load(tc.args)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadPlaintextWithOptIn(t *testing.T) {
	cfg, err := Load([]string{
		"--jid", "a@example.com",
		"--password", "x",
		"--xmpp-starttls=false",
		"--xmpp-allow-plain-auth",
		"--xmpp-server", "localhost:5222",
		"--xmpp-dial-timeout", "5s",
		"--xmpp-keepalive", "0s",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.XMPPStartTLS || !cfg.XMPPAllowPlainAuth {
		t.Fatalf("unexpected tls settings: starttls=%v plain=%v", cfg.XMPPStartTLS, cfg.XMPPAllowPlainAuth)
	}
	if cfg.XMPPAddr() != "localhost:5222" || cfg.Domain() != "example.com" {
		t.Fatalf("unexpected addresses: server=%s domain=%s", cfg.XMPPAddr(), cfg.Domain())
	}
	if cfg.XMPPDialTimeout != 5*time.Second || cfg.XMPPKeepAlive != 0 {
		t.Fatalf("unexpected xmpp timers: dial=%s keepalive=%s", cfg.XMPPDialTimeout, cfg.XMPPKeepAlive)
	}
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected pflag.ErrHelp, got %v", err)
	}
}

func TestUsageListsAccountAndListenerFlags(t *testing.T) {
	usage := Usage()
	for _, name := range []string{"--jid", "--password", "--host", "--port", "--avatar_prefix"} {
		if !strings.Contains(usage, name) {
			t.Errorf("usage missing %s", name)
		}
	}
}
