package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":                "example.com",
		"https://example.com/path":   "example.com",
		"http://EXAMPLE.com:443/abc": "example.com",
		"  sub.example.com.  ":       "sub.example.com",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseServerFlagsTLSModeDefaults(t *testing.T) {
	t.Setenv("TETHER_TLS_MODE", "")
	t.Setenv("TETHER_DOMAIN", "")
	t.Setenv("TETHER_TLS_CERT_FILE", "")
	t.Setenv("TETHER_TLS_KEY_FILE", "")
	t.Setenv("TETHER_LISTEN_QUIC", "")
	t.Setenv("TETHER_APPROVAL_POLL", "")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TLSMode != TLSModeOff {
		t.Fatalf("expected tls mode off without a domain, got %q", cfg.TLSMode)
	}
	if cfg.ApprovalPollInterval != 5*time.Second {
		t.Fatalf("expected 5s approval poll, got %s", cfg.ApprovalPollInterval)
	}

	cfg, err = ParseServerFlags([]string{"--domain", "https://Relay.Example.com/"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TLSMode != TLSModeAuto || cfg.Domain != "relay.example.com" {
		t.Fatalf("expected auto TLS for relay.example.com, got %q for %q", cfg.TLSMode, cfg.Domain)
	}

	cfg, err = ParseServerFlags([]string{"--tls-cert-file", "c.pem", "--tls-key-file", "k.pem"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TLSMode != TLSModeStatic {
		t.Fatalf("expected static TLS with cert files, got %q", cfg.TLSMode)
	}
}

func TestParseServerFlagsValidation(t *testing.T) {
	t.Setenv("TETHER_TLS_MODE", "")
	t.Setenv("TETHER_DOMAIN", "")
	t.Setenv("TETHER_TLS_CERT_FILE", "")
	t.Setenv("TETHER_TLS_KEY_FILE", "")
	t.Setenv("TETHER_LISTEN_QUIC", "")

	tests := []struct {
		name string
		args []string
	}{
		{name: "auto needs domain", args: []string{"--tls-mode", "auto"}},
		{name: "static needs files", args: []string{"--tls-mode", "static"}},
		{name: "unknown mode", args: []string{"--tls-mode", "wildcard"}},
		{name: "quic needs tls", args: []string{"--quic-listen", ":8443"}},
		{name: "negative rate", args: []string{"--open-rate", "-1"}},
		{name: "zero approval poll", args: []string{"--approval-poll", "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServerFlags(tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}

func TestParseAgentFlags(t *testing.T) {
	t.Setenv("TETHER_RELAY", "https://relay.example.com")
	t.Setenv("TETHER_TRANSPORT", "")
	t.Setenv("TETHER_DISABLE_EXEC", "true")

	cfg, err := ParseAgentFlags([]string{"--sync-root", "/srv"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RelayURL != "https://relay.example.com" || cfg.Transport != "websocket" {
		t.Fatalf("unexpected agent config %+v", cfg)
	}
	if !cfg.DisableExec || cfg.SyncRoot != "/srv" {
		t.Fatalf("env and flag values not applied: %+v", cfg)
	}

	if _, err := ParseAgentFlags([]string{"--transport", "quic"}); err == nil {
		t.Fatal("quic without an address should fail")
	}
	if _, err := ParseAgentFlags([]string{"--transport", "carrier-pigeon"}); err == nil {
		t.Fatal("unknown transport should fail")
	}
	if _, err := ParseAgentFlags([]string{"--log-level", "loud"}); err == nil {
		t.Fatal("unknown log level should fail")
	}
}

func TestClientFlagsValidate(t *testing.T) {
	t.Setenv("TETHER_SERVER", "")
	t.Setenv("TETHER_API_KEY", "")

	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	cfg := ClientFlags(fs)
	if err := fs.Parse([]string{"--server", "https://relay.example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing api key error")
	}
	cfg.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDotEnvOnlyTetherKeysAndExistingWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "TETHER_RELAY=https://from-file\nTETHER_LOG_LEVEL=debug\nOTHER_KEY=x\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TETHER_RELAY", "https://from-env")
	t.Setenv("TETHER_LOG_LEVEL", "")
	t.Setenv("OTHER_KEY", "")

	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TETHER_RELAY"); got != "https://from-env" {
		t.Fatalf("existing env should win, got %q", got)
	}
	if got := os.Getenv("TETHER_LOG_LEVEL"); got != "debug" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("OTHER_KEY"); got != "" {
		t.Fatalf("non-tether key should be ignored, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}
