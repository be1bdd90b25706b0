package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tetherdev/tether/internal/auth"
	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/settings"
	"github.com/tetherdev/tether/internal/store/sqlite"
)

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      []string
		device  string
		command string
		args    []string
		wantErr bool
	}{
		{in: []string{"dev-1", "--", "ls", "-la", "/tmp"}, device: "dev-1", command: "ls", args: []string{"-la", "/tmp"}},
		{in: []string{"dev-1", "echo hi; exit 3"}, device: "dev-1", command: "echo hi; exit 3"},
		{in: []string{"dev-1", "--", "uptime"}, device: "dev-1", command: "uptime"},
		{in: []string{"dev-1", "--"}, wantErr: true},
		{in: nil, wantErr: true},
	}
	for _, tt := range tests {
		device, command, args, err := splitCommand(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("splitCommand(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || device != tt.device || command != tt.command || strings.Join(args, " ") != strings.Join(tt.args, " ") {
			t.Fatalf("splitCommand(%q) = %q %q %q %v", tt.in, device, command, args, err)
		}
	}
}

func TestListenAddr(t *testing.T) {
	t.Parallel()

	if got, err := listenAddr("8080"); err != nil || got != "127.0.0.1:8080" {
		t.Fatalf("bare port = %q %v", got, err)
	}
	if got, err := listenAddr("0.0.0.0:9000"); err != nil || got != "0.0.0.0:9000" {
		t.Fatalf("host:port = %q %v", got, err)
	}
	for _, bad := range []string{"70000", "nonsense"} {
		if _, err := listenAddr(bad); err == nil {
			t.Fatalf("listenAddr(%q) should fail", bad)
		}
	}
}

func TestNormalizeServerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"relay.example.com":          "https://relay.example.com",
		"https://relay.example.com/": "https://relay.example.com",
		"http://127.0.0.1:8443":      "http://127.0.0.1:8443",
	}
	for in, want := range tests {
		if got, err := normalizeServerURL(in); err != nil || got != want {
			t.Fatalf("normalizeServerURL(%q) = %q %v, want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "ftp://relay", "https://"} {
		if _, err := normalizeServerURL(bad); err == nil {
			t.Fatalf("normalizeServerURL(%q) should fail", bad)
		}
	}
}

func TestMergeClientSettingsFillsFromSavedCredentials(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	cfg := &config.ClientConfig{}
	if err := mergeClientSettings(cfg, path); err == nil || !strings.Contains(err.Error(), "tether login") {
		t.Fatalf("missing settings should point at login, got %v", err)
	}

	if err := settings.SaveCredentials(path, settings.Credentials{ServerURL: "relay.example.com", APIKey: "saved"}); err != nil {
		t.Fatal(err)
	}
	cfg = &config.ClientConfig{APIKey: "flag-key"}
	if err := mergeClientSettings(cfg, path); err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "https://relay.example.com" || cfg.APIKey != "flag-key" {
		t.Fatalf("merged = %+v; flags must win over saved values", cfg)
	}
}

func TestCreateAPIKeyResolvesPepperOnce(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	var out bytes.Buffer
	if err := createAPIKey(ctx, store, &out, "ops", domain.RoleAdmin, "pinned"); err != nil {
		t.Fatal(err)
	}
	var plain string
	for _, line := range strings.Split(out.String(), "\n") {
		if v, ok := strings.CutPrefix(line, "api_key: "); ok {
			plain = v
		}
	}
	if plain == "" || !strings.Contains(out.String(), "role: admin") {
		t.Fatalf("unexpected output %q", out.String())
	}
	rec, err := store.ResolveAPIKey(ctx, auth.HashAPIKey(plain, "pinned"))
	if err != nil || rec.Name != "ops" || rec.Role != domain.RoleAdmin {
		t.Fatalf("resolve = %+v %v", rec, err)
	}

	pepper, err := resolveServerPepper(ctx, store, "")
	if err != nil || pepper != "pinned" {
		t.Fatalf("stored pepper = %q %v", pepper, err)
	}
	if _, err := resolveServerPepper(ctx, store, "different"); err == nil {
		t.Fatal("a conflicting pepper must be refused")
	}
}

func TestWriteSessions(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	var out bytes.Buffer
	writeSessions(&out, []domain.SessionRecord{
		{DeviceID: "dev-1", APIKeyID: "k1", Type: "exec", Detail: "uptime", Outcome: domain.SessionOutcomeClosed, StartedAt: start, EndedAt: &end},
		{DeviceID: "dev-2", APIKeyID: "k1", Type: "pty", StartedAt: start},
		{DeviceID: "dev-3", APIKeyID: "k2", Type: "exec", Outcome: domain.SessionOutcomeRejected, Code: domain.CodeOffline, StartedAt: start, EndedAt: &start},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "closed\t1.5s\tuptime") {
		t.Fatalf("closed line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "active\t-") {
		t.Fatalf("active line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "rejected/offline") {
		t.Fatalf("rejected line = %q", lines[2])
	}
}

func TestParseDarwinIOPlatformUUID(t *testing.T) {
	t.Parallel()

	raw := `    "IOPlatformUUID" = "4C4C4544-0042-3510-8052-B7C04F4E4D32"` + "\n"
	if got := parseDarwinIOPlatformUUID(raw); got != "4C4C4544-0042-3510-8052-B7C04F4E4D32" {
		t.Fatalf("got %q", got)
	}
	if got := parseDarwinIOPlatformUUID("nothing here"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestRunDispatch(t *testing.T) {
	t.Parallel()

	if code := Run([]string{"version"}); code != 0 {
		t.Fatalf("version exit = %d", code)
	}
	if code := Run([]string{"no-such-command"}); code != 2 {
		t.Fatalf("unknown command exit = %d", code)
	}
	if code := Run([]string{"exec"}); code != 2 {
		t.Fatalf("exec without device exit = %d", code)
	}
	if code := Run([]string{"devices", "frobnicate"}); code != 2 {
		t.Fatalf("unknown devices action exit = %d", code)
	}
}

func TestStringListRequiresKeyValue(t *testing.T) {
	t.Parallel()

	var s stringList
	if err := s.Set("A=1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("broken"); err == nil {
		t.Fatal("expected error")
	}
	if s.String() != "A=1" {
		t.Fatalf("got %q", s.String())
	}
}
