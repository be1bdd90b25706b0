package settings

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestCredentialsRoundTripTrimsAndRestrictsMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	if err := SaveCredentials(path, Credentials{ServerURL: " https://relay.example.com ", APIKey: " key "}); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerURL != "https://relay.example.com" || got.APIKey != "key" {
		t.Fatalf("loaded %+v", got)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
		}
	}

	if err := SaveCredentials(path, Credentials{ServerURL: "x"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestLoadCredentialsRejectsIncompleteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"server":"https://relay"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCredentials(path); err == nil {
		t.Fatal("expected error for missing apiKey")
	}
}

func TestEnsureIdentityCreatesOnceThenReuses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identity.json")
	first, created, err := EnsureIdentity(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if !created || first.DeviceID == "" || first.Credential == "" {
		t.Fatalf("first = %+v created=%v", first, created)
	}
	second, created, err := EnsureIdentity(path, "ignored-once-created")
	if err != nil {
		t.Fatal(err)
	}
	if created || second != first {
		t.Fatalf("second = %+v created=%v, want reuse of %+v", second, created, first)
	}

	if err := os.WriteFile(path, []byte(`{"deviceId":"d"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := EnsureIdentity(path, ""); err == nil {
		t.Fatal("expected error for identity without credential")
	}
}

func TestEnsureIdentityUsesRequestedDeviceID(t *testing.T) {
	t.Parallel()

	id, created, err := EnsureIdentity(filepath.Join(t.TempDir(), "identity.json"), " gateway-7 ")
	if err != nil {
		t.Fatal(err)
	}
	if !created || id.DeviceID != "gateway-7" {
		t.Fatalf("id = %+v created=%v", id, created)
	}
}
