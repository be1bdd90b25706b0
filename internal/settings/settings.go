// Package settings persists small JSON files under ~/.tether: the operator's
// relay credentials and the agent's device identity.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tetherdev/tether/internal/auth"
)

// Credentials contains the persisted client credentials.
type Credentials struct {
	ServerURL string `json:"server"`
	APIKey    string `json:"apiKey"`
}

// Identity is the agent's stable device id and the secret it proves it
// with. Both are created on first start.
type Identity struct {
	DeviceID   string `json:"deviceId"`
	Credential string `json:"credential"`
}

// Dir returns the settings directory. It uses the user's home directory so
// credentials survive temp-dir cleanup.
func Dir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".tether")
}

// CredentialsPath returns the absolute path to the client settings file.
func CredentialsPath() string { return filepath.Join(Dir(), "settings.json") }

// IdentityPath returns the default agent identity file.
func IdentityPath() string { return filepath.Join(Dir(), "identity.json") }

// LoadCredentials reads and validates a settings file. Returns an error if
// the file is missing or contains empty credentials.
func LoadCredentials(path string) (Credentials, error) {
	var s Credentials
	if err := readJSON(path, &s); err != nil {
		return Credentials{}, err
	}
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.APIKey = strings.TrimSpace(s.APIKey)
	if s.ServerURL == "" || s.APIKey == "" {
		return Credentials{}, errors.New("settings file is missing `server` or `apiKey`")
	}
	return s, nil
}

// SaveCredentials writes validated credentials with 0600 permissions.
func SaveCredentials(path string, s Credentials) error {
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.APIKey = strings.TrimSpace(s.APIKey)
	if s.ServerURL == "" || s.APIKey == "" {
		return errors.New("`server` and `apiKey` are required")
	}
	return writeJSON(path, s)
}

// EnsureIdentity loads the identity at path, creating one when the file
// does not exist yet. A new identity takes deviceID, or a random UUID when
// it is empty; an existing one keeps its id.
func EnsureIdentity(path, deviceID string) (Identity, bool, error) {
	var id Identity
	err := readJSON(path, &id)
	switch {
	case err == nil:
		id.DeviceID = strings.TrimSpace(id.DeviceID)
		id.Credential = strings.TrimSpace(id.Credential)
		if id.DeviceID == "" || id.Credential == "" {
			return Identity{}, false, errors.New("identity file is missing `deviceId` or `credential`")
		}
		return id, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return Identity{}, false, err
	}

	cred, err := auth.GenerateDeviceCredential()
	if err != nil {
		return Identity{}, false, err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	id = Identity{DeviceID: deviceID, Credential: cred}
	if err := writeJSON(path, id); err != nil {
		return Identity{}, false, err
	}
	return id, true, nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
