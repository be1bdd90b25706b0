package cli

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

func isInteractiveInput() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, label); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func resolveRequiredValue(reader *bufio.Reader, value string, canPrompt bool, promptLabel string) (string, bool, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, false, nil
	}
	if !canPrompt {
		return "", true, nil
	}
	v, err := prompt(reader, promptLabel)
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(v), false, nil
}

// normalizeServerURL accepts a bare host or a URL and returns an http(s)
// URL without a trailing slash. Bare hosts get https.
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.New("server URL must use https (or http for local relays)")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("server URL must include host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}
