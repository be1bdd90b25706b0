// Package netutil provides shared host name normalization helpers.
package netutil

import (
	"net"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// HostFromURL accepts a bare host or a URL and returns its normalized host.
// "https://Relay.example.com:8443/x" becomes "relay.example.com".
func HostFromURL(raw string) string {
	v := strings.TrimSpace(raw)
	if _, rest, ok := strings.Cut(v, "://"); ok {
		v = rest
	}
	if idx := strings.IndexAny(v, "/?#"); idx >= 0 {
		v = v[:idx]
	}
	if _, rest, ok := strings.Cut(v, "@"); ok {
		v = rest
	}
	return NormalizeHost(v)
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
