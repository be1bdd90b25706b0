// Package versionutil compares the release tags agents and the relay report
// to each other in the handshake.
package versionutil

import (
	"strconv"
	"strings"
)

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Compare orders two release tags such as "v1.4.2" or "1.5.0-dev".
// It returns -1, 0 or 1. Development builds ("dev", git hashes) have no
// comparable core and report ok=false.
func Compare(a, b string) (result int, ok bool) {
	pa, okA := parse(a)
	pb, okB := parse(b)
	if !okA || !okB {
		return 0, false
	}
	for i := range pa {
		switch {
		case pa[i] < pb[i]:
			return -1, true
		case pa[i] > pb[i]:
			return 1, true
		}
	}
	return 0, true
}

// Older reports whether agent is a comparable release behind server.
func Older(agent, server string) bool {
	c, ok := Compare(agent, server)
	return ok && c < 0
}

func parse(v string) ([3]int, bool) {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
