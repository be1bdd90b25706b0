package mux

import (
	"errors"
	"fmt"
	"strings"
)

// SessionType is the closed set of session kinds a connection can carry.
type SessionType string

const (
	TypeExec    SessionType = "exec"
	TypePTY     SessionType = "pty"
	TypeSync    SessionType = "sftp-sync"
	TypeForward SessionType = "port-forward"
	TypeMetrics SessionType = "metrics"
)

// Sync directions, seen from the operator's side.
const (
	SyncPush = "push"
	SyncPull = "pull"
)

// OpenParams is the payload of an open frame. Exactly one of the
// type-specific fields is set and it must match Type; pty sessions use Exec.
type OpenParams struct {
	Type    SessionType    `cbor:"type"`
	Device  string         `cbor:"device,omitempty"`
	Exec    *ExecParams    `cbor:"exec,omitempty"`
	Sync    *SyncParams    `cbor:"sync,omitempty"`
	Forward *ForwardParams `cbor:"forward,omitempty"`
	Metrics *MetricsParams `cbor:"metrics,omitempty"`
}

// ExecParams describes a process to run on the device. With no Args the
// Command is handed to the shell.
type ExecParams struct {
	Command string   `cbor:"command,omitempty"`
	Args    []string `cbor:"args,omitempty"`
	TTY     bool     `cbor:"tty,omitempty"`
	Stdin   bool     `cbor:"stdin,omitempty"`
	Cols    uint16   `cbor:"cols,omitempty"`
	Rows    uint16   `cbor:"rows,omitempty"`
	Env     []string `cbor:"env,omitempty"`
}

// SyncParams describes a file sync against a device-relative path.
type SyncParams struct {
	Path      string `cbor:"path"`
	Direction string `cbor:"direction"`
	Delete    bool   `cbor:"delete,omitempty"`
	Watch     bool   `cbor:"watch,omitempty"`
	Checksum  bool   `cbor:"checksum,omitempty"`
}

// ForwardParams names the TCP endpoint the device dials.
type ForwardParams struct {
	Host string `cbor:"host"`
	Port int    `cbor:"port"`
}

// MetricsParams configures the device's sampler.
type MetricsParams struct {
	IntervalMillis int `cbor:"interval_ms,omitempty"`
}

// Validate checks that the params form a well-formed tagged variant.
func (p OpenParams) Validate() error {
	set := 0
	for _, present := range []bool{p.Exec != nil, p.Sync != nil, p.Forward != nil, p.Metrics != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return errors.New("open params carry more than one session variant")
	}
	switch p.Type {
	case TypeExec:
		if p.Exec == nil {
			return errors.New("exec session requires exec params")
		}
		if p.Exec.TTY {
			return errors.New("exec params with tty must use the pty session type")
		}
		if strings.TrimSpace(p.Exec.Command) == "" {
			return errors.New("exec session requires a command")
		}
	case TypePTY:
		if p.Exec == nil {
			return errors.New("pty session requires exec params")
		}
	case TypeSync:
		if p.Sync == nil {
			return errors.New("sync session requires sync params")
		}
		if p.Sync.Direction != SyncPush && p.Sync.Direction != SyncPull {
			return fmt.Errorf("unknown sync direction %q", p.Sync.Direction)
		}
		if strings.TrimSpace(p.Sync.Path) == "" {
			return errors.New("sync session requires a path")
		}
	case TypeForward:
		if p.Forward == nil {
			return errors.New("port-forward session requires forward params")
		}
		if p.Forward.Port <= 0 || p.Forward.Port > 65535 {
			return fmt.Errorf("invalid forward port %d", p.Forward.Port)
		}
	case TypeMetrics:
	default:
		return fmt.Errorf("unknown session type %q", p.Type)
	}
	return nil
}

// Describe returns a short human-readable summary for logs and the audit
// trail.
func (p OpenParams) Describe() string {
	switch {
	case p.Exec != nil:
		return strings.TrimSpace(p.Exec.Command + " " + strings.Join(p.Exec.Args, " "))
	case p.Sync != nil:
		return p.Sync.Direction + " " + p.Sync.Path
	case p.Forward != nil:
		return fmt.Sprintf("%s:%d", p.Forward.Host, p.Forward.Port)
	}
	return ""
}

// openRequest is the wire form of an open frame.
type openRequest struct {
	Window uint32     `cbor:"window"`
	Params OpenParams `cbor:"params"`
}
