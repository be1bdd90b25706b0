// Package handler serves sessions on the device side of a link. One
// Dispatcher is shared by every session a connection accepts; it picks the
// handler for a session from its type.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/filesync"
	"github.com/tetherdev/tether/internal/mux"
)

// Policy limits what remote operators may do on this device.
type Policy struct {
	AllowExec    bool
	AllowForward bool
	AllowSync    bool
	// SyncRoot confines sync paths. Empty means paths are taken as given.
	SyncRoot string
	// Shell overrides login shell detection.
	Shell string
	// MetricsInterval is the default sampling period.
	MetricsInterval time.Duration
	// WaitDelay bounds how long a killed process may hold its output open.
	WaitDelay time.Duration
}

// DefaultPolicy allows every session type.
func DefaultPolicy() Policy {
	return Policy{
		AllowExec:       true,
		AllowForward:    true,
		AllowSync:       true,
		MetricsInterval: 2 * time.Second,
		WaitDelay:       2 * time.Second,
	}
}

// Dispatcher maps accepted sessions to handlers.
type Dispatcher struct {
	policy Policy
	log    *slog.Logger
}

// NewDispatcher returns a Dispatcher enforcing policy.
func NewDispatcher(policy Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if policy.MetricsInterval <= 0 {
		policy.MetricsInterval = 2 * time.Second
	}
	if policy.WaitDelay <= 0 {
		policy.WaitDelay = 2 * time.Second
	}
	return &Dispatcher{policy: policy, log: logger}
}

// Accept implements mux.AcceptFunc.
func (d *Dispatcher) Accept(_ context.Context, params mux.OpenParams) (mux.Handler, error) {
	switch params.Type {
	case mux.TypeExec:
		if !d.policy.AllowExec {
			return nil, d.refuse(params)
		}
		return d.serveExec, nil
	case mux.TypePTY:
		if !d.policy.AllowExec {
			return nil, d.refuse(params)
		}
		return d.servePTY, nil
	case mux.TypeSync:
		if !d.policy.AllowSync {
			return nil, d.refuse(params)
		}
		if _, err := filesync.Resolve(d.policy.SyncRoot, params.Sync.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSessionRejected, err)
		}
		return d.serveSync, nil
	case mux.TypeForward:
		if !d.policy.AllowForward {
			return nil, d.refuse(params)
		}
		return d.serveForward, nil
	case mux.TypeMetrics:
		return d.serveMetrics, nil
	default:
		return nil, fmt.Errorf("%w: unknown session type %q", domain.ErrSessionRejected, params.Type)
	}
}

func (d *Dispatcher) refuse(params mux.OpenParams) error {
	return fmt.Errorf("%w: %s sessions are disabled on this device", domain.ErrSessionRejected, params.Type)
}

// fail aborts a session whose handler could not do its work.
func (d *Dispatcher) fail(s *mux.Session, what string, err error) {
	d.log.Warn("session handler failed", "channel", s.ID(), "type", string(s.Params().Type), "op", what, "err", err)
	s.Abort(domain.CodeHandlerFailure, fmt.Sprintf("%s: %v", what, err))
}

func (d *Dispatcher) serveSync(s *mux.Session) {
	p := s.Params().Sync
	path, err := filesync.Resolve(d.policy.SyncRoot, p.Path)
	if err != nil {
		d.fail(s, "resolve path", err)
		return
	}
	if err := filesync.Serve(s.Context(), s, path, *p); err != nil {
		if s.Context().Err() != nil {
			return
		}
		d.fail(s, "sync", err)
		return
	}
	_ = s.Close()
}
