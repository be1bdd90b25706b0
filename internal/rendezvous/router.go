// Package rendezvous maps device ids to the live multiplexer of each
// device's agent connection and routes session opens to it.
package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/mux"
)

// Authorizer decides whether a principal may open a session of the given
// type on a device. It returns an error wrapping
// [domain.ErrDeviceUnauthorized] to refuse.
type Authorizer interface {
	Authorize(ctx context.Context, p domain.Principal, deviceID string, t mux.SessionType) error
}

// AuthorizerFunc adapts a function to [Authorizer].
type AuthorizerFunc func(ctx context.Context, p domain.Principal, deviceID string, t mux.SessionType) error

func (f AuthorizerFunc) Authorize(ctx context.Context, p domain.Principal, deviceID string, t mux.SessionType) error {
	return f(ctx, p, deviceID, t)
}

// LinkInfo describes the agent behind a link.
type LinkInfo struct {
	Hostname        string
	Platform        string
	AgentVersion    string
	ProtocolVersion uint8
	RemoteAddr      string
	Transport       string
}

// Link is one device's live connection.
type Link struct {
	DeviceID    string
	Mux         *mux.Mux
	Info        LinkInfo
	ConnectedAt time.Time
}

// Options tunes a Router.
type Options struct {
	// OpenRate and OpenBurst limit session opens per principal. A zero
	// rate disables limiting.
	OpenRate  float64
	OpenBurst int
	Logger    *slog.Logger
	// OnChange, if set, is called with the number of online devices after
	// every connect and disconnect.
	OnChange func(online int)
}

// Router is the relay's single source of truth for which devices are
// online. Lookups take a read lock; connect and disconnect are serialized.
type Router struct {
	auth    Authorizer
	limiter *openLimiter
	log     *slog.Logger
	change  func(int)

	connectMu sync.Mutex
	mu        sync.RWMutex
	links     map[string]*Link
}

// New returns an empty Router.
func New(auth Authorizer, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		auth:   auth,
		log:    log,
		change: opts.OnChange,
		links:  make(map[string]*Link),
	}
	if opts.OpenRate > 0 {
		r.limiter = newOpenLimiter(opts.OpenRate, opts.OpenBurst)
	}
	return r
}

// Connect installs m as the device's live connection. A previous
// connection for the same device is torn down, with all its sessions,
// before the new one becomes visible. The link is removed automatically
// when m dies.
func (r *Router) Connect(deviceID string, m *mux.Mux, info LinkInfo) *Link {
	link := &Link{DeviceID: deviceID, Mux: m, Info: info, ConnectedAt: time.Now()}

	r.connectMu.Lock()
	r.mu.Lock()
	old := r.links[deviceID]
	delete(r.links, deviceID)
	r.mu.Unlock()
	if old != nil {
		r.log.Info("superseding device connection", "device_id", deviceID, "previous_since", old.ConnectedAt.Format(time.RFC3339))
		_ = old.Mux.Close()
		<-old.Mux.Done()
	}
	r.mu.Lock()
	r.links[deviceID] = link
	online := len(r.links)
	r.mu.Unlock()
	r.connectMu.Unlock()

	r.notify(online)
	go func() {
		<-m.Done()
		r.Disconnect(link)
	}()
	return link
}

// Disconnect removes link if it is still the device's live connection. It
// reports whether anything was removed.
func (r *Router) Disconnect(link *Link) bool {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()
	r.mu.Lock()
	cur, ok := r.links[link.DeviceID]
	if !ok || cur != link {
		r.mu.Unlock()
		return false
	}
	delete(r.links, link.DeviceID)
	online := len(r.links)
	r.mu.Unlock()
	r.notify(online)
	return true
}

// Lookup returns the device's live link.
func (r *Router) Lookup(deviceID string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[deviceID]
	return l, ok
}

// Online reports whether the device has a live link.
func (r *Router) Online(deviceID string) bool {
	_, ok := r.Lookup(deviceID)
	return ok
}

// Links returns a snapshot of all live links ordered by device id.
func (r *Router) Links() []*Link {
	r.mu.RLock()
	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// RouteOpen authorizes the request and opens a session on the device's
// live connection. Nothing is sent to the device unless the principal is
// authorized and the device is online.
func (r *Router) RouteOpen(ctx context.Context, p domain.Principal, deviceID string, params mux.OpenParams) (*mux.Session, error) {
	if r.limiter != nil && !r.limiter.allow(p.KeyID) {
		return nil, &domain.SessionError{Op: "route", Code: domain.CodeRateLimited, Err: domain.ErrRateLimitExceeded}
	}
	if r.auth != nil {
		if err := r.auth.Authorize(ctx, p, deviceID, params.Type); err != nil {
			return nil, &domain.SessionError{Op: "route", Code: domain.CodeOf(err), Err: err}
		}
	}
	link, ok := r.Lookup(deviceID)
	if !ok {
		return nil, &domain.SessionError{Op: "route", Code: domain.CodeOffline, Err: fmt.Errorf("%w: %s", domain.ErrDeviceOffline, deviceID)}
	}
	params.Device = ""
	return link.Mux.Open(ctx, params)
}

// Sweep evicts idle rate-limit state. It is meant to be called
// periodically.
func (r *Router) Sweep() {
	if r.limiter != nil {
		r.limiter.cleanup()
	}
}

// CloseAll tears down every live link.
func (r *Router) CloseAll() {
	for _, l := range r.Links() {
		_ = l.Mux.Close()
	}
}

func (r *Router) notify(online int) {
	if r.change != nil {
		r.change(online)
	}
}
