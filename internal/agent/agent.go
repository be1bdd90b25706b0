// Package agent keeps a device linked to its relay. It dials out, proves
// the device's identity with a hello, and serves sessions the relay opens
// until the link drops, then reconnects with backoff.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/frame"
	"github.com/tetherdev/tether/internal/mux"
	"github.com/tetherdev/tether/internal/transport"
	"github.com/tetherdev/tether/internal/versionutil"
)

const (
	reconnectInitialDelay   = 1 * time.Second
	reconnectMaxDelay       = 30 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
)

// Transport names accepted in Options.
const (
	TransportWebsocket = "websocket"
	TransportQUIC      = "quic"
)

// ConnectPath is the relay endpoint agents dial.
const ConnectPath = "/v1/agent/connect"

// State is the agent's view of its link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StatePending
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePending:
		return "pending"
	case StateOnline:
		return "online"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// DialFunc opens the raw byte stream to the relay.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Options configure an Agent.
type Options struct {
	RelayURL   string
	Transport  string
	QUICAddr   string
	TLSConfig  *tls.Config
	DeviceID   string
	Credential string
	Hostname   string
	Platform   string
	Version    string

	// Accept serves sessions opened by the relay.
	Accept mux.AcceptFunc
	// Mux tunes the link; Initiator and Accept are set by the agent.
	Mux mux.Config

	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// Dial overrides the transport selected by Transport.
	Dial DialFunc
	// OnState observes state changes.
	OnState func(State)
	Logger  *slog.Logger
}

// Agent maintains the device link.
type Agent struct {
	opts  Options
	log   *slog.Logger
	dial  DialFunc
	state atomic.Int32

	mu  sync.Mutex
	cur *mux.Mux
}

// New validates opts and returns an Agent. Nothing is dialed until Run.
func New(opts Options) (*Agent, error) {
	if opts.DeviceID == "" || opts.Credential == "" {
		return nil, errors.New("device id and credential are required")
	}
	if opts.Accept == nil {
		return nil, errors.New("accept handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = reconnectInitialDelay
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = reconnectMaxDelay
	}
	if opts.Transport == "" {
		opts.Transport = TransportWebsocket
	}
	a := &Agent{opts: opts, log: opts.Logger.With("device_id", opts.DeviceID)}
	a.dial = opts.Dial
	if a.dial == nil {
		d, err := a.transportDialer()
		if err != nil {
			return nil, err
		}
		a.dial = d
	}
	return a, nil
}

func (a *Agent) transportDialer() (DialFunc, error) {
	switch a.opts.Transport {
	case TransportWebsocket:
		endpoint, err := transport.EndpointURL(a.opts.RelayURL, ConnectPath)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return transport.DialWebsocket(ctx, endpoint, http.Header{"User-Agent": {"tether-agent/" + a.opts.Version}}, a.opts.TLSConfig)
		}, nil
	case TransportQUIC:
		if a.opts.QUICAddr == "" {
			return nil, errors.New("quic transport requires a relay quic address")
		}
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return transport.DialQUIC(ctx, a.opts.QUICAddr, a.opts.TLSConfig)
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", a.opts.Transport)
}

// State returns the current link state.
func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) {
	if State(a.state.Swap(int32(s))) != s && a.opts.OnState != nil {
		a.opts.OnState(s)
	}
}

// Mux returns the live link, or nil while disconnected.
func (a *Agent) Mux() *mux.Mux {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// Run keeps the link up until ctx is canceled or the relay rejects the
// device. It returns nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setState(StateDisconnected)
	backoff := a.opts.InitialBackoff
	for {
		a.setState(StateConnecting)
		m, ack, late, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isNonRetriable(err) {
				a.log.Error("relay refused device", "err", err)
				return err
			}
			a.setState(StateDisconnected)
			a.log.Warn("relay connect failed", "err", err, "retry_in", backoff.Round(time.Millisecond).String())
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = a.nextBackoff(backoff)
			continue
		}
		backoff = a.opts.InitialBackoff

		err = a.serve(ctx, m, ack, late)
		if ctx.Err() != nil {
			return nil
		}
		if isNonRetriable(err) {
			a.log.Error("relay refused device", "err", err)
			return err
		}
		a.setState(StateDisconnected)
		wait := jitter(a.opts.InitialBackoff)
		a.log.Warn("relay link lost; reconnecting", "err", err, "retry_in", wait.Round(time.Millisecond).String())
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// acks carries hello-acks that arrive after the link is up.
type acks chan frame.HelloAck

// connect dials and performs the hello exchange. The returned channel
// delivers later hello-acks while the device awaits approval.
func (a *Agent) connect(ctx context.Context) (*mux.Mux, frame.HelloAck, acks, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.HandshakeTimeout)
	defer cancel()
	conn, err := a.dial(dialCtx)
	if err != nil {
		return nil, frame.HelloAck{}, nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	// The hello exchange has no framing-level deadline; closing the
	// connection unblocks it.
	timer := time.AfterFunc(a.opts.HandshakeTimeout, func() { _ = conn.Close() })
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	ack, rd, err := a.handshake(conn)
	timer.Stop()
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, frame.HelloAck{}, nil, ctx.Err()
		}
		return nil, frame.HelloAck{}, nil, err
	}

	switch ack.Status {
	case frame.HelloApproved, frame.HelloPending:
	case frame.HelloRejected:
		_ = conn.Close()
		return nil, frame.HelloAck{}, nil, fmt.Errorf("%w: %s", domain.ErrDeviceUnauthorized, ack.Reason)
	default:
		_ = conn.Close()
		return nil, frame.HelloAck{}, nil, fmt.Errorf("%w: unknown hello-ack status %q", domain.ErrProtocolViolation, ack.Status)
	}

	late := make(acks, 4)
	cfg := a.opts.Mux
	cfg.Initiator = true
	cfg.Accept = a.opts.Accept
	cfg.Logger = a.log
	cfg.OnControl = func(f frame.Frame) {
		if f.Kind != frame.KindHelloAck {
			return
		}
		var next frame.HelloAck
		if err := frame.UnmarshalPayload(f.Payload, &next); err != nil {
			a.log.Warn("bad hello-ack from relay", "err", err)
			return
		}
		select {
		case late <- next:
		default:
		}
	}
	m := mux.New(conn, rd, cfg)
	a.log.Info("relay handshake complete", "status", ack.Status, "server_version", ack.ServerVersion)
	if versionutil.Older(a.opts.Version, ack.ServerVersion) {
		a.log.Warn("relay runs a newer release; consider upgrading this agent", "agent_version", a.opts.Version)
	}
	return m, ack, late, nil
}

func (a *Agent) handshake(conn io.ReadWriteCloser) (frame.HelloAck, *frame.Reader, error) {
	payload, err := frame.MarshalPayload(frame.Hello{
		DeviceID:        a.opts.DeviceID,
		Credential:      a.opts.Credential,
		Hostname:        a.opts.Hostname,
		Platform:        a.opts.Platform,
		AgentVersion:    a.opts.Version,
		ProtocolVersion: frame.Version,
	})
	if err != nil {
		return frame.HelloAck{}, nil, err
	}
	if err := frame.Write(conn, frame.Frame{Kind: frame.KindHello, Payload: payload}); err != nil {
		return frame.HelloAck{}, nil, fmt.Errorf("%w: send hello: %w", domain.ErrTransport, err)
	}
	rd := frame.NewReader(conn)
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			if errors.Is(err, domain.ErrProtocolViolation) {
				return frame.HelloAck{}, nil, err
			}
			return frame.HelloAck{}, nil, fmt.Errorf("%w: await hello-ack: %w", domain.ErrTransport, err)
		}
		switch f.Kind {
		case frame.KindHelloAck:
			var ack frame.HelloAck
			if err := frame.UnmarshalPayload(f.Payload, &ack); err != nil {
				return frame.HelloAck{}, nil, fmt.Errorf("%w: bad hello-ack: %v", domain.ErrProtocolViolation, err)
			}
			if ack.ProtocolVersion != 0 && ack.ProtocolVersion != frame.Version {
				return frame.HelloAck{}, nil, fmt.Errorf("%w: relay speaks protocol %d, agent %d", domain.ErrProtocolViolation, ack.ProtocolVersion, frame.Version)
			}
			return ack, rd, nil
		case frame.KindPing, frame.KindPong:
			// Keepalives may race the ack.
		default:
			return frame.HelloAck{}, nil, fmt.Errorf("%w: expected hello-ack, got %s", domain.ErrProtocolViolation, f.Kind)
		}
	}
}

// serve runs until the link dies or the relay revokes the device.
func (a *Agent) serve(ctx context.Context, m *mux.Mux, ack frame.HelloAck, late acks) error {
	a.mu.Lock()
	a.cur = m
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cur = nil
		a.mu.Unlock()
		_ = m.Close()
	}()

	for {
		switch ack.Status {
		case frame.HelloApproved:
			a.setState(StateOnline)
			a.log.Info("device online")
		case frame.HelloPending:
			a.setState(StatePending)
			a.log.Info("awaiting device approval on the relay")
		case frame.HelloRejected:
			return fmt.Errorf("%w: %s", domain.ErrDeviceUnauthorized, ack.Reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.Done():
			return m.Err()
		case ack = <-late:
		}
	}
}

func isNonRetriable(err error) bool {
	if errors.Is(err, domain.ErrDeviceUnauthorized) || errors.Is(err, domain.ErrUnauthorized) {
		return true
	}
	var hs *transport.HandshakeError
	if errors.As(err, &hs) {
		return hs.StatusCode == http.StatusUnauthorized || hs.StatusCode == http.StatusForbidden
	}
	return false
}

func (a *Agent) nextBackoff(current time.Duration) time.Duration {
	return nextBackoff(current, a.opts.InitialBackoff, a.opts.MaxBackoff)
}

func nextBackoff(current, initial, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = initial
	}
	return jitter(min(current*2, ceiling))
}

// jitter spreads d by ±25% to avoid a thundering herd after a relay restart.
func jitter(d time.Duration) time.Duration {
	f := 1.0 + (rand.Float64()-0.5)*0.5 // range [0.75, 1.25]
	return time.Duration(float64(d) * f)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
