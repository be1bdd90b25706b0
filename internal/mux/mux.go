// Package mux multiplexes independent sessions over one ordered byte
// stream. Each side of a connection runs one Mux; sessions are identified by
// channel ids that are assigned monotonically by the opener and never
// reused. The side that dialed the connection opens odd ids, the side that
// accepted it even ids.
package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/frame"
)

const (
	DefaultWindow            = 256 * 1024
	DefaultOpenTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
)

// ErrClosed is the cause reported after Close.
var ErrClosed = errors.New("connection closed")

// Handler serves one accepted session. It runs in its own goroutine and
// owns the session until it returns.
type Handler func(s *Session)

// AcceptFunc decides whether to accept an incoming open. A non-nil error
// rejects it; its reason code is reported to the opener. Accept runs in its
// own goroutine and ctx is canceled if the opener gives up.
type AcceptFunc func(ctx context.Context, params OpenParams) (Handler, error)

// Config tunes a Mux. Zero values select the defaults above.
type Config struct {
	// Initiator is true on the side that dialed the transport.
	Initiator bool
	// Window is the receive window advertised for every session.
	Window uint32
	// OpenTimeout bounds how long Open waits for an open-ack.
	OpenTimeout time.Duration
	// HeartbeatInterval is the ping period; a negative value disables
	// keepalive.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the connection may stay silent.
	HeartbeatTimeout time.Duration
	// WriteTimeout bounds a single frame write when the transport supports
	// write deadlines.
	WriteTimeout time.Duration
	// Accept handles opens from the peer. Nil rejects every open.
	Accept AcceptFunc
	// OnControl receives connection-level frames other than ping and pong,
	// such as a late hello-ack.
	OnControl func(frame.Frame)
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Stats is a snapshot of a connection's counters.
type Stats struct {
	BytesSent    uint64
	BytesRecv    uint64
	Sessions     int
	LastActivity time.Time
	RTT          time.Duration
}

// Mux owns one physical connection.
type Mux struct {
	conn  io.ReadWriteCloser
	rd    *frame.Reader
	cfg   Config
	log   *slog.Logger
	sched *scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sessions   map[uint32]*Session
	nextID     uint32
	lastRemote uint32
	closed     bool

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
	lastRecv  atomic.Int64
	rtt       atomic.Int64

	closeOnce sync.Once
	err       error
	done      chan struct{}
}

type deadlineWriter interface {
	SetWriteDeadline(time.Time) error
}

// New starts a Mux over conn. If rd is non-nil it is used for reading, so
// frames buffered during a handshake are not lost.
func New(conn io.ReadWriteCloser, rd *frame.Reader, cfg Config) *Mux {
	cfg = cfg.withDefaults()
	if rd == nil {
		rd = frame.NewReader(conn)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		conn:     conn,
		rd:       rd,
		cfg:      cfg,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uint32]*Session),
		nextID:   2,
		done:     make(chan struct{}),
	}
	if cfg.Initiator {
		m.nextID = 1
	}
	m.lastRecv.Store(time.Now().UnixNano())
	m.sched = newScheduler(m.writeFrame)

	go m.writeLoop()
	go m.readLoop()
	if cfg.HeartbeatInterval > 0 {
		go m.keepaliveLoop()
	}
	return m
}

// Done is closed once the connection is torn down.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the reason the connection was torn down, or nil while it is
// alive.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Stats returns a snapshot of the connection counters.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	return Stats{
		BytesSent:    m.bytesSent.Load(),
		BytesRecv:    m.bytesRecv.Load(),
		Sessions:     n,
		LastActivity: time.Unix(0, m.lastRecv.Load()),
		RTT:          time.Duration(m.rtt.Load()),
	}
}

// Open opens a session and waits for the peer to acknowledge it.
func (m *Mux) Open(ctx context.Context, params OpenParams) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &domain.SessionError{Op: "open", Code: domain.CodeRejected, Err: fmt.Errorf("%w: %v", domain.ErrSessionRejected, err)}
	}
	payload, err := frame.MarshalPayload(openRequest{Window: m.cfg.Window, Params: params})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, m.transportErr(ErrClosed)
	}
	id := m.nextID
	if id > ^uint32(0)-2 {
		m.mu.Unlock()
		return nil, m.transportErr(errors.New("channel ids exhausted"))
	}
	m.nextID += 2
	s := newSession(m, id, params, m.cfg.Window)
	m.sessions[id] = s
	m.mu.Unlock()

	if err := m.sched.enqueueControl(frame.Frame{Kind: frame.KindOpen, Channel: id, Payload: payload}); err != nil {
		s.fail(m.transportErr(err))
		m.release(id)
		return nil, s.Err()
	}

	timer := time.NewTimer(m.cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case <-s.opened:
	case <-timer.C:
		s.abort(domain.CodeTimeout, fmt.Sprintf("no open-ack within %s", m.cfg.OpenTimeout), true)
	case <-ctx.Done():
		s.abort(domain.CodeAborted, ctx.Err().Error(), true)
	}

	s.mu.Lock()
	state, serr := s.state, s.err
	s.mu.Unlock()
	if state == StateRequested || state == StateRejected {
		if serr == nil {
			serr = &domain.SessionError{Channel: id, Op: "open", Code: domain.CodeRejected, Err: domain.ErrSessionRejected}
		}
		return nil, serr
	}
	return s, nil
}

// Session looks up a live session by channel id.
func (m *Mux) Session(id uint32) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Send writes data on the session with the given channel id.
func (m *Mux) Send(id uint32, p []byte) error {
	s, ok := m.Session(id)
	if !ok {
		return fmt.Errorf("session %d: %w", id, io.ErrClosedPipe)
	}
	_, err := s.Write(p)
	return err
}

// CloseSession starts a graceful close of the session with the given id.
func (m *Mux) CloseSession(id uint32) error {
	s, ok := m.Session(id)
	if !ok {
		return nil
	}
	return s.Close()
}

// Abort tears down the session with the given id immediately.
func (m *Mux) Abort(id uint32, code, msg string) {
	if s, ok := m.Session(id); ok {
		s.Abort(code, msg)
	}
}

// SendControl queues a connection-level frame such as a hello-ack.
func (m *Mux) SendControl(kind frame.Kind, payload []byte) error {
	if !kind.Control() {
		return fmt.Errorf("%s is not a control frame", kind)
	}
	return m.sched.enqueueControl(frame.Frame{Kind: kind, Channel: frame.ControlChannel, Payload: payload})
}

// Close tears down the connection and every session on it.
func (m *Mux) Close() error {
	m.fail(ErrClosed)
	return nil
}

func (m *Mux) fail(err error) {
	m.closeOnce.Do(func() {
		m.err = err
		m.mu.Lock()
		m.closed = true
		sessions := m.sessions
		m.sessions = make(map[uint32]*Session)
		m.mu.Unlock()

		m.sched.close(m.transportErr(err))
		_ = m.conn.Close()
		for _, s := range sessions {
			s.fail(m.transportErr(err))
		}
		m.cancel()
		close(m.done)
	})
}

func (m *Mux) transportErr(err error) error {
	if errors.Is(err, domain.ErrTransport) || errors.Is(err, domain.ErrProtocolViolation) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}

func (m *Mux) release(id uint32) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Mux) sendError(id uint32, code, msg string) {
	payload, err := frame.MarshalPayload(frame.ErrorInfo{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = m.sched.enqueueControl(frame.Frame{Kind: frame.KindError, Channel: id, Payload: payload})
}

func (m *Mux) writeFrame(b []byte) error {
	if dw, ok := m.conn.(deadlineWriter); ok {
		_ = dw.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if _, err := m.conn.Write(b); err != nil {
		return err
	}
	m.bytesSent.Add(uint64(len(b)))
	return nil
}

func (m *Mux) writeLoop() {
	if err := m.sched.run(); err != nil {
		m.log.Debug("write loop stopped", "err", err)
		m.fail(m.transportErr(err))
	}
}

func (m *Mux) readLoop() {
	for {
		f, err := m.rd.ReadFrame()
		if err != nil {
			var me *frame.MalformedError
			if errors.As(err, &me) {
				m.log.Warn("protocol violation", "channel", me.Channel, "kind", me.Kind.String(), "err", err)
				m.fail(err)
				return
			}
			m.fail(m.transportErr(err))
			return
		}
		m.bytesRecv.Add(uint64(frame.HeaderSize + len(f.Payload)))
		m.lastRecv.Store(time.Now().UnixNano())
		if err := m.dispatch(f); err != nil {
			m.log.Warn("protocol violation", "channel", f.Channel, "kind", f.Kind.String(), "err", err)
			m.fail(err)
			return
		}
	}
}

func (m *Mux) dispatch(f frame.Frame) error {
	switch f.Kind {
	case frame.KindPing:
		return m.sched.enqueueControl(frame.Frame{Kind: frame.KindPong, Payload: f.Payload})
	case frame.KindPong:
		if len(f.Payload) == 8 {
			sent := int64(binary.BigEndian.Uint64(f.Payload))
			m.rtt.Store(time.Now().UnixNano() - sent)
		}
		return nil
	case frame.KindHello, frame.KindHelloAck:
		if m.cfg.OnControl != nil {
			m.cfg.OnControl(f)
		}
		return nil
	case frame.KindOpen:
		return m.handleOpen(f)
	}

	m.mu.Lock()
	s, ok := m.sessions[f.Channel]
	known := m.knownLocked(f.Channel)
	m.mu.Unlock()
	if !ok {
		if !known {
			return protocolError(f, "frame for unknown channel")
		}
		if f.Kind == frame.KindOpenAck {
			// The opener gave up before the ack arrived.
			m.sendError(f.Channel, domain.CodeAborted, "session no longer wanted")
		}
		return nil
	}

	switch f.Kind {
	case frame.KindOpenAck:
		if m.isLocal(f.Channel) {
			return s.onOpenAck(f)
		}
		return protocolError(f, "open-ack for remotely opened session")
	case frame.KindData:
		grant, err := s.onData(f)
		s.grant(grant)
		return err
	case frame.KindWindowUpdate:
		return s.onWindowUpdate(f)
	case frame.KindClose:
		return s.onClose(f)
	case frame.KindError:
		s.onError(f)
		return nil
	case frame.KindResize:
		return s.onResize(f)
	}
	return protocolError(f, "unexpected frame")
}

func (m *Mux) isLocal(id uint32) bool {
	return (id%2 == 1) == m.cfg.Initiator
}

// knownLocked reports whether id was ever allocated on this connection, so
// late frames for finished sessions can be told apart from garbage.
func (m *Mux) knownLocked(id uint32) bool {
	if m.isLocal(id) {
		return id < m.nextID
	}
	return id <= m.lastRemote
}

func (m *Mux) handleOpen(f frame.Frame) error {
	if m.isLocal(f.Channel) {
		return protocolError(f, "open with local channel parity")
	}
	var req openRequest
	if err := frame.UnmarshalPayload(f.Payload, &req); err != nil {
		return protocolError(f, "bad open payload: "+err.Error())
	}

	m.mu.Lock()
	if f.Channel <= m.lastRemote {
		m.mu.Unlock()
		return protocolError(f, "channel id reused")
	}
	m.lastRemote = f.Channel
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	s := newSession(m, f.Channel, req.Params, m.cfg.Window)
	m.sessions[f.Channel] = s
	m.mu.Unlock()

	go m.accept(s, req)
	return nil
}

func (m *Mux) accept(s *Session, req openRequest) {
	log := m.log.With("channel", s.id, "type", string(req.Params.Type))
	if err := req.Params.Validate(); err != nil {
		log.Info("session rejected", "err", err)
		s.abort(domain.CodeRejected, err.Error(), true)
		return
	}
	if m.cfg.Accept == nil {
		s.abort(domain.CodeRejected, "sessions not accepted on this connection", true)
		return
	}
	handler, err := m.cfg.Accept(s.ctx, req.Params)
	if err == nil && handler == nil {
		err = domain.ErrSessionRejected
	}
	if err != nil {
		code := domain.CodeOf(err)
		if code == domain.CodeHandlerFailure {
			code = domain.CodeRejected
		}
		log.Info("session rejected", "code", code, "err", err)
		s.abort(code, err.Error(), true)
		return
	}

	// The session is open before the ack leaves, and the ack is queued
	// before anything the handler writes.
	if s.markOpen(req.Window) {
		if err := m.sched.enqueueControl(frame.Frame{Kind: frame.KindOpenAck, Channel: s.id, Payload: frame.EncodeWindow(m.cfg.Window)}); err != nil {
			s.fail(m.transportErr(err))
		}
	}
	handler(s)
}

func (m *Mux) keepaliveLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, m.lastRecv.Load()))
			if idle > m.cfg.HeartbeatTimeout {
				m.log.Warn("heartbeat timeout", "idle", idle.String())
				m.fail(fmt.Errorf("%w: no frames for %s", domain.ErrTransport, idle.Truncate(time.Millisecond)))
				return
			}
			var ts [8]byte
			binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
			_ = m.sched.enqueueControl(frame.Frame{Kind: frame.KindPing, Payload: ts[:]})
		}
	}
}
