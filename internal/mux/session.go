package mux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/frame"
)

// closeGrace bounds how long Close waits for the peer's close before the
// session is aborted.
const closeGrace = 5 * time.Second

// Size is a terminal window size carried by resize frames.
type Size struct {
	Cols uint16
	Rows uint16
}

// Session is one logical bidirectional byte stream inside a connection. It
// implements io.ReadWriteCloser; Read returns io.EOF after the peer's close.
type Session struct {
	id     uint32
	m      *Mux
	params OpenParams
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	localClosed  bool
	remoteClosed bool
	readClosed   bool
	err          error
	exit         *int
	openedClosed bool

	sendCredit uint64
	sendSeq    uint32

	window    uint32
	recvSeq   uint32
	recvTotal uint64
	recvLimit uint64
	pending   uint32
	buf       bytes.Buffer

	readable chan struct{}
	writable chan struct{}
	opened   chan struct{}
	done     chan struct{}
	resize   chan Size
}

func newSession(m *Mux, id uint32, params OpenParams, window uint32) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Session{
		id:        id,
		m:         m,
		params:    params,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateRequested,
		window:    window,
		recvLimit: uint64(window),
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
		resize:    make(chan Size, 4),
	}
}

// ID returns the session's channel id.
func (s *Session) ID() uint32 { return s.id }

// Params returns the parameters the session was opened with.
func (s *Session) Params() OpenParams { return s.params }

// Context is canceled when the session reaches a terminal state or its
// connection dies.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Resizes delivers terminal size changes sent by the peer.
func (s *Session) Resizes() <-chan Size { return s.resize }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Exit returns the exit status the peer attached to its close, if any.
func (s *Session) Exit() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return 0, false
	}
	return *s.exit, true
}

// Read reads data sent by the peer, in send order.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	for {
		if s.readClosed {
			s.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if s.state == StateErrored || s.state == StateRejected {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			grant := s.consumeLocked(uint32(n))
			s.mu.Unlock()
			s.grant(grant)
			return n, nil
		}
		if s.remoteClosed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()
		select {
		case <-s.readable:
		case <-s.done:
		}
		s.mu.Lock()
	}
}

// Write sends p to the peer, split into frames no larger than the peer's
// remaining window. It blocks while the window is exhausted.
func (s *Session) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		s.mu.Lock()
		for s.sendCredit == 0 && s.writableLocked() {
			s.mu.Unlock()
			select {
			case <-s.writable:
			case <-s.done:
			}
			s.mu.Lock()
		}
		if !s.writableLocked() {
			err := s.writeErrLocked()
			s.mu.Unlock()
			return written, err
		}
		n := min(len(p), frame.MaxPayload, int(min(s.sendCredit, uint64(frame.MaxPayload))))
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		s.sendCredit -= uint64(n)
		seq := s.sendSeq
		s.sendSeq++
		err := s.m.sched.enqueueSession(frame.Frame{Kind: frame.KindData, Channel: s.id, Seq: seq, Payload: chunk})
		s.mu.Unlock()
		if err != nil {
			return written, s.m.transportErr(err)
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (s *Session) writableLocked() bool {
	return !s.localClosed && (s.state == StateOpen || s.state == StateClosing)
}

func (s *Session) writeErrLocked() error {
	if s.err != nil {
		return s.err
	}
	return io.ErrClosedPipe
}

// Resize asks the peer to resize its terminal.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writableLocked() {
		return s.writeErrLocked()
	}
	return s.m.sched.enqueueSession(frame.Frame{Kind: frame.KindResize, Channel: s.id, Payload: frame.EncodeResize(cols, rows)})
}

// CloseWrite half-closes the session: the peer reads EOF once it has
// drained everything written so far.
func (s *Session) CloseWrite() error {
	return s.closeWrite(nil)
}

// CloseWithExit half-closes the session and reports a process exit status
// to the peer.
func (s *Session) CloseWithExit(code int) error {
	return s.closeWrite(&frame.CloseInfo{Exit: &code})
}

func (s *Session) closeWrite(info *frame.CloseInfo) error {
	var payload []byte
	if info != nil {
		var err error
		if payload, err = frame.MarshalPayload(info); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if s.localClosed || s.state.Terminal() || s.state == StateRequested {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	err := s.m.sched.enqueueSession(frame.Frame{Kind: frame.KindClose, Channel: s.id, Payload: payload})
	finished := false
	if s.remoteClosed {
		finished = s.terminateLocked(StateClosed, nil)
	} else {
		s.state = StateClosing
	}
	s.mu.Unlock()
	if finished {
		s.release()
	}
	if err != nil {
		return s.m.transportErr(err)
	}
	return nil
}

// Close closes the write side, stops reading and waits up to a short grace
// period for the peer to close before aborting.
func (s *Session) Close() error {
	err := s.CloseWrite()
	s.mu.Lock()
	s.readClosed = true
	grant := s.consumeLocked(uint32(s.buf.Len()))
	s.buf.Reset()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	s.grant(grant)
	if !terminal {
		time.AfterFunc(closeGrace, func() {
			s.Abort(domain.CodeAborted, "close timed out")
		})
	}
	return err
}

// Abort tears the session down immediately and tells the peer why.
func (s *Session) Abort(code, msg string) {
	s.abort(code, msg, true)
}

func (s *Session) abort(code, msg string, notify bool) {
	s.mu.Lock()
	state := StateErrored
	if s.state == StateRequested {
		state = StateRejected
	}
	err := &domain.SessionError{Channel: s.id, Op: "abort", Code: code, Err: fmt.Errorf("%w: %s", domain.ErrorFromCode(code), msg)}
	if !s.terminateLocked(state, err) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.m.sched.dropSession(s.id)
	if notify {
		s.m.sendError(s.id, code, msg)
	}
	s.release()
}

// consumeLocked accounts n bytes handed to the reader and returns the
// window credit to grant back, if it is time to send one.
func (s *Session) consumeLocked(n uint32) uint32 {
	s.pending += n
	if s.remoteClosed || s.pending == 0 || s.pending < s.window/2 {
		return 0
	}
	g := s.pending
	s.pending = 0
	s.recvLimit += uint64(g)
	return g
}

func (s *Session) grant(n uint32) {
	if n == 0 {
		return
	}
	_ = s.m.sched.enqueueControl(frame.Frame{Kind: frame.KindWindowUpdate, Channel: s.id, Payload: frame.EncodeWindow(n)})
}

// terminateLocked moves the session into a terminal state. It reports
// false if the session was already terminal.
func (s *Session) terminateLocked(state State, err error) bool {
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.err = err
	if !s.openedClosed {
		s.openedClosed = true
		close(s.opened)
	}
	close(s.done)
	return true
}

func (s *Session) release() {
	s.cancel()
	s.m.release(s.id)
}

func (s *Session) markOpen(sendCredit uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRequested {
		return false
	}
	s.state = StateOpen
	s.sendCredit = uint64(sendCredit)
	s.openedClosed = true
	close(s.opened)
	return true
}

// The methods below run on the connection's read loop. They never block on
// the session's reader or writer.

func (s *Session) onOpenAck(f frame.Frame) error {
	w, err := frame.DecodeWindow(f.Payload)
	if err != nil {
		return protocolError(f, err.Error())
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRequested {
		if state.Terminal() {
			return nil
		}
		return protocolError(f, "open-ack for session in state "+state.String())
	}
	s.markOpen(w)
	return nil
}

func (s *Session) onData(f frame.Frame) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return 0, nil
	}
	if s.state == StateRequested {
		return 0, protocolError(f, "data before open-ack")
	}
	if s.remoteClosed {
		return 0, protocolError(f, "data after close")
	}
	if f.Seq != s.recvSeq {
		return 0, protocolError(f, fmt.Sprintf("sequence %d, expected %d", f.Seq, s.recvSeq))
	}
	s.recvSeq++
	s.recvTotal += uint64(len(f.Payload))
	if s.recvTotal > s.recvLimit {
		return 0, protocolError(f, fmt.Sprintf("window exceeded: %d > %d", s.recvTotal, s.recvLimit))
	}
	if s.readClosed {
		return s.consumeLocked(uint32(len(f.Payload))), nil
	}
	s.buf.Write(f.Payload)
	signal(s.readable)
	return 0, nil
}

func (s *Session) onWindowUpdate(f frame.Frame) error {
	n, err := frame.DecodeWindow(f.Payload)
	if err != nil {
		return protocolError(f, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRequested {
		return protocolError(f, "window-update before open-ack")
	}
	s.sendCredit += uint64(n)
	if s.sendCredit > 1<<32 {
		return protocolError(f, "window overflow")
	}
	signal(s.writable)
	return nil
}

func (s *Session) onClose(f frame.Frame) error {
	var info frame.CloseInfo
	if len(f.Payload) > 0 {
		if err := frame.UnmarshalPayload(f.Payload, &info); err != nil {
			return protocolError(f, "bad close payload: "+err.Error())
		}
	}
	s.mu.Lock()
	if s.state == StateRequested {
		s.mu.Unlock()
		return protocolError(f, "close before open-ack")
	}
	if s.remoteClosed || s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.remoteClosed = true
	s.exit = info.Exit
	finished := false
	if s.localClosed {
		finished = s.terminateLocked(StateClosed, nil)
	} else {
		s.state = StateClosing
	}
	signal(s.readable)
	s.mu.Unlock()
	if finished {
		s.release()
	}
	return nil
}

func (s *Session) onError(f frame.Frame) {
	var info frame.ErrorInfo
	if err := frame.UnmarshalPayload(f.Payload, &info); err != nil || info.Code == "" {
		info.Code = domain.CodeAborted
	}
	s.mu.Lock()
	state := StateErrored
	if s.state == StateRequested {
		state = StateRejected
	}
	ok := s.terminateLocked(state, domain.RemoteError(s.id, s.params.Type.op(), info.Code, info.Message))
	s.mu.Unlock()
	if ok {
		s.m.sched.dropSession(s.id)
		s.release()
	}
}

func (s *Session) onResize(f frame.Frame) error {
	cols, rows, err := frame.DecodeResize(f.Payload)
	if err != nil {
		return protocolError(f, err.Error())
	}
	select {
	case s.resize <- Size{Cols: cols, Rows: rows}:
	default:
	}
	return nil
}

// fail ends the session because its connection died.
func (s *Session) fail(err error) {
	s.mu.Lock()
	state := StateErrored
	if s.state == StateRequested {
		state = StateRejected
	}
	ok := s.terminateLocked(state, &domain.SessionError{Channel: s.id, Op: s.params.Type.op(), Code: domain.CodeOf(err), Err: err})
	s.mu.Unlock()
	if ok {
		s.cancel()
	}
}

func (t SessionType) op() string {
	if t == "" {
		return "session"
	}
	return string(t)
}

func protocolError(f frame.Frame, reason string) error {
	return &domain.SessionError{
		Channel: f.Channel,
		Op:      f.Kind.String(),
		Code:    domain.CodeProtocol,
		Err:     fmt.Errorf("%w: %s", domain.ErrProtocolViolation, reason),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
