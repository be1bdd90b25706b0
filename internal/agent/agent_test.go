package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/frame"
	"github.com/tetherdev/tether/internal/mux"
)

func echoAccept(context.Context, mux.OpenParams) (mux.Handler, error) {
	return func(s *mux.Session) {
		_, _ = io.Copy(s, s)
		_ = s.Close()
	}, nil
}

// fakeRelay answers agent hellos over in-memory pipes. serve runs once per
// dial, after the hello has been read.
type fakeRelay struct {
	t     *testing.T
	dials atomic.Int32
	serve func(n int, conn net.Conn, rd *frame.Reader, hello frame.Hello)
}

func (r *fakeRelay) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	n := int(r.dials.Add(1))
	a, b := net.Pipe()
	go func() {
		rd := frame.NewReader(b)
		f, err := rd.ReadFrame()
		if err != nil {
			_ = b.Close()
			return
		}
		if f.Kind != frame.KindHello {
			r.t.Errorf("first frame = %s, want hello", f.Kind)
			_ = b.Close()
			return
		}
		var hello frame.Hello
		if err := frame.UnmarshalPayload(f.Payload, &hello); err != nil {
			r.t.Errorf("decode hello: %v", err)
			_ = b.Close()
			return
		}
		r.serve(n, b, rd, hello)
	}()
	return a, nil
}

func sendAck(conn net.Conn, status, reason string) error {
	payload, err := frame.MarshalPayload(frame.HelloAck{Status: status, Reason: reason, ProtocolVersion: frame.Version})
	if err != nil {
		return err
	}
	return frame.Write(conn, frame.Frame{Kind: frame.KindHelloAck, Payload: payload})
}

func newAgent(t *testing.T, relay *fakeRelay, onState func(State)) *Agent {
	t.Helper()
	a, err := New(Options{
		DeviceID:       "dev-1",
		Credential:     "secret",
		Hostname:       "edge-01",
		Platform:       "linux/arm64",
		Version:        "test",
		Accept:         echoAccept,
		Mux:            mux.Config{HeartbeatInterval: -1},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Dial:           relay.dial,
		OnState:        onState,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAgentReconnectsAfterTransportDrop(t *testing.T) {
	t.Parallel()

	echoed := make(chan string, 1)
	relay := &fakeRelay{t: t}
	relay.serve = func(n int, conn net.Conn, rd *frame.Reader, hello frame.Hello) {
		if hello.DeviceID != "dev-1" || hello.Credential != "secret" || hello.ProtocolVersion != frame.Version {
			t.Errorf("unexpected hello %+v", hello)
		}
		if err := sendAck(conn, frame.HelloApproved, ""); err != nil {
			return
		}
		if n == 1 {
			// Drop the first link right after the handshake.
			_ = conn.Close()
			return
		}
		m := mux.New(conn, rd, mux.Config{HeartbeatInterval: -1})
		defer m.Close()
		s, err := m.Open(context.Background(), mux.OpenParams{Type: mux.TypeMetrics})
		if err != nil {
			t.Errorf("open over second link: %v", err)
			return
		}
		_, _ = s.Write([]byte("still here"))
		_ = s.CloseWrite()
		got, _ := io.ReadAll(s)
		echoed <- string(got)
		<-m.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newAgent(t, relay, nil)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case got := <-echoed:
		if got != "still here" {
			t.Fatalf("echo = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not reconnect and serve a session")
	}
	if n := relay.dials.Load(); n < 2 {
		t.Fatalf("dials = %d, want at least 2", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.State() != StateDisconnected {
		t.Fatalf("state after Run = %s", a.State())
	}
}

func TestAgentPendingThenApproved(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var states []State
	online := make(chan struct{})
	onState := func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
		if s == StateOnline {
			close(online)
		}
	}

	relay := &fakeRelay{t: t}
	relay.serve = func(n int, conn net.Conn, rd *frame.Reader, hello frame.Hello) {
		if err := sendAck(conn, frame.HelloPending, "awaiting approval"); err != nil {
			return
		}
		m := mux.New(conn, rd, mux.Config{HeartbeatInterval: -1})
		defer m.Close()
		time.Sleep(50 * time.Millisecond)
		payload, _ := frame.MarshalPayload(frame.HelloAck{Status: frame.HelloApproved, ProtocolVersion: frame.Version})
		_ = m.SendControl(frame.KindHelloAck, payload)
		<-m.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newAgent(t, relay, onState)
	go func() { _ = a.Run(ctx) }()

	select {
	case <-online:
	case <-time.After(3 * time.Second):
		t.Fatal("agent never went online")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StatePending, StateOnline}
	if len(states) < len(want) {
		t.Fatalf("states = %v", states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("states = %v, want prefix %v", states, want)
		}
	}
	if relay.dials.Load() != 1 {
		t.Fatalf("pending link should not reconnect, dials = %d", relay.dials.Load())
	}
}

func TestAgentStopsWhenRejected(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{t: t}
	relay.serve = func(n int, conn net.Conn, rd *frame.Reader, hello frame.Hello) {
		_ = sendAck(conn, frame.HelloRejected, "device revoked")
		_ = conn.Close()
	}
	a := newAgent(t, relay, nil)

	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()
	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrDeviceUnauthorized) {
			t.Fatalf("Run = %v, want ErrDeviceUnauthorized", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run kept retrying a rejected device")
	}
	if relay.dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", relay.dials.Load())
	}
}

func TestAgentRetriesUnreachableRelay(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	a, err := New(Options{
		DeviceID:       "dev-1",
		Credential:     "secret",
		Accept:         echoAccept,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Dial: func(context.Context) (io.ReadWriteCloser, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil on cancel", err)
	}
	if n := dials.Load(); n < 3 {
		t.Fatalf("dials = %d, expected several retries", n)
	}
}

func TestNextBackoffStaysWithinJitteredCap(t *testing.T) {
	t.Parallel()

	d := time.Second
	for range 20 {
		d = nextBackoff(d, time.Second, 30*time.Second)
		if d < 750*time.Millisecond || d > 37500*time.Millisecond {
			t.Fatalf("backoff %s outside jittered bounds", d)
		}
	}
	if got := nextBackoff(0, time.Second, 30*time.Second); got < 1500*time.Millisecond || got > 2500*time.Millisecond {
		t.Fatalf("first backoff = %s, want 2s ±25%%", got)
	}
}

func TestNewRequiresIdentity(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Accept: echoAccept}); err == nil {
		t.Fatal("expected error without device identity")
	}
	if _, err := New(Options{DeviceID: "d", Credential: "c", Accept: echoAccept, RelayURL: "ftp://x"}); err == nil {
		t.Fatal("expected error for bad relay url")
	}
}
