package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tetherdev/tether/internal/agent"
	"github.com/tetherdev/tether/internal/auth"
	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/handler"
	"github.com/tetherdev/tether/internal/mux"
	"github.com/tetherdev/tether/internal/store/sqlite"
	"github.com/tetherdev/tether/internal/transport"
)

type relayFixture struct {
	srv   *Server
	store *sqlite.Store
	ts    *httptest.Server
}

func newRelay(t *testing.T, autoApprove bool) *relayFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(config.ServerConfig{
		TLSMode:              config.TLSModeOff,
		AutoApprove:          autoApprove,
		ApprovalPollInterval: 20 * time.Millisecond,
		SessionRetention:     time.Hour,
	}, store, nil)
	srv.agentMux = mux.Config{HeartbeatInterval: -1}
	srv.clientMux = mux.Config{HeartbeatInterval: -1}

	h, err := srv.Handler(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Router().CloseAll()
		ts.Close()
	})
	return &relayFixture{srv: srv, store: store, ts: ts}
}

func (f *relayFixture) apiKey(t *testing.T, role string) string {
	t.Helper()
	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.CreateAPIKey(context.Background(), role+"-key", auth.HashAPIKey(key, f.srv.pepper), role); err != nil {
		t.Fatal(err)
	}
	return key
}

func (f *relayFixture) startAgent(t *testing.T, deviceID, credential string) (*agent.Agent, <-chan error) {
	t.Helper()
	a, err := agent.New(agent.Options{
		RelayURL:       f.ts.URL,
		DeviceID:       deviceID,
		Credential:     credential,
		Hostname:       "edge-01",
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		Version:        "test",
		Accept:         handler.NewDispatcher(handler.DefaultPolicy(), nil).Accept,
		Mux:            mux.Config{HeartbeatInterval: -1},
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(3 * time.Second):
		}
	})
	return a, errc
}

func (f *relayFixture) dialClient(t *testing.T, key string) *mux.Mux {
	t.Helper()
	endpoint, err := transport.EndpointURL(f.ts.URL, ClientConnectPath)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := transport.DialWebsocket(context.Background(), endpoint, http.Header{"Authorization": {"Bearer " + key}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := mux.New(conn, nil, mux.Config{Initiator: true, HeartbeatInterval: -1})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (f *relayFixture) post(t *testing.T, key, path string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPendingDeviceApprovedThenExec(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("exec needs a POSIX shell")
	}

	f := newRelay(t, false)
	admin := f.apiKey(t, domain.RoleAdmin)
	a, _ := f.startAgent(t, "dev-1", "cred-1")

	waitFor(t, "agent pending", func() bool { return a.State() == agent.StatePending })
	d, err := f.store.GetDevice(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.State != domain.DeviceStatePending || f.srv.Router().Online("dev-1") {
		t.Fatalf("pending device should not be routable: state=%s", d.State)
	}

	if code := f.post(t, admin, "/v1/devices/dev-1/approve"); code != http.StatusNoContent {
		t.Fatalf("approve status = %d", code)
	}
	waitFor(t, "agent online", func() bool { return a.State() == agent.StateOnline && f.srv.Router().Online("dev-1") })

	client := f.dialClient(t, admin)
	s, err := client.Open(context.Background(), mux.OpenParams{
		Type:   mux.TypeExec,
		Device: "dev-1",
		Exec:   &mux.ExecParams{Command: "echo hi; exit 4"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hi\n" {
		t.Fatalf("output = %q", out)
	}
	if code, ok := s.Exit(); !ok || code != 4 {
		t.Fatalf("exit = %d, %v; want 4 through the relay", code, ok)
	}
	_ = s.Close()

	waitFor(t, "audit record", func() bool {
		recs, err := f.store.ListSessions(context.Background(), "dev-1", 10)
		return err == nil && len(recs) == 1 && recs[0].Outcome == domain.SessionOutcomeClosed
	})
}

func TestClientHangupAfterExitIsAuditedAsClosed(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("exec needs a POSIX shell")
	}

	f := newRelay(t, true)
	operator := f.apiKey(t, domain.RoleOperator)
	a, _ := f.startAgent(t, "dev-hangup", "cred-h")
	waitFor(t, "agent online", func() bool { return a.State() == agent.StateOnline && f.srv.Router().Online("dev-hangup") })

	client := f.dialClient(t, operator)
	// Interactive: stdin stays open, the operator never half-closes.
	s, err := client.Open(context.Background(), mux.OpenParams{
		Type:   mux.TypeExec,
		Device: "dev-hangup",
		Exec:   &mux.ExecParams{Command: "echo done; exit 5", Stdin: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if code, ok := s.Exit(); string(out) != "done\n" || !ok || code != 5 {
		t.Fatalf("output = %q exit = %d, %v", out, code, ok)
	}
	_ = client.Close()

	waitFor(t, "audit record", func() bool {
		recs, err := f.store.ListSessions(context.Background(), "dev-hangup", 10)
		return err == nil && len(recs) == 1 && recs[0].EndedAt != nil
	})
	recs, err := f.store.ListSessions(context.Background(), "dev-hangup", 10)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Outcome != domain.SessionOutcomeClosed || recs[0].Code != "" {
		t.Fatalf("audit = %s/%s, want closed after a clean exit", recs[0].Outcome, recs[0].Code)
	}
}

func TestOpenReportsRoutingFailures(t *testing.T) {
	t.Parallel()

	f := newRelay(t, false)
	key := f.apiKey(t, domain.RoleOperator)
	ctx := context.Background()
	if _, err := f.store.RegisterDevice(ctx, sqlite.DeviceHello{ID: "dev-off", CredentialHash: "h"}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ApproveDevice(ctx, "dev-off"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.RegisterDevice(ctx, sqlite.DeviceHello{ID: "dev-pending", CredentialHash: "h"}); err != nil {
		t.Fatal(err)
	}

	client := f.dialClient(t, key)
	tests := []struct {
		device string
		want   error
	}{
		{device: "ghost", want: domain.ErrDeviceNotFound},
		{device: "dev-off", want: domain.ErrDeviceOffline},
		{device: "dev-pending", want: domain.ErrDeviceUnauthorized},
	}
	for _, tt := range tests {
		_, err := client.Open(ctx, mux.OpenParams{Type: mux.TypeMetrics, Device: tt.device})
		if !errors.Is(err, tt.want) {
			t.Fatalf("open %s: got %v, want %v", tt.device, err, tt.want)
		}
	}
	if _, err := client.Open(ctx, mux.OpenParams{Type: mux.TypeMetrics}); !errors.Is(err, domain.ErrSessionRejected) {
		t.Fatalf("open without device: %v", err)
	}
}

func TestViewerMayOnlyStreamMetrics(t *testing.T) {
	t.Parallel()

	f := newRelay(t, true)
	viewer := f.apiKey(t, domain.RoleViewer)
	f.startAgent(t, "dev-v", "cred")
	waitFor(t, "agent online", func() bool { return f.srv.Router().Online("dev-v") })

	client := f.dialClient(t, viewer)
	_, err := client.Open(context.Background(), mux.OpenParams{
		Type:   mux.TypeExec,
		Device: "dev-v",
		Exec:   &mux.ExecParams{Command: "id"},
	})
	if !errors.Is(err, domain.ErrDeviceUnauthorized) {
		t.Fatalf("viewer exec: %v", err)
	}
	s, err := client.Open(context.Background(), mux.OpenParams{
		Type:    mux.TypeMetrics,
		Device:  "dev-v",
		Metrics: &mux.MetricsParams{IntervalMillis: 250},
	})
	if err != nil {
		t.Fatalf("viewer metrics: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("read metrics sample: %v", err)
	}
	s.Abort(domain.CodeAborted, "done")
}

func TestClientConnectRequiresAPIKey(t *testing.T) {
	t.Parallel()

	f := newRelay(t, false)
	endpoint, err := transport.EndpointURL(f.ts.URL, ClientConnectPath)
	if err != nil {
		t.Fatal(err)
	}
	_, err = transport.DialWebsocket(context.Background(), endpoint, http.Header{"Authorization": {"Bearer nope"}}, nil)
	var he *transport.HandshakeError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake error, got %v", err)
	}
}

func TestRevokeStopsAgent(t *testing.T) {
	t.Parallel()

	f := newRelay(t, true)
	admin := f.apiKey(t, domain.RoleAdmin)
	_, errc := f.startAgent(t, "dev-r", "cred")
	waitFor(t, "agent online", func() bool { return f.srv.Router().Online("dev-r") })

	if code := f.post(t, admin, "/v1/devices/dev-r/revoke"); code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", code)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrDeviceUnauthorized) {
			t.Fatalf("agent Run = %v, want ErrDeviceUnauthorized", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("revoked agent kept running")
	}
	if f.srv.Router().Online("dev-r") {
		t.Fatal("revoked device still online")
	}
}

func TestCredentialMismatchRejected(t *testing.T) {
	t.Parallel()

	f := newRelay(t, true)
	_, first := f.startAgent(t, "dev-c", "right")
	waitFor(t, "agent online", func() bool { return f.srv.Router().Online("dev-c") })
	_ = first

	_, errc := f.startAgent(t, "dev-c", "wrong")
	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrDeviceUnauthorized) {
			t.Fatalf("impostor Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("impostor was not rejected")
	}
	if !f.srv.Router().Online("dev-c") {
		t.Fatal("rightful agent was displaced")
	}
}

func TestDeviceAdminEndpoints(t *testing.T) {
	t.Parallel()

	f := newRelay(t, false)
	operator := f.apiKey(t, domain.RoleOperator)
	admin := f.apiKey(t, domain.RoleAdmin)
	if _, err := f.store.RegisterDevice(context.Background(), sqlite.DeviceHello{ID: "dev-a", Hostname: "h1", CredentialHash: "x"}); err != nil {
		t.Fatal(err)
	}

	if code := f.post(t, operator, "/v1/devices/dev-a/approve"); code != http.StatusForbidden {
		t.Fatalf("operator approve = %d, want 403", code)
	}
	if code := f.post(t, admin, "/v1/devices/missing/revoke"); code != http.StatusNotFound {
		t.Fatalf("revoke missing = %d, want 404", code)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+operator)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"id":"dev-a"`) || !strings.Contains(string(body), `"state":"pending"`) {
		t.Fatalf("list devices = %d %s", resp.StatusCode, body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newRelay(t, false)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		if path == "/metrics" && !strings.Contains(string(body), "tether_devices_online") {
			t.Fatalf("metrics output lacks tether gauges")
		}
	}
}

func TestRelayMessageDoesNotNest(t *testing.T) {
	t.Parallel()

	err := domain.RemoteError(3, "port-forward", domain.CodeHandlerFailure, "dial tcp: refused")
	if got := relayMessage(err); got != "dial tcp: refused" {
		t.Fatalf("relayMessage = %q", got)
	}
}

func TestLinkSnapshotListsLiveDevices(t *testing.T) {
	t.Parallel()

	f := newRelay(t, true)
	f.startAgent(t, "dev-snap", "cred")
	waitFor(t, "agent online", func() bool { return f.srv.Router().Online("dev-snap") })

	links, ok := f.srv.linkSnapshot().([]linkView)
	if !ok || len(links) != 1 {
		t.Fatalf("snapshot = %#v", f.srv.linkSnapshot())
	}
	if links[0].DeviceID != "dev-snap" || links[0].Hostname != "edge-01" || links[0].Transport != "websocket" {
		t.Fatalf("link = %+v", links[0])
	}
}
