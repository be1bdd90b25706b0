package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tetherdev/tether/internal/auth"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/frame"
	"github.com/tetherdev/tether/internal/metrics"
	"github.com/tetherdev/tether/internal/mux"
	"github.com/tetherdev/tether/internal/rendezvous"
	"github.com/tetherdev/tether/internal/store/sqlite"
	"github.com/tetherdev/tether/internal/transport"
	"github.com/tetherdev/tether/internal/versionutil"
)

func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r)
	if err != nil {
		s.log.Warn("agent websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	// The request context ends with the handler, the link must not.
	s.serveAgent(context.WithoutCancel(r.Context()), conn, r.RemoteAddr, "websocket")
}

// serveAgent runs the hello handshake on a fresh agent connection and then
// the agent's multiplexer until the connection dies.
func (s *Server) serveAgent(ctx context.Context, raw io.ReadWriteCloser, remoteAddr, transportName string) {
	conn := transport.Count(raw)
	defer func() {
		in, out := conn.Bytes()
		metrics.AddBytes("agent", in, out)
	}()
	log := s.log.With("remote_addr", remoteAddr, "transport", transportName)

	rd := frame.NewReader(conn)
	hello, err := readHello(rd, conn)
	if err != nil {
		metrics.AgentHandshakes.WithLabelValues(transportName, "error").Inc()
		log.Warn("agent handshake failed", "err", err)
		_ = conn.Close()
		return
	}
	log = log.With("device_id", hello.DeviceID)

	device, err := s.admitDevice(ctx, hello)
	if err != nil {
		metrics.AgentHandshakes.WithLabelValues(transportName, frame.HelloRejected).Inc()
		reason := "device not admitted"
		if errors.Is(err, domain.ErrUnauthorized) {
			reason = "credential mismatch"
		}
		log.Warn("agent rejected", "err", err)
		_ = s.writeAck(conn, frame.HelloRejected, reason)
		_ = conn.Close()
		return
	}

	status := frame.HelloApproved
	reason := ""
	switch device.State {
	case domain.DeviceStateApproved:
	case domain.DeviceStatePending:
		status = frame.HelloPending
		reason = "awaiting operator approval"
	default:
		status = frame.HelloRejected
		reason = "device " + device.State
	}
	metrics.AgentHandshakes.WithLabelValues(transportName, status).Inc()
	if err := s.writeAck(conn, status, reason); err != nil || status == frame.HelloRejected {
		log.Info("agent refused", "state", device.State)
		_ = conn.Close()
		return
	}

	cfg := s.agentMux
	cfg.Initiator = false
	cfg.Accept = nil
	cfg.Logger = log
	m := mux.New(conn, rd, cfg)
	info := rendezvous.LinkInfo{
		Hostname:        hello.Hostname,
		Platform:        hello.Platform,
		AgentVersion:    hello.AgentVersion,
		ProtocolVersion: hello.ProtocolVersion,
		RemoteAddr:      remoteAddr,
		Transport:       transportName,
	}

	if status == frame.HelloPending {
		log.Info("agent pending approval", "hostname", hello.Hostname)
		if !s.awaitApproval(ctx, m, device.ID) {
			_ = m.Close()
			<-m.Done()
			return
		}
	}
	if versionutil.Older(hello.AgentVersion, s.version) {
		log.Warn("agent is older than the relay", "agent_version", hello.AgentVersion, "server_version", s.version)
	}
	s.router.Connect(device.ID, m, info)
	log.Info("agent online", "hostname", hello.Hostname, "platform", hello.Platform, "agent_version", hello.AgentVersion)
	<-m.Done()
	log.Info("agent offline", "err", m.Err())
}

func readHello(rd *frame.Reader, conn io.Closer) (frame.Hello, error) {
	timer := time.AfterFunc(agentHelloTimeout, func() { _ = conn.Close() })
	defer timer.Stop()

	var hello frame.Hello
	f, err := rd.ReadFrame()
	if err != nil {
		return hello, fmt.Errorf("read hello: %w", err)
	}
	if f.Kind != frame.KindHello || f.Channel != 0 {
		return hello, fmt.Errorf("%w: first frame is %s on channel %d", domain.ErrProtocolViolation, f.Kind, f.Channel)
	}
	if err := frame.UnmarshalPayload(f.Payload, &hello); err != nil {
		return hello, fmt.Errorf("%w: bad hello payload: %v", domain.ErrProtocolViolation, err)
	}
	if hello.DeviceID == "" || hello.Credential == "" {
		return hello, fmt.Errorf("%w: hello without device identity", domain.ErrProtocolViolation)
	}
	if hello.ProtocolVersion != frame.Version {
		return hello, fmt.Errorf("%w: unsupported protocol version %d", domain.ErrProtocolViolation, hello.ProtocolVersion)
	}
	return hello, nil
}

// admitDevice records the hello in the registry. Unknown devices start
// pending unless the relay auto-approves.
func (s *Server) admitDevice(ctx context.Context, hello frame.Hello) (domain.Device, error) {
	device, err := s.store.RegisterDevice(ctx, sqlite.DeviceHello{
		ID:             hello.DeviceID,
		Hostname:       hello.Hostname,
		Platform:       hello.Platform,
		CredentialHash: auth.HashAPIKey(hello.Credential, s.pepper),
		AgentVersion:   hello.AgentVersion,
	})
	if err != nil {
		return device, err
	}
	if device.State == domain.DeviceStatePending && s.cfg.AutoApprove {
		if err := s.store.ApproveDevice(ctx, device.ID); err != nil {
			return device, err
		}
		device.State = domain.DeviceStateApproved
		s.log.Info("device auto-approved", "device_id", device.ID)
	}
	return device, nil
}

func (s *Server) writeAck(w io.Writer, status, reason string) error {
	payload, err := s.ackPayload(status, reason)
	if err != nil {
		return err
	}
	return frame.Write(w, frame.Frame{Kind: frame.KindHelloAck, Payload: payload})
}

func (s *Server) ackPayload(status, reason string) ([]byte, error) {
	return frame.MarshalPayload(frame.HelloAck{
		Status:          status,
		Reason:          reason,
		ProtocolVersion: frame.Version,
		ServerVersion:   s.version,
	})
}

// awaitApproval polls the registry while a pending agent stays connected.
// It reports true once the device is approved and the agent has been told.
func (s *Server) awaitApproval(ctx context.Context, m *mux.Mux, deviceID string) bool {
	ticker := time.NewTicker(s.cfg.ApprovalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.Done():
			return false
		case <-ticker.C:
		}
		device, err := s.store.GetDevice(ctx, deviceID)
		if err != nil {
			s.log.Warn("approval check failed", "device_id", deviceID, "err", err)
			if errors.Is(err, domain.ErrDeviceNotFound) {
				return false
			}
			continue
		}
		switch device.State {
		case domain.DeviceStatePending:
			continue
		case domain.DeviceStateApproved:
			payload, err := s.ackPayload(frame.HelloApproved, "")
			if err != nil {
				return false
			}
			if err := m.SendControl(frame.KindHelloAck, payload); err != nil {
				return false
			}
			s.log.Info("pending device approved", "device_id", deviceID)
			return true
		default:
			s.rejectLink(m, "device "+device.State)
			return false
		}
	}
}

// rejectLink tells the agent it is no longer welcome and drops the link.
func (s *Server) rejectLink(m *mux.Mux, reason string) {
	if payload, err := s.ackPayload(frame.HelloRejected, reason); err == nil {
		_ = m.SendControl(frame.KindHelloAck, payload)
	}
	// Let the scheduler flush the ack before the transport goes away.
	time.AfterFunc(250*time.Millisecond, func() { _ = m.Close() })
}
