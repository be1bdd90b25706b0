package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/metrics"
	"github.com/tetherdev/tether/internal/mux"
	"github.com/tetherdev/tether/internal/transport"
)

const auditTimeout = 5 * time.Second

func (s *Server) handleClientConnect(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "unauthorized")
		return
	}
	ws, err := transport.Accept(w, r)
	if err != nil {
		s.log.Warn("client websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	conn := transport.Count(ws)
	log := s.log.With("key_id", principal.KeyID, "remote_addr", r.RemoteAddr)

	cfg := s.clientMux
	cfg.Initiator = false
	cfg.Accept = s.clientAccept(principal)
	cfg.Logger = log
	m := mux.New(conn, nil, cfg)

	metrics.ClientConnections.Inc()
	log.Info("client connected", "key_name", principal.Name, "role", principal.Role)
	<-m.Done()
	metrics.ClientConnections.Dec()
	in, out := conn.Bytes()
	metrics.AddBytes("client", in, out)
	log.Info("client disconnected", "err", m.Err())
}

// clientAccept routes every session a client opens to the device named in
// its params and splices the two sessions together.
func (s *Server) clientAccept(p domain.Principal) mux.AcceptFunc {
	return func(ctx context.Context, params mux.OpenParams) (mux.Handler, error) {
		deviceID := strings.TrimSpace(params.Device)
		sessionType := string(params.Type)
		if deviceID == "" {
			metrics.RecordOpen(sessionType, domain.CodeRejected)
			return nil, &domain.SessionError{Op: "route", Code: domain.CodeRejected, Err: fmt.Errorf("%w: open names no device", domain.ErrSessionRejected)}
		}
		log := s.log.With("key_id", p.KeyID, "device_id", deviceID, "type", sessionType)

		device, err := s.router.RouteOpen(ctx, p, deviceID, params)
		code := domain.CodeOf(err)
		metrics.RecordOpen(sessionType, code)
		if err != nil {
			log.Info("session open refused", "code", code, "err", err)
			auditID := s.auditStart(p, deviceID, params)
			s.auditEnd(auditID, domain.SessionOutcomeRejected, code)
			return nil, err
		}

		auditID := s.auditStart(p, deviceID, params)
		log.Info("session routed", "detail", params.Describe(), "channel", device.ID())
		return func(client *mux.Session) {
			metrics.SessionsActive.Inc()
			defer metrics.SessionsActive.Dec()
			err := splice(client, device)
			outcome := domain.SessionOutcomeClosed
			code := ""
			if err != nil {
				outcome = domain.SessionOutcomeErrored
				code = domain.CodeOf(err)
				metrics.RecordOpen(sessionType, code)
			}
			s.auditEnd(auditID, outcome, code)
			log.Debug("session finished", "outcome", outcome, "code", code)
		}, nil
	}
}

// authorize is the router's policy: the key's role must allow the session
// type and the device must be registered and approved.
func (s *Server) authorize(ctx context.Context, p domain.Principal, deviceID string, t mux.SessionType) error {
	if !p.CanOpen(string(t)) {
		return fmt.Errorf("%w: role %s may not open %s sessions", domain.ErrDeviceUnauthorized, p.Role, t)
	}
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.State != domain.DeviceStateApproved {
		return fmt.Errorf("%w: device %s is %s", domain.ErrDeviceUnauthorized, deviceID, device.State)
	}
	return nil
}

func (s *Server) auditStart(p domain.Principal, deviceID string, params mux.OpenParams) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	id, err := s.store.StartSession(ctx, domain.SessionRecord{
		DeviceID: deviceID,
		APIKeyID: p.KeyID,
		Type:     string(params.Type),
		Detail:   params.Describe(),
	})
	if err != nil {
		s.log.Warn("session audit start failed", "device_id", deviceID, "err", err)
		return 0
	}
	return id
}

func (s *Server) auditEnd(id int64, outcome, code string) {
	if id == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := s.store.EndSession(ctx, id, outcome, code); err != nil {
		s.log.Warn("session audit end failed", "audit_id", id, "err", err)
	}
}

// splice relays a client session and a device session until both
// directions finish. Half-closes, exit statuses, terminal resizes and
// errors cross over to the other hop. It returns the first error seen,
// unless the device already finished with an exit status.
func splice(client, device *mux.Session) error {
	errc := make(chan error, 2)
	go func() { errc <- pump(device, client) }()
	go func() { errc <- pump(client, device) }()
	go func() {
		for {
			select {
			case size := <-client.Resizes():
				_ = device.Resize(size.Cols, size.Rows)
			case <-client.Done():
				return
			case <-device.Done():
				return
			}
		}
	}()

	var first error
	for range 2 {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	_ = client.Close()
	_ = device.Close()
	if _, exited := device.Exit(); exited && first != nil {
		// The device reported an exit status; a client hanging up after
		// that ends the session normally.
		return nil
	}
	return first
}

// pump copies src to dst. A clean end of src half-closes dst, carrying the
// exit status along; a failure on either side aborts the other with the
// same reason code.
func pump(dst, src *mux.Session) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				src.Abort(domain.CodeOf(werr), relayMessage(werr))
				return werr
			}
		}
		if rerr == io.EOF {
			if code, ok := src.Exit(); ok {
				return dst.CloseWithExit(code)
			}
			return dst.CloseWrite()
		}
		if rerr != nil {
			dst.Abort(domain.CodeOf(rerr), relayMessage(rerr))
			return rerr
		}
	}
}

// relayMessage strips the session wrapping and sentinel prefix so a
// reason does not grow every time it crosses a hop.
func relayMessage(err error) string {
	var se *domain.SessionError
	if errors.As(err, &se) && se.Err != nil {
		err = se.Err
	}
	msg := err.Error()
	if sentinel := domain.ErrorFromCode(domain.CodeOf(err)); sentinel != nil {
		msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	}
	return msg
}
