package server

import (
	"context"
	"errors"
	"time"
)

const (
	presenceInterval = 30 * time.Second
	touchTimeout     = 5 * time.Second
)

func (s *Server) runJanitor(ctx context.Context) {
	presenceTicker := time.NewTicker(presenceInterval)
	cleanupInterval := s.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer presenceTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-presenceTicker.C:
			s.touchOnlineDevices(ctx)
			s.router.Sweep()
		case <-cleanupTicker.C:
			s.purgeSessionLog(ctx)
		}
	}
}

// touchOnlineDevices refreshes last_seen_at for every live link. The store
// throttles writes per device.
func (s *Server) touchOnlineDevices(ctx context.Context) {
	for _, link := range s.router.Links() {
		touchCtx, cancel := context.WithTimeout(ctx, touchTimeout)
		err := s.store.TouchDevice(touchCtx, link.DeviceID)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("failed to update device last seen", "device_id", link.DeviceID, "err", err)
		}
	}
}

func (s *Server) purgeSessionLog(ctx context.Context) {
	if s.cfg.SessionRetention <= 0 {
		return
	}
	purged, err := s.store.PurgeSessionLog(ctx, time.Now().Add(-s.cfg.SessionRetention))
	if err != nil {
		s.log.Error("session log cleanup failed", "err", err)
		return
	}
	if purged > 0 {
		s.log.Info("old session records purged", "records", purged)
	}
}

type linkView struct {
	DeviceID    string    `json:"device_id"`
	Hostname    string    `json:"hostname"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Sessions    int       `json:"sessions"`
	BytesSent   uint64    `json:"bytes_sent"`
	BytesRecv   uint64    `json:"bytes_recv"`
	RTT         string    `json:"rtt,omitempty"`
}

// linkSnapshot lists live device links for the debug listener.
func (s *Server) linkSnapshot() any {
	links := s.router.Links()
	out := make([]linkView, 0, len(links))
	for _, l := range links {
		st := l.Mux.Stats()
		v := linkView{
			DeviceID:    l.DeviceID,
			Hostname:    l.Info.Hostname,
			Transport:   l.Info.Transport,
			RemoteAddr:  l.Info.RemoteAddr,
			ConnectedAt: l.ConnectedAt,
			Sessions:    st.Sessions,
			BytesSent:   st.BytesSent,
			BytesRecv:   st.BytesRecv,
		}
		if st.RTT > 0 {
			v.RTT = st.RTT.String()
		}
		out = append(out, v)
	}
	return out
}
