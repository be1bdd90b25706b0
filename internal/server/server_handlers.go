package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tetherdev/tether/internal/auth"
	"github.com/tetherdev/tether/internal/domain"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "unauthorized")
		return
	}
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.log.Error("list devices failed", "err", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	resp := domain.DeviceListResponse{Devices: make([]domain.DeviceView, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, domain.DeviceView{
			ID:           d.ID,
			Hostname:     d.Hostname,
			Platform:     d.Platform,
			State:        d.State,
			Online:       s.router.Online(d.ID),
			AgentVersion: d.AgentVersion,
			CreatedAt:    d.CreatedAt,
			LastSeenAt:   d.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApproveDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireDeviceAdmin(w, r)
	if !ok {
		return
	}
	if err := s.store.ApproveDevice(r.Context(), id); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.log.Info("device approved", "device_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireDeviceAdmin(w, r)
	if !ok {
		return
	}
	if err := s.store.RevokeDevice(r.Context(), id); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	if link, ok := s.router.Lookup(id); ok {
		s.rejectLink(link.Mux, "device revoked")
	}
	s.log.Info("device revoked", "device_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireDeviceAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "unauthorized")
		return "", false
	}
	if !p.CanManageDevices() {
		writeError(w, http.StatusForbidden, domain.CodeUnauthorized, "admin role required")
		return "", false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "", "missing device id")
		return "", false
	}
	return id, true
}

func (s *Server) writeDeviceError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, domain.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "device not found")
		return
	}
	s.log.Warn("device update failed", "device_id", id, "err", err)
	writeError(w, http.StatusConflict, "", err.Error())
}

// authenticate resolves the request's bearer API key to a principal.
func (s *Server) authenticate(r *http.Request) (domain.Principal, error) {
	key := auth.BearerToken(r)
	if key == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	rec, err := s.store.ResolveAPIKey(r.Context(), auth.HashAPIKey(key, s.pepper))
	if err != nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return domain.Principal{KeyID: rec.ID, Name: rec.Name, Role: rec.Role}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}
