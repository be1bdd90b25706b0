package domain

import "time"

// DeviceView is the JSON representation of a device returned by the
// relay's REST API.
type DeviceView struct {
	ID           string     `json:"id"`
	Hostname     string     `json:"hostname"`
	Platform     string     `json:"platform"`
	State        string     `json:"state"`
	Online       bool       `json:"online"`
	AgentVersion string     `json:"agent_version,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

// DeviceListResponse is the body of GET /v1/devices.
type DeviceListResponse struct {
	Devices []DeviceView `json:"devices"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
