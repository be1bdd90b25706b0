// Package domain defines the core data types and error taxonomy shared
// across the tether relay, agent, client and store layers.
package domain

import "time"

// Device state constants. Online and offline are derived from live
// connections and never persisted.
const (
	DeviceStatePending  = "pending"
	DeviceStateApproved = "approved"
	DeviceStateRevoked  = "revoked"
)

// API key roles, from most to least privileged.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Session outcome constants recorded in the session log.
const (
	SessionOutcomeClosed   = "closed"
	SessionOutcomeRejected = "rejected"
	SessionOutcomeErrored  = "errored"
)

// Device is a registered edge device.
type Device struct {
	ID             string
	Hostname       string
	Platform       string
	State          string
	CredentialHash string
	AgentVersion   string
	CreatedAt      time.Time
	ApprovedAt     *time.Time
	LastSeenAt     *time.Time
}

// APIKey represents a server-managed authentication key.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	Role      string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// SessionRecord is one row of the session audit log.
type SessionRecord struct {
	ID        int64
	DeviceID  string
	APIKeyID  string
	Type      string
	Detail    string
	Outcome   string
	Code      string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Principal identifies an authenticated operator.
type Principal struct {
	KeyID string
	Name  string
	Role  string
}

// CanOpen reports whether the principal's role permits opening a session of
// the given type. Viewers may only stream metrics.
func (p Principal) CanOpen(sessionType string) bool {
	switch p.Role {
	case RoleAdmin, RoleOperator:
		return true
	case RoleViewer:
		return sessionType == "metrics"
	default:
		return false
	}
}

// CanManageDevices reports whether the principal may approve or revoke
// devices.
func (p Principal) CanManageDevices() bool {
	return p.Role == RoleAdmin
}

// ValidRole reports whether role is one of the known API key roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}
