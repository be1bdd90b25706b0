package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetherdev/tether/internal/auth"
	"github.com/tetherdev/tether/internal/domain"
)

// DeviceHello is what an agent presents when it connects.
type DeviceHello struct {
	ID             string
	Hostname       string
	Platform       string
	CredentialHash string
	AgentVersion   string
}

// RegisterDevice records an agent's hello. Unknown devices are created in
// the pending state; known devices must present the same credential.
func (s *Store) RegisterDevice(ctx context.Context, h DeviceHello) (domain.Device, error) {
	if strings.TrimSpace(h.ID) == "" || h.CredentialHash == "" {
		return domain.Device{}, errors.New("device id and credential are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Device{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	d, err := scanDevice(tx.QueryRowContext(ctx, getDeviceQuery, h.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		d = domain.Device{
			ID:             h.ID,
			Hostname:       h.Hostname,
			Platform:       h.Platform,
			State:          domain.DeviceStatePending,
			CredentialHash: h.CredentialHash,
			AgentVersion:   h.AgentVersion,
			CreatedAt:      now,
			LastSeenAt:     &now,
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO devices(id, hostname, platform, state, credential_hash, agent_version, created_at, last_seen_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Hostname, d.Platform, d.State, d.CredentialHash, d.AgentVersion, d.CreatedAt, now); err != nil {
			return domain.Device{}, err
		}
	case err != nil:
		return domain.Device{}, err
	default:
		if !auth.ConstantTimeHashEquals(d.CredentialHash, h.CredentialHash) {
			return domain.Device{}, fmt.Errorf("device %s: %w", h.ID, domain.ErrUnauthorized)
		}
		d.Hostname = h.Hostname
		d.Platform = h.Platform
		d.AgentVersion = h.AgentVersion
		d.LastSeenAt = &now
		if _, err := tx.ExecContext(ctx, `
UPDATE devices SET hostname = ?, platform = ?, agent_version = ?, last_seen_at = ? WHERE id = ?`,
			d.Hostname, d.Platform, d.AgentVersion, now, d.ID); err != nil {
			return domain.Device{}, err
		}
	}
	return d, tx.Commit()
}

func (s *Store) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	var row *sql.Row
	if s.getDeviceStmt == nil {
		row = s.db.QueryRowContext(ctx, getDeviceQuery, id)
	} else {
		row = s.getDeviceStmt.QueryRowContext(ctx, id)
	}
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, fmt.Errorf("device %s: %w", id, domain.ErrDeviceNotFound)
	}
	return d, err
}

func (s *Store) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, hostname, platform, state, credential_hash, agent_version, created_at, approved_at, last_seen_at
FROM devices
ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ApproveDevice moves a pending device to approved. Approving an approved
// device is a no-op; a revoked device stays revoked.
func (s *Store) ApproveDevice(ctx context.Context, id string) error {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	switch d.State {
	case domain.DeviceStateApproved:
		return nil
	case domain.DeviceStateRevoked:
		return fmt.Errorf("device %s is revoked", id)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE devices SET state = ?, approved_at = ? WHERE id = ? AND state = ?`,
		domain.DeviceStateApproved, time.Now().UTC(), id, domain.DeviceStatePending)
	return err
}

// RevokeDevice moves a device to the terminal revoked state.
func (s *Store) RevokeDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET state = ? WHERE id = ?`, domain.DeviceStateRevoked, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("device %s: %w", id, domain.ErrDeviceNotFound)
	}
	return nil
}

// TouchDevice records activity for a connected device, at most once per
// touch interval per device.
func (s *Store) TouchDevice(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if !s.reserveDeviceTouch(id, now) {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, now, id)
	if err != nil {
		s.rollbackDeviceTouch(id, now)
	}
	return err
}

func (s *Store) reserveDeviceTouch(id string, now time.Time) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		cutoff := now.Add(-(s.touchMinInterval * 4))
		for k, last := range s.lastDeviceTouch {
			if last.Before(cutoff) {
				delete(s.lastDeviceTouch, k)
			}
		}
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastDeviceTouch[id]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastDeviceTouch[id] = now
	return true
}

func (s *Store) rollbackDeviceTouch(id string, reservedAt time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastDeviceTouch[id]; ok && last.Equal(reservedAt) {
		delete(s.lastDeviceTouch, id)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (domain.Device, error) {
	var d domain.Device
	var approved, lastSeen sql.NullTime
	if err := row.Scan(&d.ID, &d.Hostname, &d.Platform, &d.State, &d.CredentialHash, &d.AgentVersion, &d.CreatedAt, &approved, &lastSeen); err != nil {
		return domain.Device{}, err
	}
	if approved.Valid {
		t := approved.Time
		d.ApprovedAt = &t
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	return d, nil
}
