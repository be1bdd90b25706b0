package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tetherdev/tether/internal/domain"
)

// StartSession appends an audit record for a session that was routed to a
// device and returns its id.
func (s *Store) StartSession(ctx context.Context, rec domain.SessionRecord) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO session_log(device_id, api_key_id, type, detail, started_at)
VALUES(?, ?, ?, ?, ?)`, rec.DeviceID, rec.APIKeyID, rec.Type, rec.Detail, rec.StartedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EndSession records how a session finished.
func (s *Store) EndSession(ctx context.Context, id int64, outcome, code string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE session_log SET outcome = ?, code = ?, ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		outcome, nullableString(code), time.Now().UTC(), id)
	return err
}

// ListSessions returns the most recent sessions for a device, or for all
// devices when deviceID is empty.
func (s *Store) ListSessions(ctx context.Context, deviceID string, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, device_id, api_key_id, type, detail, outcome, code, started_at, ended_at
FROM session_log
WHERE ? = '' OR device_id = ?
ORDER BY started_at DESC, id DESC
LIMIT ?`, deviceID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var outcome, code sql.NullString
		var ended sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.APIKeyID, &rec.Type, &rec.Detail, &outcome, &code, &rec.StartedAt, &ended); err != nil {
			return nil, err
		}
		rec.Outcome = outcome.String
		rec.Code = code.String
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeSessionLog deletes finished records that started before olderThan.
func (s *Store) PurgeSessionLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_log WHERE started_at < ? AND ended_at IS NOT NULL`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
