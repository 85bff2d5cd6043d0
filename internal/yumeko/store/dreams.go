package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QuotaRow mirrors one quota_state row.
type QuotaRow struct {
	RoomID        string
	CountToday    int
	LastDream     sql.NullTime
	LastResetDate string
}

// LoadQuota returns the persisted quota state for a room, or nil when the
// room has never dreamed.
func (s *Store) LoadQuota(ctx context.Context, roomID string) (*QuotaRow, error) {
	row := &QuotaRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, count_today, last_dream, last_reset_date
		FROM quota_state
		WHERE room_id = ?
	`, roomID).Scan(&row.RoomID, &row.CountToday, &row.LastDream, &row.LastResetDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota state: %w", err)
	}
	return row, nil
}

// SaveQuota upserts the quota state for a room.
func (s *Store) SaveQuota(ctx context.Context, row *QuotaRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_state (room_id, count_today, last_dream, last_reset_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			count_today     = excluded.count_today,
			last_dream      = excluded.last_dream,
			last_reset_date = excluded.last_reset_date
	`, row.RoomID, row.CountToday, row.LastDream, row.LastResetDate)
	if err != nil {
		return fmt.Errorf("failed to save quota state: %w", err)
	}
	return nil
}

// DeleteQuota removes the quota state for a room. Deleting an absent row is
// a no-op.
func (s *Store) DeleteQuota(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quota_state WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to delete quota state: %w", err)
	}
	return nil
}

// DeleteAllQuotas clears quota state for every room.
func (s *Store) DeleteAllQuotas(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quota_state`); err != nil {
		return fmt.Errorf("failed to delete quota state: %w", err)
	}
	return nil
}

// DreamRecord is one emitted dream.
type DreamRecord struct {
	ID        string
	RoomID    string
	Content   string
	Forced    bool
	CreatedAt time.Time
}

// InsertDream records an emitted dream.
func (s *Store) InsertDream(ctx context.Context, rec *DreamRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dream_log (id, room_id, content, forced, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.RoomID, rec.Content, rec.Forced, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dream record: %w", err)
	}
	return nil
}

// DreamCount returns the number of recorded dreams for the room, or across
// all rooms when roomID is empty.
func (s *Store) DreamCount(ctx context.Context, roomID string) (int, error) {
	var (
		n   int
		err error
	)
	if roomID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dream_log`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dream_log WHERE room_id = ?`, roomID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count dreams: %w", err)
	}
	return n, nil
}

// LastDream returns the most recent dream for the room, or nil when none has
// been recorded.
func (s *Store) LastDream(ctx context.Context, roomID string) (*DreamRecord, error) {
	rec := &DreamRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, content, forced, created_at
		FROM dream_log
		WHERE room_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, roomID).Scan(&rec.ID, &rec.RoomID, &rec.Content, &rec.Forced, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last dream: %w", err)
	}
	return rec, nil
}
