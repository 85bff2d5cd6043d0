package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is one row of the agent's message history.
type Message struct {
	ID       int64
	RoomID   string
	EventID  sql.NullString
	Sender   string
	Body     string
	OriginTS time.Time
	Replayed bool
	BatchID  sql.NullString
}

// InsertMessage appends a message to the history. Rows whose platform event
// ID already exists for the room are silently skipped (the unique index makes
// re-ingestion idempotent). Returns true when a row was actually inserted.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (room_id, event_id, sender, body, origin_ts, replayed, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.RoomID, msg.EventID, msg.Sender, msg.Body, msg.OriginTS, msg.Replayed, msg.BatchID)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// RecentMessages returns up to limit most recent messages for the room in
// chronological order (oldest first).
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, event_id, sender, body, origin_ts, replayed, batch_id
		FROM messages
		WHERE room_id = ?
		ORDER BY origin_ts DESC, id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(
			&msg.ID, &msg.RoomID, &msg.EventID, &msg.Sender,
			&msg.Body, &msg.OriginTS, &msg.Replayed, &msg.BatchID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageCount returns the number of stored messages for the room.
func (s *Store) MessageCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// TotalMessageCount returns the number of stored messages across all rooms.
func (s *Store) TotalMessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
