package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parlorchat/parlor/internal/database/models"
)

// messageRepo implements MessageRepository.
type messageRepo struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) MessageRepository {
	return &messageRepo{db: db}
}

// statusRankSQL computes the monotonic rank of a delivery status in SQL.
const statusRankSQL = `CASE ms.status WHEN 'read' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END`

// Create inserts a message. The persisted id becomes the message's
// canonical identity for receipts.
func (r *messageRepo) Create(ctx context.Context, msg *models.Message) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO messages (id, room_id, sender_id, content, type, file_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.RoomID, msg.SenderID, nullIfEmpty(msg.Content),
		msg.Type, nullIfEmpty(msg.FileURL), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetByID returns a single message without aggregated status.
func (r *messageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	var content, fileURL sql.NullString
	var editedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT m.id, m.room_id, m.sender_id, u.username, m.content, m.type, m.file_url, m.created_at, m.edited_at
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.id = ?`), id,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderUsername, &content, &m.Type, &fileURL, &m.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	m.Content = content.String
	m.FileURL = fileURL.String
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	return &m, nil
}

// ListByRoom returns up to limit messages oldest-first. The aggregated
// delivery status of each message is min(status) across its status rows
// under sent < delivered < read, defaulting to sent when no rows exist.
func (r *messageRepo) ListByRoom(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Minute)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT m.id, m.room_id, m.sender_id, u.username, m.content, m.type, m.file_url, m.created_at, m.edited_at,
		        COALESCE((SELECT MIN(`+statusRankSQL+`) FROM message_status ms WHERE ms.message_id = m.id), 0)
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = ? AND m.created_at < ?
		 ORDER BY m.created_at DESC LIMIT ?`), roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var content, fileURL sql.NullString
		var editedAt sql.NullTime
		var rank int
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderUsername, &content, &m.Type,
			&fileURL, &m.CreatedAt, &editedAt, &rank); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Content = content.String
		m.FileURL = fileURL.String
		if editedAt.Valid {
			m.EditedAt = &editedAt.Time
		}
		m.DeliveryStatus = models.StatusFromRank(rank)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for the client.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Edit updates a message's content and edit timestamp.
func (r *messageRepo) Edit(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`), content, editedAt, id)
	if err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentSenders returns the distinct sender ids of the room's most recent
// messages, excluding exceptUserID. Used to target read-receipt updates.
func (r *messageRepo) RecentSenders(ctx context.Context, roomID, exceptUserID string, limit int) ([]string, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT DISTINCT sender_id FROM (
		   SELECT sender_id FROM messages WHERE room_id = ? AND sender_id <> ?
		   ORDER BY created_at DESC LIMIT ?
		 ) recent`), roomID, exceptUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent senders: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning sender: %w", err)
		}
		senders = append(senders, id)
	}
	return senders, rows.Err()
}

// Count returns the total number of stored messages.
func (r *messageRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// statusRepo implements MessageStatusRepository.
type statusRepo struct {
	db *DB
}

// NewMessageStatusRepository creates a new MessageStatusRepository.
func NewMessageStatusRepository(db *DB) MessageStatusRepository {
	return &statusRepo{db: db}
}

// Upsert writes a status row, advancing only along sent -> delivered -> read.
// A write that would downgrade the stored status is a no-op.
func (r *statusRepo) Upsert(ctx context.Context, messageID, userID, status string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO message_status (message_id, user_id, status, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (message_id, user_id) DO UPDATE
		 SET status = excluded.status, updated_at = excluded.updated_at
		 WHERE (CASE excluded.status WHEN 'read' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END) >
		       (CASE message_status.status WHEN 'read' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END)`),
		messageID, userID, status, at)
	if err != nil {
		return fmt.Errorf("upserting message status: %w", err)
	}
	return nil
}

// Get returns the stored status for a (message, recipient) pair, or
// ErrNotFound when no row exists.
func (r *statusRepo) Get(ctx context.Context, messageID, userID string) (string, error) {
	var status string
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT status FROM message_status WHERE message_id = ? AND user_id = ?`),
		messageID, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading message status: %w", err)
	}
	return status, nil
}

// MarkRoomRead bulk-upserts status=read for every message in the room not
// authored by readerID. Rows already at read are left untouched.
func (r *statusRepo) MarkRoomRead(ctx context.Context, roomID, readerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO message_status (message_id, user_id, status, updated_at)
		 SELECT m.id, ?, 'read', ? FROM messages m
		 WHERE m.room_id = ? AND m.sender_id <> ?
		 ON CONFLICT (message_id, user_id) DO UPDATE
		 SET status = 'read', updated_at = excluded.updated_at
		 WHERE message_status.status <> 'read'`),
		readerID, at, roomID, readerID)
	if err != nil {
		return fmt.Errorf("marking room read: %w", err)
	}
	return nil
}
