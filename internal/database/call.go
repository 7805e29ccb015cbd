package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parlorchat/parlor/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// Create inserts a call row in the ringing state with the initiator as its
// first participant.
func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO calls (id, room_id, initiator_id, call_type, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		call.ID, call.RoomID, call.InitiatorID, call.CallType, call.Status, call.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO call_participants (call_id, user_id, joined_at, answered)
		 VALUES (?, ?, ?, ?)`),
		call.ID, call.InitiatorID, call.StartedAt, false)
	if err != nil {
		return fmt.Errorf("inserting initiator participant: %w", err)
	}

	return tx.Commit()
}

// GetByID returns a call by id.
func (r *callRepo) GetByID(ctx context.Context, id string) (*models.Call, error) {
	var c models.Call
	var endedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT id, room_id, initiator_id, call_type, status, started_at, ended_at
		 FROM calls WHERE id = ?`), id,
	).Scan(&c.ID, &c.RoomID, &c.InitiatorID, &c.CallType, &c.Status, &c.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	return &c, nil
}

// AddParticipant records a user joining the call. Re-joins are no-ops.
func (r *callRepo) AddParticipant(ctx context.Context, callID, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO call_participants (call_id, user_id, joined_at, answered)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (call_id, user_id) DO NOTHING`),
		callID, userID, at, false)
	if err != nil {
		return fmt.Errorf("inserting call participant: %w", err)
	}
	return nil
}

// MarkAnswered flags the participant as having answered the call.
func (r *callRepo) MarkAnswered(ctx context.Context, callID, userID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE call_participants SET answered = ? WHERE call_id = ? AND user_id = ?`),
		true, callID, userID)
	if err != nil {
		return fmt.Errorf("marking participant answered: %w", err)
	}
	return nil
}

// SetStatus transitions the call's lifecycle state. Terminal transitions
// carry the end timestamp.
func (r *callRepo) SetStatus(ctx context.Context, callID, status string, endedAt *time.Time) error {
	var res sql.Result
	var err error
	if endedAt != nil {
		res, err = r.db.ExecContext(ctx, r.db.Rebind(
			`UPDATE calls SET status = ?, ended_at = ? WHERE id = ?`), status, *endedAt, callID)
	} else {
		res, err = r.db.ExecContext(ctx, r.db.Rebind(
			`UPDATE calls SET status = ? WHERE id = ?`), status, callID)
	}
	if err != nil {
		return fmt.Errorf("updating call status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns call counts grouped by lifecycle state.
func (r *callRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning call count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListByRoom returns the room's call history, newest first.
func (r *callRepo) ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]models.Call, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT id, room_id, initiator_id, call_type, status, started_at, ended_at
		 FROM calls WHERE room_id = ?
		 ORDER BY started_at DESC LIMIT ? OFFSET ?`), roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		var c models.Call
		var endedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.RoomID, &c.InitiatorID, &c.CallType, &c.Status, &c.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		if endedAt.Valid {
			c.EndedAt = &endedAt.Time
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

// Create inserts a recording row when capture starts.
func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO recordings (id, call_id, room_id, file_path, has_video, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ID, nullIfEmpty(rec.CallID), rec.RoomID, rec.FilePath, rec.HasVideo, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// Finalize stamps the recording with its duration once capture stops.
func (r *recordingRepo) Finalize(ctx context.Context, id string, durationSecs int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE recordings SET duration_secs = ? WHERE id = ?`), durationSecs, id)
	if err != nil {
		return fmt.Errorf("finalizing recording: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes recording rows started before the cutoff and
// returns their file paths so the caller can remove the artifacts.
func (r *recordingRepo) DeleteExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT id, file_path FROM recordings WHERE started_at < ?`), cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing expired recordings: %w", err)
	}
	defer rows.Close()

	var ids, paths []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("scanning expired recording: %w", err)
		}
		ids = append(ids, id)
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, r.db.Rebind(
			`DELETE FROM recordings WHERE id = ?`), id); err != nil {
			return nil, fmt.Errorf("deleting recording %s: %w", id, err)
		}
	}
	return paths, nil
}

// ListByCall returns all recordings tied to a call.
func (r *recordingRepo) ListByCall(ctx context.Context, callID string) ([]models.Recording, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT id, call_id, room_id, file_path, has_video, started_at, duration_secs
		 FROM recordings WHERE call_id = ? ORDER BY started_at`), callID)
	if err != nil {
		return nil, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		var rec models.Recording
		var callID sql.NullString
		var dur sql.NullInt64
		if err := rows.Scan(&rec.ID, &callID, &rec.RoomID, &rec.FilePath, &rec.HasVideo, &rec.StartedAt, &dur); err != nil {
			return nil, fmt.Errorf("scanning recording: %w", err)
		}
		rec.CallID = callID.String
		if dur.Valid {
			d := int(dur.Int64)
			rec.DurationSecs = &d
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
