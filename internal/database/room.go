package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parlorchat/parlor/internal/database/models"
)

// roomRepo implements RoomRepository.
type roomRepo struct {
	db *DB
}

// NewRoomRepository creates a new RoomRepository.
func NewRoomRepository(db *DB) RoomRepository {
	return &roomRepo{db: db}
}

// pairKey builds the unordered-pair uniqueness key for private rooms.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Create inserts a room and its initial participant set. The creator (if
// present in memberIDs) gets the admin role.
func (r *roomRepo) Create(ctx context.Context, room *models.Room, memberIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var pk sql.NullString
	if room.Type == models.RoomPrivate && len(memberIDs) == 2 {
		pk = sql.NullString{String: pairKey(memberIDs[0], memberIDs[1]), Valid: true}
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO rooms (id, type, name, pair_key, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		room.ID, room.Type, nullIfEmpty(room.Name), pk, nullIfEmpty(room.CreatedBy), room.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting room: %w", err)
	}

	for _, userID := range memberIDs {
		role := models.ParticipantMember
		if userID == room.CreatedBy {
			role = models.ParticipantAdmin
		}
		_, err = tx.ExecContext(ctx, r.db.Rebind(
			`INSERT INTO room_participants (room_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`),
			room.ID, userID, role, room.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	return tx.Commit()
}

// GetByID returns a room with its active participants.
func (r *roomRepo) GetByID(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	var name, createdBy sql.NullString
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT id, type, name, created_by, created_at FROM rooms WHERE id = ?`), id,
	).Scan(&room.ID, &room.Type, &name, &createdBy, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning room: %w", err)
	}
	room.Name = name.String
	room.CreatedBy = createdBy.String

	room.Participants, err = r.ActiveParticipants(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// ListForUser returns all rooms where the user is an active participant,
// each with its active participant set.
func (r *roomRepo) ListForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT r.id, r.type, r.name, r.created_by, r.created_at
		 FROM rooms r
		 JOIN room_participants p ON p.room_id = r.id
		 WHERE p.user_id = ? AND p.left_at IS NULL
		 ORDER BY r.created_at`), userID)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var room models.Room
		var name, createdBy sql.NullString
		if err := rows.Scan(&room.ID, &room.Type, &name, &createdBy, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		room.Name = name.String
		room.CreatedBy = createdBy.String
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rooms {
		rooms[i].Participants, err = r.ActiveParticipants(ctx, rooms[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// EnsurePrivateRoom returns the private room for the unordered user pair,
// creating it if absent. A concurrent create loses the UNIQUE race on
// pair_key and falls back to the winner's row, so created is true exactly
// once per pair.
func (r *roomRepo) EnsurePrivateRoom(ctx context.Context, userA, userB string) (*models.Room, bool, error) {
	key := pairKey(userA, userB)

	find := func() (*models.Room, error) {
		var id string
		err := r.db.QueryRowContext(ctx, r.db.Rebind(
			`SELECT id FROM rooms WHERE pair_key = ?`), key).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("looking up private room: %w", err)
		}
		return r.GetByID(ctx, id)
	}

	if room, err := find(); err == nil {
		return room, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	room := &models.Room{
		ID:        uuid.NewString(),
		Type:      models.RoomPrivate,
		CreatedAt: time.Now().UTC(),
	}
	err := r.Create(ctx, room, []string{userA, userB})
	if errors.Is(err, ErrDuplicate) {
		existing, ferr := find()
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	created, err := r.GetByID(ctx, room.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// ActiveParticipants returns the room's participants whose left_at is null,
// annotated with usernames.
func (r *roomRepo) ActiveParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT p.room_id, p.user_id, u.username, p.role, p.joined_at
		 FROM room_participants p
		 JOIN users u ON u.id = p.user_id
		 WHERE p.room_id = ? AND p.left_at IS NULL
		 ORDER BY p.joined_at`), roomID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	var parts []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.Username, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// IsActiveParticipant reports whether the user is an active member of the room.
func (r *roomRepo) IsActiveParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT COUNT(*) FROM room_participants WHERE room_id = ? AND user_id = ? AND left_at IS NULL`),
		roomID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return n > 0, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
