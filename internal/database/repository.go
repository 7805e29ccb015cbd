package database

import (
	"context"
	"time"

	"github.com/parlorchat/parlor/internal/database/models"
)

// UserRepository manages user accounts and presence state.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]models.User, error)
	ListPending(ctx context.Context) ([]models.User, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetOnline(ctx context.Context, id string, online bool, lastSeen time.Time) error
	Count(ctx context.Context) (int64, error)
}

// RoomRepository manages rooms and their participant sets.
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room, memberIDs []string) error
	GetByID(ctx context.Context, id string) (*models.Room, error)
	ListForUser(ctx context.Context, userID string) ([]models.Room, error)
	// EnsurePrivateRoom returns the private room for the unordered user
	// pair, creating it if absent. created is true exactly once per pair.
	EnsurePrivateRoom(ctx context.Context, userA, userB string) (room *models.Room, created bool, err error)
	ActiveParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
	IsActiveParticipant(ctx context.Context, roomID, userID string) (bool, error)
}

// MessageRepository manages chat messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	// ListByRoom returns messages oldest-first with the aggregated delivery
	// status (min across status rows, sent when none exist). before is
	// exclusive; zero means newest.
	ListByRoom(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error)
	Edit(ctx context.Context, id, content string, editedAt time.Time) error
	// RecentSenders returns the distinct sender ids appearing in the room's
	// recent history, excluding exceptUserID.
	RecentSenders(ctx context.Context, roomID, exceptUserID string, limit int) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// MessageStatusRepository drives the per-recipient delivery state machine.
// All writes are monotonic along sent -> delivered -> read; downgrades no-op.
type MessageStatusRepository interface {
	Upsert(ctx context.Context, messageID, userID, status string, at time.Time) error
	Get(ctx context.Context, messageID, userID string) (string, error)
	// MarkRoomRead sets status=read for every message in the room not
	// authored by readerID.
	MarkRoomRead(ctx context.Context, roomID, readerID string, at time.Time) error
}

// CallRepository manages persisted call records.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetByID(ctx context.Context, id string) (*models.Call, error)
	AddParticipant(ctx context.Context, callID, userID string, at time.Time) error
	MarkAnswered(ctx context.Context, callID, userID string) error
	SetStatus(ctx context.Context, callID, status string, endedAt *time.Time) error
	ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]models.Call, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// RecordingRepository manages capture artifact records.
type RecordingRepository interface {
	Create(ctx context.Context, rec *models.Recording) error
	Finalize(ctx context.Context, id string, durationSecs int) error
	ListByCall(ctx context.Context, callID string) ([]models.Recording, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}
