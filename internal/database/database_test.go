package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parlorchat/parlor/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *DB, username string) *models.User {
	t.Helper()
	hash, err := HashPassword("secret123")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Status:       models.UserStatusActive,
		Role:         models.RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if err := NewUserRepository(db).Create(context.Background(), u); err != nil {
		t.Fatalf("creating user %s: %v", username, err)
	}
	return u
}

func TestOpenAndMigrate(t *testing.T) {
	db := openTestDB(t)

	tables := []string{
		"schema_migrations", "users", "rooms", "room_participants",
		"messages", "message_status", "calls", "call_participants", "recordings",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: "sqlite"}
	pg := &DB{driver: "pgx"}

	q := "SELECT id FROM users WHERE username = ? AND status = ?"
	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind changed query: %q", got)
	}
	want := "SELECT id FROM users WHERE username = $1 AND status = $2"
	if got := pg.Rebind(q); got != want {
		t.Errorf("pgx Rebind = %q, want %q", got, want)
	}
}

func TestUserRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	u := seedUser(t, db, "alice")

	got, err := repo.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUsername() error: %v", err)
	}
	if got.ID != u.ID || got.Status != models.UserStatusActive {
		t.Errorf("GetByUsername() = %+v", got)
	}

	// Duplicate username is rejected.
	dup := *u
	dup.ID = uuid.NewString()
	dup.Email = "other@example.com"
	if err := repo.Create(ctx, &dup); err != ErrDuplicate {
		t.Errorf("duplicate Create() error = %v, want ErrDuplicate", err)
	}

	// Presence round-trip.
	now := time.Now().UTC()
	if err := repo.SetOnline(ctx, u.ID, true, now); err != nil {
		t.Fatalf("SetOnline() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, u.ID)
	if !got.IsOnline {
		t.Error("IsOnline = false after SetOnline(true)")
	}
	if got.LastSeen == nil {
		t.Error("LastSeen not recorded")
	}

	// Status transition.
	if err := repo.UpdateStatus(ctx, u.ID, models.UserStatusRejected); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, u.ID)
	if got.Status != models.UserStatusRejected {
		t.Errorf("Status = %q, want rejected", got.Status)
	}

	if err := repo.UpdateStatus(ctx, "missing", models.UserStatusActive); err != ErrNotFound {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPendingUsers(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	u := seedUser(t, db, "bob")
	if err := repo.UpdateStatus(ctx, u.ID, models.UserStatusPending); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
	seedUser(t, db, "carol") // active

	pending, err := repo.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error: %v", err)
	}
	if len(pending) != 1 || pending[0].Username != "bob" {
		t.Errorf("ListPending() = %+v, want just bob", pending)
	}
}
