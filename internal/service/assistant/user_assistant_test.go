package assistant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"xiaorui/internal/config"
	"xiaorui/internal/storage"
)

func TestRegisterThenLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(db)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if user.ID <= 0 || user.Username != "alice" {
		t.Fatalf("unexpected user: %+v", user)
	}
	var stored string
	if err := db.QueryRow(`SELECT password_hash FROM users WHERE id = ?`, user.ID).Scan(&stored); err != nil {
		t.Fatalf("query hash: %v", err)
	}
	if stored == "s3cret" || !strings.HasPrefix(stored, "$2") {
		t.Fatalf("password not stored as bcrypt hash: %q", stored)
	}

	got, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil || got.ID != user.ID {
		t.Fatalf("Login: user=%+v err=%v", got, err)
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(db)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "bob_1", "pw"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "bob_1", "other"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	// the original secret still works
	if _, err := svc.Login(ctx, "bob_1", "pw"); err != nil {
		t.Fatalf("login after duplicate: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(db)
	ctx := context.Background()

	for _, name := range []string{"", "bad name", "../x", "张三"} {
		if _, err := svc.RegisterUser(ctx, name, "pw"); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("RegisterUser(%q): expected ErrInvalidUsername, got %v", name, err)
		}
	}
	if _, err := svc.RegisterUser(ctx, "carol", ""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "carol", strings.Repeat("x", 100)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestDeleteUser(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(db)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "dave", "pw")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := svc.GetUser(ctx, user.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows after delete, got %v", err)
	}
	if err := svc.DeleteUser(ctx, user.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for second delete, got %v", err)
	}
	// name is free again
	if _, err := svc.RegisterUser(ctx, "dave", "pw2"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func newTestService(db *storage.DB) *Service {
	svc := NewService(db)
	svc.cost = bcrypt.MinCost
	return svc
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}
