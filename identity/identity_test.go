package identity

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	dbpkg "github.com/onnwee/radiosync/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := dbpkg.Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return db
}

func insertUser(t *testing.T, db *sql.DB, id, nickname, email string, verified, subscribed bool) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO users (id, nickname, email, email_verified, subscribed) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET email_verified=EXCLUDED.email_verified, subscribed=EXCLUDED.subscribed`,
		id, nickname, email, verified, subscribed)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func TestVerify(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	_, _ = db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id LIKE 'idtest-%'`)
	_, _ = db.ExecContext(ctx, `DELETE FROM users WHERE id LIKE 'idtest-%'`)
	insertUser(t, db, "idtest-1", "dj_mo", "mo@example.com", true, false)

	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES ($1,$2,$3)`,
		"idtest-token-live", "idtest-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES ($1,$2,$3)`,
		"idtest-token-expired", "idtest-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	id, err := store.Verify(ctx, "idtest-token-live")
	if err != nil {
		t.Fatalf("Verify(live): %v", err)
	}
	if id.ID != "idtest-1" || id.Nickname != "dj_mo" {
		t.Errorf("Verify returned %+v", id)
	}

	if _, err := store.Verify(ctx, "idtest-token-expired"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token error = %v, want ErrInvalidToken", err)
	}
	if _, err := store.Verify(ctx, "no-such-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown token error = %v, want ErrInvalidToken", err)
	}
	if _, err := store.Verify(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token error = %v, want ErrInvalidToken", err)
	}
}

func TestSubscribedVerifiedEmails(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	_, _ = db.ExecContext(ctx, `DELETE FROM users WHERE id LIKE 'subtest-%'`)
	insertUser(t, db, "subtest-1", "a", "subtest-a@example.com", true, true)
	insertUser(t, db, "subtest-2", "b", "subtest-b@example.com", false, true) // unverified
	insertUser(t, db, "subtest-3", "c", "subtest-c@example.com", true, false) // unsubscribed

	emails, err := store.SubscribedVerifiedEmails(ctx)
	if err != nil {
		t.Fatalf("SubscribedVerifiedEmails: %v", err)
	}
	found := map[string]bool{}
	for _, e := range emails {
		found[e] = true
	}
	if !found["subtest-a@example.com"] {
		t.Errorf("verified subscriber missing from %v", emails)
	}
	if found["subtest-b@example.com"] || found["subtest-c@example.com"] {
		t.Errorf("unverified or unsubscribed address leaked into %v", emails)
	}
}

func TestDeleteSessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	_, _ = db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id LIKE 'deltest-%'`)
	_, _ = db.ExecContext(ctx, `DELETE FROM users WHERE id LIKE 'deltest-%'`)
	insertUser(t, db, "deltest-1", "d", "deltest@example.com", true, false)
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES ($1,$2,$3)`,
		"deltest-token", "deltest-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	if err := store.DeleteSessions(ctx, "deltest-1"); err != nil {
		t.Fatalf("DeleteSessions: %v", err)
	}
	if _, err := store.Verify(ctx, "deltest-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token survived DeleteSessions: %v", err)
	}
}
