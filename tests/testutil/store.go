package testutil

import (
	"context"
	"testing"

	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedConnection stores conn after filling the fields every row needs.
func SeedConnection(t *testing.T, s store.Store, conn model.MailboxConnection) *model.MailboxConnection {
	t.Helper()

	if conn.UserID == "" {
		conn.UserID = "user-1"
	}
	if conn.Provider == "" {
		conn.Provider = "custom"
	}
	if conn.Host == "" {
		conn.Host = "imap.example.com"
	}
	if conn.Port == 0 {
		conn.Port = 993
	}
	if conn.EncryptedCredential == "" {
		conn.EncryptedCredential = "placeholder"
	}
	if err := s.CreateConnection(context.Background(), &conn); err != nil {
		t.Fatalf("seeding connection %s: %v", conn.Email, err)
	}
	return &conn
}
