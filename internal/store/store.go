package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/model"
)

var (
	// ErrNotFound is returned when a connection or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when the user already linked the address.
	ErrAlreadyExists = errors.New("already exists")
)

// ConnectionFilter narrows ListConnections. Zero values match everything.
type ConnectionFilter struct {
	UserID   *string
	Statuses []model.ConnectionStatus
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	ConnectionID string
	// Analyzed restricts to analyzed (true) or pending (false) messages.
	Analyzed *bool
	Limit    int
}

// Store defines the persistence interface for mailbox connections and the
// messages their scans discover.
type Store interface {
	// === Connections ===

	CreateConnection(ctx context.Context, conn *model.MailboxConnection) error
	GetConnection(ctx context.Context, id string) (*model.MailboxConnection, error)
	ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.MailboxConnection, error)
	// DeleteConnection removes the connection and its scanned messages.
	DeleteConnection(ctx context.Context, id string) error
	UpdateCredential(ctx context.Context, id, blob string) error

	// === Lifecycle (written only by the sync tracker) ===

	// BeginSync moves the connection to syncing unless it is already
	// syncing. It returns false when another scan holds the connection.
	BeginSync(ctx context.Context, id string) (bool, error)
	// CompleteSync marks a successful scan: connected, error cleared,
	// last_sync_at set.
	CompleteSync(ctx context.Context, id string, at time.Time) error
	// FailSync records a failed scan with the given terminal status.
	FailSync(ctx context.Context, id string, status model.ConnectionStatus, message string) error
	// ReleaseStaleSyncs moves connections stuck in syncing since before
	// cutoff to error and returns how many were released.
	ReleaseStaleSyncs(ctx context.Context, cutoff time.Time, message string) (int, error)

	// === Scanned messages ===

	// PersistMessages stores records not seen before for the connection and
	// recomputes emails_scanned. It returns how many rows were new.
	PersistMessages(ctx context.Context, connectionID string, records []model.MessageRecord) (int, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.ScannedMessage, error)
	// ListUnanalyzed returns pending messages across all connections,
	// oldest first.
	ListUnanalyzed(ctx context.Context, limit int) ([]model.ScannedMessage, error)
	// RecordClassification sets the verdict of a pending message and
	// recomputes opportunities_found. Already analyzed messages are left
	// untouched.
	RecordClassification(ctx context.Context, messageID string, result json.RawMessage, opportunityID *string) error

	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg model.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
