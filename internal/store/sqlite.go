package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/refundscout/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps PRAGMAs and ":memory:" databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// connectionRow mirrors the mailbox_connections table.
type connectionRow struct {
	ID                  string         `db:"id"`
	UserID              string         `db:"user_id"`
	Provider            string         `db:"provider"`
	Email               string         `db:"email"`
	Host                string         `db:"host"`
	Port                int            `db:"port"`
	EncryptedCredential string         `db:"encrypted_credential"`
	Status              string         `db:"status"`
	LastSyncAt          sql.NullTime   `db:"last_sync_at"`
	EmailsScanned       int            `db:"emails_scanned"`
	OpportunitiesFound  int            `db:"opportunities_found"`
	LastError           sql.NullString `db:"last_error"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r connectionRow) toModel() model.MailboxConnection {
	c := model.MailboxConnection{
		ID:                  r.ID,
		UserID:              r.UserID,
		Provider:            r.Provider,
		Email:               r.Email,
		Host:                r.Host,
		Port:                r.Port,
		EncryptedCredential: r.EncryptedCredential,
		Status:              model.ConnectionStatus(r.Status),
		EmailsScanned:       r.EmailsScanned,
		OpportunitiesFound:  r.OpportunitiesFound,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.LastSyncAt.Valid {
		t := r.LastSyncAt.Time
		c.LastSyncAt = &t
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		c.LastError = &msg
	}
	return c
}

// messageRow mirrors the scanned_messages table.
type messageRow struct {
	ID                string         `db:"id"`
	ConnectionID      string         `db:"connection_id"`
	ProviderMessageID string         `db:"provider_message_id"`
	Subject           string         `db:"subject"`
	Sender            string         `db:"sender"`
	SenderDomain      string         `db:"sender_domain"`
	ReceivedAt        sql.NullTime   `db:"received_at"`
	Analyzed          bool           `db:"analyzed"`
	Classification    sql.NullString `db:"classification"`
	OpportunityID     sql.NullString `db:"opportunity_id"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r messageRow) toModel() model.ScannedMessage {
	m := model.ScannedMessage{
		ID:                r.ID,
		ConnectionID:      r.ConnectionID,
		ProviderMessageID: r.ProviderMessageID,
		Subject:           r.Subject,
		Sender:            r.Sender,
		SenderDomain:      r.SenderDomain,
		Analyzed:          r.Analyzed,
		CreatedAt:         r.CreatedAt,
	}
	if r.ReceivedAt.Valid {
		m.ReceivedAt = r.ReceivedAt.Time
	}
	if r.Classification.Valid {
		m.Classification = json.RawMessage(r.Classification.String)
	}
	if r.OpportunityID.Valid {
		id := r.OpportunityID.String
		m.OpportunityID = &id
	}
	return m
}

const connectionColumns = `id, user_id, provider, email, host, port, encrypted_credential,
	status, last_sync_at, emails_scanned, opportunities_found, last_error,
	created_at, updated_at`

const messageColumns = `id, connection_id, provider_message_id, subject, sender,
	sender_domain, received_at, analyzed, classification, opportunity_id, created_at`

// CreateConnection inserts a new connection. An empty ID or status is
// filled in; timestamps are set to now.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *model.MailboxConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.Status == "" {
		conn.Status = model.StatusConnected
	}
	now := time.Now().UTC()
	conn.CreatedAt, conn.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailbox_connections (
			id, user_id, provider, email, host, port, encrypted_credential,
			status, emails_scanned, opportunities_found, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		conn.ID, conn.UserID, conn.Provider, conn.Email, conn.Host, conn.Port,
		conn.EncryptedCredential, string(conn.Status), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating connection for %s: %w", conn.Email, ErrAlreadyExists)
		}
		return fmt.Errorf("creating connection for %s: %w", conn.Email, err)
	}
	return nil
}

// GetConnection retrieves a single connection by its ID.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*model.MailboxConnection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+connectionColumns+" FROM mailbox_connections WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting connection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection %s: %w", id, err)
	}
	c := row.toModel()
	return &c, nil
}

// ListConnections returns connections matching filter, oldest first.
func (s *SQLiteStore) ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.MailboxConnection, error) {
	var conditions []string
	var args []interface{}

	if filter.UserID != nil {
		conditions = append(conditions, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT " + connectionColumns + " FROM mailbox_connections"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, email"

	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}

	conns := make([]model.MailboxConnection, 0, len(rows))
	for _, r := range rows {
		conns = append(conns, r.toModel())
	}
	return conns, nil
}

// DeleteConnection removes a connection; its messages go with it.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM mailbox_connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting connection %s: %w", id, err)
	}
	return requireAffected(res, "deleting connection "+id)
}

// UpdateCredential replaces the stored credential blob.
func (s *SQLiteStore) UpdateCredential(ctx context.Context, id, blob string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE mailbox_connections SET encrypted_credential = ?, updated_at = ? WHERE id = ?",
		blob, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating credential for %s: %w", id, err)
	}
	return requireAffected(res, "updating credential for "+id)
}

// BeginSync flips the connection to syncing with a conditional update so
// two concurrent callers cannot both win.
func (s *SQLiteStore) BeginSync(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailbox_connections SET status = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(model.StatusSyncing), time.Now().UTC(), id, string(model.StatusSyncing),
	)
	if err != nil {
		return false, fmt.Errorf("beginning sync for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("beginning sync for %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetConnection(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CompleteSync records a successful scan.
func (s *SQLiteStore) CompleteSync(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailbox_connections
		SET status = ?, last_error = NULL, last_sync_at = ?, updated_at = ?
		WHERE id = ?`,
		string(model.StatusConnected), at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("completing sync for %s: %w", id, err)
	}
	return requireAffected(res, "completing sync for "+id)
}

// FailSync records a failed scan.
func (s *SQLiteStore) FailSync(ctx context.Context, id string, status model.ConnectionStatus, message string) error {
	if status != model.StatusError && status != model.StatusCredentialsExpired {
		return fmt.Errorf("failing sync for %s: invalid status %q", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailbox_connections SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), message, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failing sync for %s: %w", id, err)
	}
	return requireAffected(res, "failing sync for "+id)
}

// ReleaseStaleSyncs moves connections left in syncing by a crashed process
// to error. The age check runs in Go so it does not depend on how the
// driver serializes timestamps.
func (s *SQLiteStore) ReleaseStaleSyncs(ctx context.Context, cutoff time.Time, message string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var rows []struct {
		ID        string    `db:"id"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err = tx.SelectContext(ctx, &rows,
		"SELECT id, updated_at FROM mailbox_connections WHERE status = ?",
		string(model.StatusSyncing),
	)
	if err != nil {
		return 0, fmt.Errorf("querying syncing connections: %w", err)
	}

	released := 0
	now := time.Now().UTC()
	for _, r := range rows {
		if !r.UpdatedAt.Before(cutoff) {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE mailbox_connections SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(model.StatusError), message, now, r.ID, string(model.StatusSyncing),
		)
		if err != nil {
			return 0, fmt.Errorf("releasing connection %s: %w", r.ID, err)
		}
		released++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing release: %w", err)
	}
	return released, nil
}

// PersistMessages inserts records not yet stored for the connection and
// recomputes emails_scanned in the same transaction.
func (s *SQLiteStore) PersistMessages(ctx context.Context, connectionID string, records []model.MessageRecord) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM mailbox_connections WHERE id = ?", connectionID)
	if err != nil {
		return 0, fmt.Errorf("checking connection %s: %w", connectionID, err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("persisting messages for %s: %w", connectionID, ErrNotFound)
	}

	const query = `
		INSERT INTO scanned_messages (
			id, connection_id, provider_message_id,
			subject, sender, sender_domain, received_at,
			analyzed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (connection_id, provider_message_id) DO NOTHING`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	saved := 0
	now := time.Now().UTC()
	for _, r := range records {
		res, err := stmt.ExecContext(ctx,
			uuid.New().String(), connectionID, r.ProviderMessageID,
			r.Subject, r.Sender, r.SenderDomain, nullTime(r.ReceivedAt),
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting message %s: %w", r.ProviderMessageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("inserting message %s: %w", r.ProviderMessageID, err)
		}
		saved += int(n)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mailbox_connections
		SET emails_scanned = (SELECT COUNT(*) FROM scanned_messages WHERE connection_id = ?)
		WHERE id = ?`,
		connectionID, connectionID,
	)
	if err != nil {
		return 0, fmt.Errorf("recomputing emails_scanned for %s: %w", connectionID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing messages: %w", err)
	}
	return saved, nil
}

// ListMessages returns messages matching filter, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.ScannedMessage, error) {
	var conditions []string
	var args []interface{}

	if filter.ConnectionID != "" {
		conditions = append(conditions, "connection_id = ?")
		args = append(args, filter.ConnectionID)
	}
	if filter.Analyzed != nil {
		conditions = append(conditions, "analyzed = ?")
		args = append(args, boolToInt(*filter.Analyzed))
	}

	query := "SELECT " + messageColumns + " FROM scanned_messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, CAST(provider_message_id AS INTEGER)"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	msgs := make([]model.ScannedMessage, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}

// ListUnanalyzed returns up to limit pending messages across connections.
func (s *SQLiteStore) ListUnanalyzed(ctx context.Context, limit int) ([]model.ScannedMessage, error) {
	pending := false
	return s.ListMessages(ctx, MessageFilter{Analyzed: &pending, Limit: limit})
}

// RecordClassification stores the verdict of a pending message and
// recomputes opportunities_found for its connection.
func (s *SQLiteStore) RecordClassification(ctx context.Context, messageID string, result json.RawMessage, opportunityID *string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE scanned_messages SET analyzed = 1, classification = ?, opportunity_id = ?
		WHERE id = ? AND analyzed = 0`,
		nullString(string(result)), opportunityID, messageID,
	)
	if err != nil {
		return fmt.Errorf("recording classification for %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording classification for %s: %w", messageID, err)
	}

	var connectionID string
	err = tx.GetContext(ctx, &connectionID,
		"SELECT connection_id FROM scanned_messages WHERE id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("recording classification for %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up message %s: %w", messageID, err)
	}
	if n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mailbox_connections
		SET opportunities_found = (
			SELECT COUNT(*) FROM scanned_messages
			WHERE connection_id = ? AND opportunity_id IS NOT NULL
		)
		WHERE id = ?`,
		connectionID, connectionID,
	)
	if err != nil {
		return fmt.Errorf("recomputing opportunities_found for %s: %w", connectionID, err)
	}

	return tx.Commit()
}

// requireAffected maps a zero-row update or delete to ErrNotFound.
func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
