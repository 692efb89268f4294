package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/model"
)

const pgUniqueViolation = "23505"

// PostgresStore implements the Store interface on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPostgresStore connects to dsn, verifies the connection and applies
// pending migrations.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MaxConnIdleTime = time.Minute
	poolCfg.ConnConfig.Tracer = &slowQueryTracer{log: logger, threshold: 200 * time.Millisecond}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, log: logger}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("postgres store ready", zap.Int32("max_conns", poolCfg.MaxConns))
	return s, nil
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Truncate removes every connection and message. Integration tests call it
// between cases that share one database.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "TRUNCATE scanned_messages, mailbox_connections"); err != nil {
		return fmt.Errorf("truncating tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT to_regclass('schema_version') IS NOT NULL").Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	currentVersion := 0
	if exists {
		err = s.pool.QueryRow(ctx,
			"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range postgresMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.log.Info("applied migration", zap.Int("version", m.version))
	}
	return nil
}

const pgMessageColumns = `id, connection_id, provider_message_id, subject, sender,
	sender_domain, received_at, analyzed, classification::text AS classification,
	opportunity_id, created_at`

func (s *PostgresStore) CreateConnection(ctx context.Context, conn *model.MailboxConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.Status == "" {
		conn.Status = model.StatusConnected
	}
	now := time.Now().UTC()
	conn.CreatedAt, conn.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox_connections (
			id, user_id, provider, email, host, port, encrypted_credential,
			status, emails_scanned, opportunities_found, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $9)`,
		conn.ID, conn.UserID, conn.Provider, conn.Email, conn.Host, conn.Port,
		conn.EncryptedCredential, string(conn.Status), now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("creating connection for %s: %w", conn.Email, ErrAlreadyExists)
		}
		return fmt.Errorf("creating connection for %s: %w", conn.Email, err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*model.MailboxConnection, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+connectionColumns+" FROM mailbox_connections WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("getting connection %s: %w", id, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[connectionRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting connection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection %s: %w", id, err)
	}
	c := row.toModel()
	return &c, nil
}

func (s *PostgresStore) ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.MailboxConnection, error) {
	var conditions []string
	var args []any

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := "SELECT " + connectionColumns + " FROM mailbox_connections"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, email"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[connectionRow])
	if err != nil {
		return nil, fmt.Errorf("scanning connections: %w", err)
	}

	conns := make([]model.MailboxConnection, 0, len(list))
	for _, r := range list {
		conns = append(conns, r.toModel())
	}
	return conns, nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM mailbox_connections WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting connection %s: %w", id, err)
	}
	return pgRequireAffected(tag, "deleting connection "+id)
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, id, blob string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE mailbox_connections SET encrypted_credential = $1, updated_at = $2 WHERE id = $3",
		blob, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating credential for %s: %w", id, err)
	}
	return pgRequireAffected(tag, "updating credential for "+id)
}

func (s *PostgresStore) BeginSync(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections SET status = $1, updated_at = $2
		WHERE id = $3 AND status <> $1`,
		string(model.StatusSyncing), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("beginning sync for %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetConnection(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CompleteSync(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections
		SET status = $1, last_error = NULL, last_sync_at = $2, updated_at = $3
		WHERE id = $4`,
		string(model.StatusConnected), at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("completing sync for %s: %w", id, err)
	}
	return pgRequireAffected(tag, "completing sync for "+id)
}

func (s *PostgresStore) FailSync(ctx context.Context, id string, status model.ConnectionStatus, message string) error {
	if status != model.StatusError && status != model.StatusCredentialsExpired {
		return fmt.Errorf("failing sync for %s: invalid status %q", id, status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections SET status = $1, last_error = $2, updated_at = $3
		WHERE id = $4`,
		string(status), message, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failing sync for %s: %w", id, err)
	}
	return pgRequireAffected(tag, "failing sync for "+id)
}

func (s *PostgresStore) ReleaseStaleSyncs(ctx context.Context, cutoff time.Time, message string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections SET status = $1, last_error = $2, updated_at = $3
		WHERE status = $4 AND updated_at < $5`,
		string(model.StatusError), message, time.Now().UTC(),
		string(model.StatusSyncing), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("releasing stale syncs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PersistMessages(ctx context.Context, connectionID string, records []model.MessageRecord) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM mailbox_connections WHERE id = $1)", connectionID,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("checking connection %s: %w", connectionID, err)
	}
	if !exists {
		return 0, fmt.Errorf("persisting messages for %s: %w", connectionID, ErrNotFound)
	}

	saved := 0
	now := time.Now().UTC()
	for _, r := range records {
		tag, err := tx.Exec(ctx, `
			INSERT INTO scanned_messages (
				id, connection_id, provider_message_id,
				subject, sender, sender_domain, received_at,
				analyzed, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
			ON CONFLICT (connection_id, provider_message_id) DO NOTHING`,
			uuid.New().String(), connectionID, r.ProviderMessageID,
			r.Subject, r.Sender, r.SenderDomain, nullTime(r.ReceivedAt), now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting message %s: %w", r.ProviderMessageID, err)
		}
		saved += int(tag.RowsAffected())
	}

	_, err = tx.Exec(ctx, `
		UPDATE mailbox_connections
		SET emails_scanned = (SELECT COUNT(*) FROM scanned_messages WHERE connection_id = $1)
		WHERE id = $1`,
		connectionID,
	)
	if err != nil {
		return 0, fmt.Errorf("recomputing emails_scanned for %s: %w", connectionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing messages: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.ScannedMessage, error) {
	var conditions []string
	var args []any

	if filter.ConnectionID != "" {
		args = append(args, filter.ConnectionID)
		conditions = append(conditions, fmt.Sprintf("connection_id = $%d", len(args)))
	}
	if filter.Analyzed != nil {
		args = append(args, *filter.Analyzed)
		conditions = append(conditions, fmt.Sprintf("analyzed = $%d", len(args)))
	}

	query := "SELECT " + pgMessageColumns + " FROM scanned_messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, provider_message_id::bigint"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[messageRow])
	if err != nil {
		return nil, fmt.Errorf("scanning messages: %w", err)
	}

	msgs := make([]model.ScannedMessage, 0, len(list))
	for _, r := range list {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}

func (s *PostgresStore) ListUnanalyzed(ctx context.Context, limit int) ([]model.ScannedMessage, error) {
	pending := false
	return s.ListMessages(ctx, MessageFilter{Analyzed: &pending, Limit: limit})
}

func (s *PostgresStore) RecordClassification(ctx context.Context, messageID string, result json.RawMessage, opportunityID *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var connectionID string
	var analyzed bool
	err = tx.QueryRow(ctx,
		"SELECT connection_id, analyzed FROM scanned_messages WHERE id = $1 FOR UPDATE", messageID,
	).Scan(&connectionID, &analyzed)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("recording classification for %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up message %s: %w", messageID, err)
	}
	if analyzed {
		return nil
	}

	var payload *string
	if len(result) > 0 {
		p := string(result)
		payload = &p
	}
	_, err = tx.Exec(ctx, `
		UPDATE scanned_messages
		SET analyzed = TRUE, classification = $1::jsonb, opportunity_id = $2
		WHERE id = $3`,
		payload, opportunityID, messageID,
	)
	if err != nil {
		return fmt.Errorf("recording classification for %s: %w", messageID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE mailbox_connections
		SET opportunities_found = (
			SELECT COUNT(*) FROM scanned_messages
			WHERE connection_id = $1 AND opportunity_id IS NOT NULL
		)
		WHERE id = $1`,
		connectionID,
	)
	if err != nil {
		return fmt.Errorf("recomputing opportunities_found for %s: %w", connectionID, err)
	}

	return tx.Commit(ctx)
}

func pgRequireAffected(tag pgconn.CommandTag, op string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

type traceKey struct{}

type traceStart struct {
	at  time.Time
	sql string
}

// slowQueryTracer logs queries slower than threshold.
type slowQueryTracer struct {
	log       *zap.Logger
	threshold time.Duration
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{at: time.Now(), sql: data.SQL})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	took := time.Since(start.at)
	if took <= t.threshold {
		return
	}
	sql := strings.Join(strings.Fields(start.sql), " ")
	if len(sql) > 200 {
		sql = sql[:200] + "..."
	}
	t.log.Warn("slow query",
		zap.String("sql", sql),
		zap.Duration("took", took),
		zap.String("command_tag", data.CommandTag.String()),
	)
}
