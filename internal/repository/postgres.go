package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel  = "flag_events"
	defaultEventBatchSize = 1000
	listenRetryDelay      = time.Second
)

const flagColumns = `project_id, key, description, status, rules, created_at, updated_at`

// PostgresRepository implements flag, API key, and event persistence backed by
// a pgxpool connection pool. It also supports LISTEN/NOTIFY for real-time
// cache invalidation.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel used for flag events.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned per
// [PostgresRepository.ListEventsSince] call. Non-positive values are ignored.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureProject creates the project row if it does not already exist.
func (r *PostgresRepository) EnsureProject(ctx context.Context, projectID string) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO projects (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, projectID); err != nil {
		return fmt.Errorf("ensure project: %w", err)
	}
	return nil
}

// CreateFlag inserts a new flag row and returns the created record with
// server-generated timestamps. The flag's project is created on demand.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	if err := r.EnsureProject(ctx, flag.ProjectID); err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (project_id, key, description, status, rules)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+flagColumns,
		flag.ProjectID,
		flag.Key,
		flag.Description,
		flag.Status,
		nullableJSON(flag.Rules),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag row identified by project_id and key and
// returns the updated record. Returns [ErrNotFound] (wrapped) if the flag does
// not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $3,
		    status = $4,
		    rules = $5,
		    updated_at = NOW()
		WHERE project_id = $1 AND key = $2
		RETURNING `+flagColumns,
		flag.ProjectID,
		flag.Key,
		flag.Description,
		flag.Status,
		nullableJSON(flag.Rules),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", notFound(err))
	}

	return updated, nil
}

// GetFlag retrieves a single flag by its project_id and key. Returns
// [ErrNotFound] (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, projectID, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE project_id = $1 AND key = $2
	`, projectID, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", notFound(err))
	}

	return flag, nil
}

// ListFlags returns all flags across all projects ordered by project_id and key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		ORDER BY project_id, key
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	return collectFlags(rows)
}

// ListFlagsByProject returns all flags for a specific project.
func (r *PostgresRepository) ListFlagsByProject(ctx context.Context, projectID string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE project_id = $1
		ORDER BY key
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list flags by project: %w", err)
	}

	return collectFlags(rows)
}

// DeleteFlag removes a flag by project_id and key. Returns [ErrNotFound]
// (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, projectID, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if err := deleteFlagNoRows(commandTag); err != nil {
		return err
	}

	return nil
}

// ValidateAPIKey returns the stored hash and project ID for a non-revoked key ID.
// Callers should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var projectID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, project_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &projectID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", notFound(err))
	}

	return keyHash, projectID, nil
}

// CreateAPIKey generates a new API key for the given project, storing a bcrypt
// hash of the secret. The raw secret is returned exactly once; it cannot be
// retrieved later. Clients authenticate with "keyID.secret".
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, projectID, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	if err := r.EnsureProject(ctx, projectID); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, project_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, projectID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys belonging to the
// given project. Secrets are never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, projectID string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, name, created_at
		FROM api_keys
		WHERE project_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns [ErrNotFound] (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, projectID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND project_id = $2 AND revoked_at IS NULL
	`, keyID, projectID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", ErrNotFound)
	}
	return nil
}

// ListEventsSince returns up to the configured batch size of flag events for
// the project with IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, project_id, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1 AND project_id = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, projectID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}

	return collectEvents(rows)
}

// ListEventsSinceForKey is [PostgresRepository.ListEventsSince] narrowed to a
// single flag key. Including projectID in the filter keeps events scoped when
// different projects reuse the same flag keys.
func (r *PostgresRepository) ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, project_id, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1
		  AND project_id = $2 AND flag_key = $3
		ORDER BY event_id
		LIMIT $4
	`, eventID, projectID, key, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for key: %w", err)
	}

	return collectEvents(rows)
}

// PublishFlagEvent inserts a flag event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishFlagEvent(ctx context.Context, event FlagEvent) (FlagEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var created FlagEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (project_id, flag_key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, project_id, flag_key, event_type, payload, created_at
	`,
		event.ProjectID,
		event.FlagKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.ProjectID,
		&created.FlagKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return FlagEvent{}, fmt.Errorf("insert flag event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return FlagEvent{}, fmt.Errorf("notify flag event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal whenever a
// flag event notification arrives on the PostgreSQL LISTEN channel. Lost
// connections are retried until ctx is done, at which point the channel is
// closed.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	// A reconnect may have missed notifications.
	signalInvalidation(invalidations)

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag event notification: %w", err)
		}

		signalInvalidation(invalidations)
	}
}

func signalInvalidation(invalidations chan<- struct{}) {
	select {
	case invalidations <- struct{}{}:
	default:
	}
}

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.ProjectID,
		&flag.Key,
		&flag.Description,
		&flag.Status,
		&flag.Rules,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

func collectFlags(rows pgx.Rows) ([]Flag, error) {
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

func collectEvents(rows pgx.Rows) ([]FlagEvent, error) {
	defer rows.Close()

	events := make([]FlagEvent, 0)
	for rows.Next() {
		var event FlagEvent
		if err := rows.Scan(
			&event.EventID,
			&event.ProjectID,
			&event.FlagKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// notFound tags pgx.ErrNoRows with ErrNotFound, keeping both in the chain.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func deleteFlagNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", notFound(pgx.ErrNoRows))
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

// nullableJSON maps an absent or null rule document to SQL NULL.
func nullableJSON(input json.RawMessage) any {
	if isNullJSON(input) {
		return nil
	}
	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event FlagEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		ProjectID string `json:"project_id"`
		FlagKey   string `json:"flag_key"`
		EventType string `json:"event_type"`
	}{
		ProjectID: event.ProjectID,
		FlagKey:   event.FlagKey,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
