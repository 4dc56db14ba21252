package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// newPostgresWithDB wraps an already-open handle without migrating.
func newPostgresWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'free',
			subscription_status TEXT NOT NULL DEFAULT 'none',
			gateway_customer_id TEXT,
			gateway_subscription_id TEXT,
			period_start TIMESTAMPTZ,
			period_end TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			builds_used_this_period INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_customer ON profiles(gateway_customer_id) WHERE gateway_customer_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS mutation_locks (
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			client_key TEXT NOT NULL,
			owner TEXT NOT NULL,
			state TEXT NOT NULL,
			response BYTEA,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, user_id, client_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_locks_expires ON mutation_locks(expires_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'processed', 'failed')),
			version BIGINT NOT NULL DEFAULT 1,
			attempts INTEGER NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status, processed_at)`,
		`CREATE TABLE IF NOT EXISTS handoff_codes (
			code_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			ciphertext BYTEA NOT NULL,
			nonce BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			consumed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handoff_codes_expires ON handoff_codes(expires_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

// --- Profiles ---

func (s *PostgresStore) EnsureProfile(ctx context.Context, userID, email string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, email, tier, subscription_status, created_at, updated_at)
		 VALUES ($1, $2, 'free', 'none', $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, email, now,
	)
	return err
}

const pgProfileColumns = `user_id, email, tier, subscription_status, gateway_customer_id, gateway_subscription_id,
	period_start, period_end, cancel_at_period_end, builds_used_this_period, created_at, updated_at`

func scanPostgresProfile(row *sql.Row) (*Profile, error) {
	var (
		p                      Profile
		customerID, subID      sql.NullString
		periodStart, periodEnd sql.NullTime
	)
	err := row.Scan(&p.UserID, &p.Email, &p.Tier, &p.SubscriptionStatus, &customerID, &subID,
		&periodStart, &periodEnd, &p.CancelAtPeriodEnd, &p.BuildsUsedThisPeriod, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.GatewayCustomerID = customerID.String
	p.GatewaySubscriptionID = subID.String
	p.PeriodStart = fromNullTime(periodStart)
	p.PeriodEnd = fromNullTime(periodEnd)
	return &p, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return scanPostgresProfile(s.db.QueryRowContext(ctx,
		"SELECT "+pgProfileColumns+" FROM profiles WHERE user_id = $1", userID))
}

func (s *PostgresStore) GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	return scanPostgresProfile(s.db.QueryRowContext(ctx,
		"SELECT "+pgProfileColumns+" FROM profiles WHERE gateway_customer_id = $1", customerID))
}

func (s *PostgresStore) LinkGatewayCustomer(ctx context.Context, userID, customerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET gateway_customer_id = $1, updated_at = $2
		 WHERE user_id = $3 AND (gateway_customer_id IS NULL OR gateway_customer_id = $1)`,
		customerID, now, userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const pgApplySubscription = `UPDATE profiles SET
	tier = COALESCE(NULLIF($1, ''), tier),
	subscription_status = $2,
	gateway_subscription_id = COALESCE(NULLIF($3, ''), gateway_subscription_id),
	cancel_at_period_end = $4,
	builds_used_this_period = CASE WHEN $5::timestamptz IS NOT NULL AND (period_start IS NULL OR $5::timestamptz > period_start)
		THEN 0 ELSE builds_used_this_period END,
	period_end = CASE WHEN $5::timestamptz IS NOT NULL AND (period_start IS NULL OR $5::timestamptz >= period_start)
		THEN $6::timestamptz ELSE period_end END,
	period_start = CASE WHEN $5::timestamptz IS NOT NULL AND (period_start IS NULL OR $5::timestamptz >= period_start)
		THEN $5::timestamptz ELSE period_start END,
	updated_at = $7
 WHERE `

func (s *PostgresStore) ApplySubscription(ctx context.Context, ref ProfileRef, upd SubscriptionUpdate, now time.Time) (bool, error) {
	query, key := pgApplySubscription+"user_id = $8", ref.UserID
	if ref.UserID == "" {
		query, key = pgApplySubscription+"gateway_customer_id = $8", ref.CustomerID
	}
	res, err := s.db.ExecContext(ctx, query,
		upd.Tier, upd.Status, upd.SubscriptionID, upd.CancelAtPeriodEnd,
		nullTime(upd.PeriodStart), nullTime(upd.PeriodEnd), now, key,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) CancelSubscription(ctx context.Context, customerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET tier = 'free', subscription_status = 'canceled', gateway_subscription_id = NULL,
			period_start = NULL, period_end = NULL, cancel_at_period_end = FALSE, builds_used_this_period = 0,
			updated_at = $1
		 WHERE gateway_customer_id = $2`,
		now, customerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) SetSubscriptionStatus(ctx context.Context, customerID, status string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET subscription_status = $1, updated_at = $2 WHERE gateway_customer_id = $3",
		status, now, customerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Mutation locks ---

func (s *PostgresStore) ClaimMutationLock(ctx context.Context, lock *MutationLock, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mutation_locks (scope, user_id, client_key, owner, state, response, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, 'in_flight', NULL, $5, $6)
		 ON CONFLICT (scope, user_id, client_key) DO UPDATE SET
			owner = EXCLUDED.owner, state = 'in_flight', response = NULL,
			expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
		 WHERE mutation_locks.expires_at <= $6`,
		lock.Scope, lock.UserID, lock.ClientKey, lock.Owner, lock.ExpiresAt, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) GetMutationLock(ctx context.Context, scope, userID, clientKey string) (*MutationLock, error) {
	var l MutationLock
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, user_id, client_key, owner, state, response, expires_at, created_at
		 FROM mutation_locks WHERE scope = $1 AND user_id = $2 AND client_key = $3`,
		scope, userID, clientKey,
	).Scan(&l.Scope, &l.UserID, &l.ClientKey, &l.Owner, &l.State, &l.Response, &l.ExpiresAt, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) CompleteMutationLock(ctx context.Context, scope, userID, clientKey, owner string, response []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutation_locks SET state = 'completed', response = $1
		 WHERE scope = $2 AND user_id = $3 AND client_key = $4 AND owner = $5 AND state = 'in_flight'`,
		response, scope, userID, clientKey, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) ReleaseMutationLock(ctx context.Context, scope, userID, clientKey, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutation_locks
		 WHERE scope = $1 AND user_id = $2 AND client_key = $3 AND owner = $4 AND state = 'in_flight'`,
		scope, userID, clientKey, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) DeleteExpiredMutationLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM mutation_locks WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Webhook events ---

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, status, version, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, string(ev.Status), ev.Version, ev.Attempts, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var (
		ev          WebhookEvent
		status      string
		processedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, status, version, attempts, last_error, created_at, updated_at, processed_at
		 FROM webhook_events WHERE event_id = $1`, eventID,
	).Scan(&ev.EventID, &ev.EventType, &status, &ev.Version, &ev.Attempts, &ev.LastError,
		&ev.CreatedAt, &ev.UpdatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Status = EventStatus(status)
	ev.ProcessedAt = fromNullTime(processedAt)
	return &ev, nil
}

func (s *PostgresStore) TransitionWebhookEvent(ctx context.Context, t EventTransition) (bool, error) {
	var processedAt any
	if t.To == EventProcessed {
		processedAt = t.At
	}
	attempt := 0
	if t.To == EventPending {
		attempt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = $1, version = version + 1, updated_at = $2,
			attempts = attempts + $3, last_error = $4, processed_at = COALESCE($5::timestamptz, processed_at)
		 WHERE event_id = $6 AND status = $7 AND version = $8`,
		string(t.To), t.At, attempt, t.LastError, processedAt,
		t.EventID, string(t.From), t.Version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) DeleteProcessedWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE status = 'processed' AND processed_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Handoff codes ---

func (s *PostgresStore) InsertHandoffCode(ctx context.Context, code *HandoffCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handoff_codes (code_hash, user_id, ciphertext, nonce, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		code.CodeHash, code.UserID, code.Ciphertext, code.Nonce, code.ExpiresAt, code.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ConsumeHandoffCode(ctx context.Context, codeHash string, now time.Time) (*HandoffCode, error) {
	var c HandoffCode
	err := s.db.QueryRowContext(ctx,
		`UPDATE handoff_codes SET consumed_at = $1
		 WHERE code_hash = $2 AND consumed_at IS NULL AND expires_at > $1
		 RETURNING code_hash, user_id, ciphertext, nonce, expires_at, created_at`,
		now, codeHash,
	).Scan(&c.CodeHash, &c.UserID, &c.Ciphertext, &c.Nonce, &c.ExpiresAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyHandoffMiss(ctx, codeHash, now)
	}
	if err != nil {
		return nil, err
	}
	consumed := now.UTC()
	c.ConsumedAt = &consumed
	return &c, nil
}

func (s *PostgresStore) classifyHandoffMiss(ctx context.Context, codeHash string, now time.Time) error {
	var (
		expiresAt  time.Time
		consumedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT expires_at, consumed_at FROM handoff_codes WHERE code_hash = $1", codeHash,
	).Scan(&expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return classifyHandoff(expiresAt, consumedAt.Valid, now)
}

func (s *PostgresStore) DeleteExpiredHandoffCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM handoff_codes WHERE expires_at <= $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Health / lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
