package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
//
// Timestamps are stored as unix milliseconds so that range predicates in SQL compare
// numerically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Each ":memory:" store gets its own named shared-cache database so that
	// stores opened in the same process never see each other's rows.
	if dsn == ":memory:" {
		dsn = "file:billing-" + uuid.NewString() + "?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection keeps conditional updates from
	// failing with SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'free',
			subscription_status TEXT NOT NULL DEFAULT 'none',
			gateway_customer_id TEXT,
			gateway_subscription_id TEXT,
			period_start INTEGER,
			period_end INTEGER,
			cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
			builds_used_this_period INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_customer ON profiles(gateway_customer_id) WHERE gateway_customer_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS mutation_locks (
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			client_key TEXT NOT NULL,
			owner TEXT NOT NULL,
			state TEXT NOT NULL,
			response BLOB,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (scope, user_id, client_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_locks_expires ON mutation_locks(expires_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			attempts INTEGER NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			processed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status, processed_at)`,
		`CREATE TABLE IF NOT EXISTS handoff_codes (
			code_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			consumed_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handoff_codes_expires ON handoff_codes(expires_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return s.addColumnIfNotExists("profiles", "email", "TEXT NOT NULL DEFAULT ''")
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// --- Profiles ---

func (s *SQLiteStore) EnsureProfile(ctx context.Context, userID, email string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, email, tier, subscription_status, created_at, updated_at)
		 VALUES (?, ?, 'free', 'none', ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, email, toMillis(now), toMillis(now),
	)
	return err
}

const sqliteProfileColumns = `user_id, email, tier, subscription_status, gateway_customer_id, gateway_subscription_id,
	period_start, period_end, cancel_at_period_end, builds_used_this_period, created_at, updated_at`

func scanSQLiteProfile(row *sql.Row) (*Profile, error) {
	var (
		p                      Profile
		customerID, subID      sql.NullString
		periodStart, periodEnd sql.NullInt64
		cancel                 int
		createdAt, updatedAt   int64
	)
	err := row.Scan(&p.UserID, &p.Email, &p.Tier, &p.SubscriptionStatus, &customerID, &subID,
		&periodStart, &periodEnd, &cancel, &p.BuildsUsedThisPeriod, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.GatewayCustomerID = customerID.String
	p.GatewaySubscriptionID = subID.String
	p.PeriodStart = fromNullMillis(periodStart)
	p.PeriodEnd = fromNullMillis(periodEnd)
	p.CancelAtPeriodEnd = cancel != 0
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return scanSQLiteProfile(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteProfileColumns+" FROM profiles WHERE user_id = ?", userID))
}

func (s *SQLiteStore) GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	return scanSQLiteProfile(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteProfileColumns+" FROM profiles WHERE gateway_customer_id = ?", customerID))
}

// LinkGatewayCustomer sets the profile's gateway customer id only if none is set yet.
// It reports true when the profile now carries customerID.
func (s *SQLiteStore) LinkGatewayCustomer(ctx context.Context, userID, customerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET gateway_customer_id = ?, updated_at = ?
		 WHERE user_id = ? AND (gateway_customer_id IS NULL OR gateway_customer_id = ?)`,
		customerID, toMillis(now), userID, customerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ApplySubscription(ctx context.Context, ref ProfileRef, upd SubscriptionUpdate, now time.Time) (bool, error) {
	where, key := "user_id = ?", ref.UserID
	if ref.UserID == "" {
		where, key = "gateway_customer_id = ?", ref.CustomerID
	}
	ps := nullMillis(upd.PeriodStart)
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET
			tier = COALESCE(NULLIF(?, ''), tier),
			subscription_status = ?,
			gateway_subscription_id = COALESCE(NULLIF(?, ''), gateway_subscription_id),
			cancel_at_period_end = ?,
			builds_used_this_period = CASE WHEN ? IS NOT NULL AND (period_start IS NULL OR ? > period_start)
				THEN 0 ELSE builds_used_this_period END,
			period_end = CASE WHEN ? IS NOT NULL AND (period_start IS NULL OR ? >= period_start)
				THEN ? ELSE period_end END,
			period_start = CASE WHEN ? IS NOT NULL AND (period_start IS NULL OR ? >= period_start)
				THEN ? ELSE period_start END,
			updated_at = ?
		 WHERE `+where,
		upd.Tier, upd.Status, upd.SubscriptionID, upd.CancelAtPeriodEnd,
		ps, ps,
		ps, ps, nullMillis(upd.PeriodEnd),
		ps, ps, ps,
		toMillis(now), key,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) CancelSubscription(ctx context.Context, customerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET tier = 'free', subscription_status = 'canceled', gateway_subscription_id = NULL,
			period_start = NULL, period_end = NULL, cancel_at_period_end = 0, builds_used_this_period = 0,
			updated_at = ?
		 WHERE gateway_customer_id = ?`,
		toMillis(now), customerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) SetSubscriptionStatus(ctx context.Context, customerID, status string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET subscription_status = ?, updated_at = ? WHERE gateway_customer_id = ?",
		status, toMillis(now), customerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Mutation locks ---

// ClaimMutationLock inserts the lock, or takes over an existing row whose TTL has elapsed.
func (s *SQLiteStore) ClaimMutationLock(ctx context.Context, lock *MutationLock, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mutation_locks (scope, user_id, client_key, owner, state, response, expires_at, created_at)
		 VALUES (?, ?, ?, ?, 'in_flight', NULL, ?, ?)
		 ON CONFLICT (scope, user_id, client_key) DO UPDATE SET
			owner = excluded.owner, state = 'in_flight', response = NULL,
			expires_at = excluded.expires_at, created_at = excluded.created_at
		 WHERE mutation_locks.expires_at <= ?`,
		lock.Scope, lock.UserID, lock.ClientKey, lock.Owner,
		toMillis(lock.ExpiresAt), toMillis(now), toMillis(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) GetMutationLock(ctx context.Context, scope, userID, clientKey string) (*MutationLock, error) {
	var (
		l                    MutationLock
		expiresAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, user_id, client_key, owner, state, response, expires_at, created_at
		 FROM mutation_locks WHERE scope = ? AND user_id = ? AND client_key = ?`,
		scope, userID, clientKey,
	).Scan(&l.Scope, &l.UserID, &l.ClientKey, &l.Owner, &l.State, &l.Response, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = fromMillis(expiresAt)
	l.CreatedAt = fromMillis(createdAt)
	return &l, nil
}

func (s *SQLiteStore) CompleteMutationLock(ctx context.Context, scope, userID, clientKey, owner string, response []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutation_locks SET state = 'completed', response = ?
		 WHERE scope = ? AND user_id = ? AND client_key = ? AND owner = ? AND state = 'in_flight'`,
		response, scope, userID, clientKey, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ReleaseMutationLock(ctx context.Context, scope, userID, clientKey, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutation_locks
		 WHERE scope = ? AND user_id = ? AND client_key = ? AND owner = ? AND state = 'in_flight'`,
		scope, userID, clientKey, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) DeleteExpiredMutationLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM mutation_locks WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Webhook events ---

func (s *SQLiteStore) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, status, version, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, string(ev.Status), ev.Version, ev.Attempts,
		toMillis(ev.CreatedAt), toMillis(ev.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var (
		ev                   WebhookEvent
		status               string
		createdAt, updatedAt int64
		processedAt          sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_type, status, version, attempts, last_error, created_at, updated_at, processed_at
		 FROM webhook_events WHERE event_id = ?`, eventID,
	).Scan(&ev.EventID, &ev.EventType, &status, &ev.Version, &ev.Attempts, &ev.LastError,
		&createdAt, &updatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Status = EventStatus(status)
	ev.CreatedAt = fromMillis(createdAt)
	ev.UpdatedAt = fromMillis(updatedAt)
	ev.ProcessedAt = fromNullMillis(processedAt)
	return &ev, nil
}

func (s *SQLiteStore) TransitionWebhookEvent(ctx context.Context, t EventTransition) (bool, error) {
	var processedAt any
	if t.To == EventProcessed {
		processedAt = toMillis(t.At)
	}
	attempt := 0
	if t.To == EventPending {
		attempt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = ?, version = version + 1, updated_at = ?,
			attempts = attempts + ?, last_error = ?, processed_at = COALESCE(?, processed_at)
		 WHERE event_id = ? AND status = ? AND version = ?`,
		string(t.To), toMillis(t.At), attempt, t.LastError, processedAt,
		t.EventID, string(t.From), t.Version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) DeleteProcessedWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE status = 'processed' AND processed_at < ?", toMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Handoff codes ---

func (s *SQLiteStore) InsertHandoffCode(ctx context.Context, code *HandoffCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handoff_codes (code_hash, user_id, ciphertext, nonce, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		code.CodeHash, code.UserID, code.Ciphertext, code.Nonce, toMillis(code.ExpiresAt), toMillis(code.CreatedAt),
	)
	return err
}

// ConsumeHandoffCode atomically marks an unexpired, unconsumed code as consumed and
// returns it. Exactly one concurrent caller can succeed for a given hash.
func (s *SQLiteStore) ConsumeHandoffCode(ctx context.Context, codeHash string, now time.Time) (*HandoffCode, error) {
	var (
		c                    HandoffCode
		expiresAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE handoff_codes SET consumed_at = ?
		 WHERE code_hash = ? AND consumed_at IS NULL AND expires_at > ?
		 RETURNING code_hash, user_id, ciphertext, nonce, expires_at, created_at`,
		toMillis(now), codeHash, toMillis(now),
	).Scan(&c.CodeHash, &c.UserID, &c.Ciphertext, &c.Nonce, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyHandoffMiss(ctx, codeHash, now)
	}
	if err != nil {
		return nil, err
	}
	consumed := now.UTC()
	c.ExpiresAt = fromMillis(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	c.ConsumedAt = &consumed
	return &c, nil
}

func (s *SQLiteStore) classifyHandoffMiss(ctx context.Context, codeHash string, now time.Time) error {
	var (
		expiresAt  int64
		consumedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT expires_at, consumed_at FROM handoff_codes WHERE code_hash = ?", codeHash,
	).Scan(&expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return classifyHandoff(fromMillis(expiresAt), consumedAt.Valid, now)
}

// classifyHandoff orders expiry before consumption: an expired code reads as expired
// even if it was consumed earlier.
func classifyHandoff(expiresAt time.Time, consumed bool, now time.Time) error {
	if !now.Before(expiresAt) {
		return ErrHandoffExpired
	}
	if consumed {
		return ErrHandoffConsumed
	}
	return ErrNotFound
}

func (s *SQLiteStore) DeleteExpiredHandoffCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM handoff_codes WHERE expires_at <= ?", toMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Health / lifecycle ---

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
