package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres implements ModerationStore on top of PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending schema migrations.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Postgres{db: db}, nil
}

// NewWithDB wraps an existing database handle without running migrations.
// Intended for tests.
func NewWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// GetBanStatus returns the ban status for an identity hash. The lookup is
// retried with backoff because it gates admission.
func (p *Postgres) GetBanStatus(ctx context.Context, identityHash string) (BanStatus, error) {
	const query = `
		SELECT banned_until, COALESCE(ban_reason, '')
		FROM ban_records
		WHERE identity_hash = $1`

	var status BanStatus
	err := withRetry(ctx, func() error {
		var until sql.NullTime
		var reason string
		err := p.db.QueryRowContext(ctx, query, identityHash).Scan(&until, &reason)
		if errors.Is(err, sql.ErrNoRows) {
			status = BanStatus{}
			return nil
		}
		if err != nil {
			return err
		}
		if until.Valid && until.Time.After(time.Now()) {
			status = BanStatus{Banned: true, BannedUntil: until.Time, Reason: reason}
		} else {
			status = BanStatus{}
		}
		return nil
	})
	if err != nil {
		return BanStatus{}, fmt.Errorf("store: get ban status: %w", err)
	}
	return status, nil
}

// UpsertBan creates or extends a ban for the identity, retried with backoff.
func (p *Postgres) UpsertBan(ctx context.Context, identityHash string, until time.Time, reason string) error {
	const query = `
		INSERT INTO ban_records (identity_hash, banned_until, ban_reason, reputation_score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_hash) DO UPDATE
		SET banned_until = EXCLUDED.banned_until,
		    ban_reason   = EXCLUDED.ban_reason,
		    updated_at   = NOW()`

	err := withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx, query, identityHash, until, reason, DefaultReputation)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert ban: %w", err)
	}
	return nil
}

// UpsertReport increments the report counter, creating the record at 1 if
// absent, and returns the new count. Retried with backoff.
func (p *Postgres) UpsertReport(ctx context.Context, identityHash string) (int, error) {
	const query = `
		INSERT INTO ban_records (identity_hash, report_count, reputation_score)
		VALUES ($1, 1, $2)
		ON CONFLICT (identity_hash) DO UPDATE
		SET report_count = ban_records.report_count + 1,
		    updated_at   = NOW()
		RETURNING report_count`

	var count int
	err := withRetry(ctx, func() error {
		return p.db.QueryRowContext(ctx, query, identityHash, DefaultReputation).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("store: upsert report: %w", err)
	}
	return count, nil
}

// GetReputation returns the identity's reputation score, or
// DefaultReputation when no record exists.
func (p *Postgres) GetReputation(ctx context.Context, identityHash string) (int, error) {
	const query = `SELECT reputation_score FROM ban_records WHERE identity_hash = $1`

	var score int
	err := p.db.QueryRowContext(ctx, query, identityHash).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultReputation, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get reputation: %w", err)
	}
	return score, nil
}

// AdjustReputation adds delta to the identity's reputation, clamped to
// [0,100], creating the record if needed. Returns the new score.
func (p *Postgres) AdjustReputation(ctx context.Context, identityHash string, delta int) (int, error) {
	const query = `
		INSERT INTO ban_records (identity_hash, reputation_score)
		VALUES ($1, GREATEST(0, LEAST(100, $2 + $3)))
		ON CONFLICT (identity_hash) DO UPDATE
		SET reputation_score = GREATEST(0, LEAST(100, ban_records.reputation_score + $3)),
		    updated_at       = NOW()
		RETURNING reputation_score`

	var score int
	err := withRetry(ctx, func() error {
		return p.db.QueryRowContext(ctx, query, identityHash, DefaultReputation, delta).Scan(&score)
	})
	if err != nil {
		return 0, fmt.Errorf("store: adjust reputation: %w", err)
	}
	return score, nil
}

// InsertViolationBatch persists a batch of violations inside a single
// transaction. The whole batch succeeds or fails together so the caller can
// re-queue it on failure.
func (p *Postgres) InsertViolationBatch(ctx context.Context, batch []Violation) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: violation batch begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO filter_violations (identity_hash, rule_matched, raw_text, created_at)
		VALUES ($1, $2, $3, $4)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("store: violation batch prepare: %w", err)
	}
	defer stmt.Close()

	for _, v := range batch {
		if _, err := stmt.ExecContext(ctx, v.IdentityHash, v.RuleMatched, v.RawText, v.OccurredAt); err != nil {
			return fmt.Errorf("store: violation batch insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: violation batch commit: %w", err)
	}
	return nil
}

// CountViolationsSince returns the number of violations for an identity
// recorded after the given instant.
func (p *Postgres) CountViolationsSince(ctx context.Context, identityHash string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM filter_violations
		WHERE identity_hash = $1 AND created_at >= $2`

	var count int
	if err := p.db.QueryRowContext(ctx, query, identityHash, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count violations: %w", err)
	}
	return count, nil
}

// InsertReviewItem queues a borderline message for human review.
func (p *Postgres) InsertReviewItem(ctx context.Context, item ReviewItem) error {
	const query = `
		INSERT INTO review_queue (identity_hash, text, score)
		VALUES ($1, $2, $3)`

	if _, err := p.db.ExecContext(ctx, query, item.IdentityHash, item.Text, item.Score); err != nil {
		return fmt.Errorf("store: insert review item: %w", err)
	}
	return nil
}

// GetFilterRules returns the rule list ordered by position.
func (p *Postgres) GetFilterRules(ctx context.Context) ([]FilterRule, error) {
	const query = `
		SELECT pattern, is_regex, severity
		FROM moderation_rules
		ORDER BY position ASC`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: get filter rules: %w", err)
	}
	defer rows.Close()

	var rules []FilterRule
	for rows.Next() {
		var r FilterRule
		if err := rows.Scan(&r.Pattern, &r.IsRegex, &r.Severity); err != nil {
			return nil, fmt.Errorf("store: scan filter rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetWhitelist returns the allowed-phrase list.
func (p *Postgres) GetWhitelist(ctx context.Context) ([]string, error) {
	return p.stringColumn(ctx, `SELECT phrase FROM whitelist_phrases`)
}

// GetBannedRanges returns blocked CIDR ranges.
func (p *Postgres) GetBannedRanges(ctx context.Context) ([]string, error) {
	return p.stringColumn(ctx, `SELECT cidr FROM banned_ranges`)
}

// GetBannedCountries returns blocked ISO country codes.
func (p *Postgres) GetBannedCountries(ctx context.Context) ([]string, error) {
	return p.stringColumn(ctx, `SELECT code FROM banned_countries`)
}

func (p *Postgres) stringColumn(ctx context.Context, query string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
