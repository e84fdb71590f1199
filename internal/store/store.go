// Package store defines the ModerationStore interface consumed by the
// admission and moderation layers, and its PostgreSQL implementation. All
// moderation state that must outlive a session (bans, reports, violations,
// reputation, filter rules, blocked ranges) lives here; everything else in
// the system is in-process.
package store

import (
	"context"
	"time"
)

// DefaultReputation is the score assigned to identities with no record.
// It sits below the trusted fast-path gate so unknown identities are
// always filtered.
const DefaultReputation = 80

// BanStatus is the result of a ban lookup.
type BanStatus struct {
	Banned      bool
	BannedUntil time.Time
	Reason      string
}

// Remaining returns the time left on the ban at the given instant.
func (b BanStatus) Remaining(now time.Time) time.Duration {
	if !b.Banned || b.BannedUntil.Before(now) {
		return 0
	}
	return b.BannedUntil.Sub(now)
}

// FilterRule is one ordered moderation rule. Pattern is either a literal
// (case-insensitive substring) or a regular expression when IsRegex is set.
// Severity ranges 1-3.
type FilterRule struct {
	Pattern  string
	IsRegex  bool
	Severity int
}

// Violation is an append-only record of a filtered message.
type Violation struct {
	IdentityHash string
	RuleMatched  string
	RawText      string
	OccurredAt   time.Time
}

// ReviewItem is a message queued for human review (borderline toxicity).
type ReviewItem struct {
	IdentityHash string
	Text         string
	Score        float64
}

// ModerationStore is the persistence collaborator for admission control and
// the moderation pipeline. Implementations must be safe for concurrent use.
type ModerationStore interface {
	// GetBanStatus returns the current ban status for an identity hash.
	// An identity with no record is not banned.
	GetBanStatus(ctx context.Context, identityHash string) (BanStatus, error)

	// UpsertBan creates or extends a ban. The record's reportCount and
	// reputation are preserved.
	UpsertBan(ctx context.Context, identityHash string, until time.Time, reason string) error

	// UpsertReport increments the report counter for an identity, creating
	// the record at 1 if absent, and returns the new count.
	UpsertReport(ctx context.Context, identityHash string) (int, error)

	// GetReputation returns the identity's reputation score, or
	// DefaultReputation if no record exists.
	GetReputation(ctx context.Context, identityHash string) (int, error)

	// AdjustReputation adds delta (typically negative) to the identity's
	// reputation, clamped to [0,100], and returns the new score.
	AdjustReputation(ctx context.Context, identityHash string, delta int) (int, error)

	// InsertViolationBatch persists a batch of violations in one transaction.
	InsertViolationBatch(ctx context.Context, batch []Violation) error

	// CountViolationsSince returns the number of persisted violations for an
	// identity recorded after the given instant.
	CountViolationsSince(ctx context.Context, identityHash string, since time.Time) (int, error)

	// InsertReviewItem queues a borderline message for human review.
	InsertReviewItem(ctx context.Context, item ReviewItem) error

	// GetFilterRules returns the ordered rule list.
	GetFilterRules(ctx context.Context) ([]FilterRule, error)

	// GetWhitelist returns the allowed-phrase list.
	GetWhitelist(ctx context.Context) ([]string, error)

	// GetBannedRanges returns blocked CIDR ranges in string form.
	GetBannedRanges(ctx context.Context) ([]string, error)

	// GetBannedCountries returns blocked ISO country codes.
	GetBannedCountries(ctx context.Context) ([]string, error)

	// Close releases the underlying connection pool.
	Close() error
}
