// Package moderation implements the message filtering pipeline: reputation
// fast path, link detection, breaker-guarded external toxicity scoring,
// cached rule matching with whitelist override, ban escalation, violation
// batching, and the user report path.
package moderation

import (
	"context"
	"log"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/strangerchat/chat-app/internal/bancache"
	"github.com/strangerchat/chat-app/internal/metrics"
	"github.com/strangerchat/chat-app/internal/ratelimit"
	"github.com/strangerchat/chat-app/internal/store"
)

// Rule severities.
const (
	SeverityLow    = 1
	SeverityMedium = 2
	SeverityHigh   = 3
)

// Violation tags for the built-in checks.
const (
	TagLink     = "link"
	TagToxicity = "toxicity"
	TagReports  = "reports"
	TagRepeat   = "repeat-violations"
)

// Config carries the pipeline's tunable thresholds. Zero values fall back to
// the defaults below.
type Config struct {
	BanDurationHigh   time.Duration // severity-3 ban length
	BanDurationMedium time.Duration // severity-2 and escalation ban length
	TrustedReputation int           // scores above this skip filtering
	ScoreMinRunes     int           // minimum text length for external scoring
	BlockScore        float64       // toxicity above this blocks
	ReviewScore       float64       // toxicity above this is queued for review
	AutoBanCount      int           // severity-1 violations inside the window that force a ban
	AutoBanWindow     time.Duration
	ReportBanCount    int // reports that trigger a ban
	ReportsPerHour    int // per-reporter limit
	RulesTTL          time.Duration
	FlushInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BanDurationHigh <= 0 {
		c.BanDurationHigh = 7 * 24 * time.Hour
	}
	if c.BanDurationMedium <= 0 {
		c.BanDurationMedium = 24 * time.Hour
	}
	if c.TrustedReputation <= 0 {
		c.TrustedReputation = 90
	}
	if c.ScoreMinRunes <= 0 {
		c.ScoreMinRunes = 5
	}
	if c.BlockScore <= 0 {
		c.BlockScore = 0.8
	}
	if c.ReviewScore <= 0 {
		c.ReviewScore = 0.6
	}
	if c.AutoBanCount <= 0 {
		c.AutoBanCount = 3
	}
	if c.AutoBanWindow <= 0 {
		c.AutoBanWindow = 24 * time.Hour
	}
	if c.ReportBanCount <= 0 {
		c.ReportBanCount = 5
	}
	if c.ReportsPerHour <= 0 {
		c.ReportsPerHour = 5
	}
	if c.RulesTTL <= 0 {
		c.RulesTTL = DefaultRulesTTL
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Result is the outcome of checking one message.
type Result struct {
	Blocked  bool
	RuleTag  string
	Severity int

	// Set when the check escalated into a ban. Disconnect tells the relay
	// to drop the sender after delivering the ban notice.
	Banned      bool
	BanDuration time.Duration
	Disconnect  bool

	// NewReputation is the sender's score after any penalty; valid when
	// ReputationChanged is set.
	NewReputation     int
	ReputationChanged bool
}

// Pipeline runs moderation for the relay and the report path.
type Pipeline struct {
	cfg     Config
	store   store.ModerationStore
	bans    *bancache.Cache
	scorer  Scorer
	breaker *Breaker
	rules   *ruleCache
	batcher *Batcher
	reports *ratelimit.Limiter
	now     func() time.Time

	reportRule ratelimit.Rule
}

// NewPipeline wires the pipeline. The scorer may be nil, in which case
// external scoring is skipped entirely.
func NewPipeline(cfg Config, st store.ModerationStore, bans *bancache.Cache, scorer Scorer) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		bans:    bans,
		scorer:  scorer,
		breaker: NewBreaker(),
		rules:   newRuleCache(st, cfg.RulesTTL),
		batcher: NewBatcher(st, cfg.FlushInterval),
		reports: ratelimit.NewLimiter(),
		now:     time.Now,
		reportRule: ratelimit.Rule{
			Key:    "report:",
			Limit:  cfg.ReportsPerHour,
			Window: time.Hour,
		},
	}
}

// Batcher exposes the violation batcher so the server can run its flush loop
// and force the final synchronous flush at shutdown.
func (p *Pipeline) Batcher() *Batcher { return p.batcher }

// BreakerState reports the scorer breaker state for health reporting.
func (p *Pipeline) BreakerState() string { return p.breaker.State() }

// SetClock overrides the pipeline's time source. Intended for tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
	p.reports.SetClock(now)
}

// CheckMessage filters one outbound message. reputation is the sender's
// cached score; identityHash keys all persistence. Escalation (bans,
// reputation penalties, violation recording) is applied here; the caller
// acts on the returned Result.
func (p *Pipeline) CheckMessage(ctx context.Context, identityHash string, reputation int, text string) Result {
	if reputation > p.cfg.TrustedReputation {
		return Result{}
	}

	if ContainsLink(text) {
		return p.escalate(ctx, identityHash, reputation, text, ruleMatch{tag: TagLink, severity: SeverityHigh})
	}

	if score, ok := p.scoreText(ctx, identityHash, text); ok && score > p.cfg.BlockScore {
		return p.escalate(ctx, identityHash, reputation, text, ruleMatch{tag: TagToxicity, severity: SeverityMedium})
	}

	if m, ok := p.rules.match(ctx, text); ok {
		return p.escalate(ctx, identityHash, reputation, text, m)
	}

	return Result{}
}

// scoreText runs the external scorer behind the breaker. Returns ok=false
// when scoring was skipped or failed; an unavailable scorer never blocks
// chat. Borderline scores are queued for review without blocking.
func (p *Pipeline) scoreText(ctx context.Context, identityHash, text string) (float64, bool) {
	if p.scorer == nil || utf8.RuneCountInString(text) <= p.cfg.ScoreMinRunes {
		return 0, false
	}
	if !p.breaker.Allow() {
		p.publishBreakerState()
		return 0, false
	}

	score, err := p.scorer.Score(ctx, text)
	if err != nil {
		p.breaker.RecordFailure()
		p.publishBreakerState()
		log.Printf("[moderation] scorer call failed: %v", err)
		return 0, false
	}
	p.breaker.RecordSuccess()
	p.publishBreakerState()

	if score >= p.cfg.ReviewScore && score <= p.cfg.BlockScore {
		item := store.ReviewItem{IdentityHash: identityHash, Text: text, Score: score}
		if err := p.store.InsertReviewItem(ctx, item); err != nil {
			log.Printf("[moderation] review insert failed: %v", err)
		}
	}
	return score, true
}

func (p *Pipeline) publishBreakerState() {
	switch p.breaker.State() {
	case BreakerClosed:
		metrics.ScorerBreakerState.Set(0)
	case BreakerHalfOpen:
		metrics.ScorerBreakerState.Set(1)
	case BreakerOpen:
		metrics.ScorerBreakerState.Set(2)
	}
}

// escalate applies the severity table to a blocked message.
func (p *Pipeline) escalate(ctx context.Context, identityHash string, reputation int, text string, m ruleMatch) Result {
	metrics.ViolationsTotal.WithLabelValues(strconv.Itoa(m.severity)).Inc()

	res := Result{Blocked: true, RuleTag: m.tag, Severity: m.severity}
	switch m.severity {
	case SeverityHigh:
		p.applyBan(ctx, &res, identityHash, reputation, m.tag, p.cfg.BanDurationHigh, -50, "filter")
	case SeverityMedium:
		p.applyBan(ctx, &res, identityHash, reputation, m.tag, p.cfg.BanDurationMedium, -30, "filter")
	case SeverityLow:
		now := p.now()
		p.batcher.Add(store.Violation{
			IdentityHash: identityHash,
			RuleMatched:  m.tag,
			RawText:      text,
			OccurredAt:   now,
		})
		if p.violationCount(ctx, identityHash, now) >= p.cfg.AutoBanCount {
			p.applyBan(ctx, &res, identityHash, reputation, TagRepeat, p.cfg.BanDurationMedium, -50, "escalation")
		}
	}
	return res
}

// violationCount combines persisted and still-queued violations inside the
// rolling window. The persisted read fails open to the queued count alone.
func (p *Pipeline) violationCount(ctx context.Context, identityHash string, now time.Time) int {
	since := now.Add(-p.cfg.AutoBanWindow)
	persisted, err := p.store.CountViolationsSince(ctx, identityHash, since)
	if err != nil {
		log.Printf("[moderation] violation count failed for %s: %v", identityHash, err)
		persisted = 0
	}
	return persisted + p.batcher.PendingFor(identityHash, since)
}

func (p *Pipeline) applyBan(ctx context.Context, res *Result, identityHash string, reputation int, reason string, duration time.Duration, penalty int, source string) {
	until := p.now().Add(duration)
	if err := p.bans.RecordBan(ctx, identityHash, until, reason); err != nil {
		log.Printf("[moderation] ban write failed for %s: %v", identityHash, err)
	}
	metrics.BansTotal.WithLabelValues(source).Inc()

	newScore, err := p.store.AdjustReputation(ctx, identityHash, penalty)
	if err != nil {
		log.Printf("[moderation] reputation update failed for %s: %v", identityHash, err)
		newScore = clampScore(reputation + penalty)
	}

	res.Banned = true
	res.BanDuration = duration
	res.Disconnect = true
	res.NewReputation = newScore
	res.ReputationChanged = true
	log.Printf("[moderation] banned %s for %s (%s), reputation %d", identityHash, duration, reason, newScore)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
