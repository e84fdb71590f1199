package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strangerchat/chat-app/internal/bancache"
	"github.com/strangerchat/chat-app/internal/store"
)

// fakeStore is an in-memory ModerationStore for pipeline tests.
type fakeStore struct {
	mu         sync.Mutex
	bans       map[string]store.BanStatus
	reports    map[string]int
	reputation map[string]int
	violations []store.Violation
	reviews    []store.ReviewItem
	rules      []store.FilterRule
	whitelist  []string

	insertErr error // forced InsertViolationBatch failure
	countErr  error // forced CountViolationsSince failure
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bans:       make(map[string]store.BanStatus),
		reports:    make(map[string]int),
		reputation: make(map[string]int),
	}
}

func (f *fakeStore) GetBanStatus(_ context.Context, hash string) (store.BanStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bans[hash], nil
}

func (f *fakeStore) UpsertBan(_ context.Context, hash string, until time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[hash] = store.BanStatus{Banned: true, BannedUntil: until, Reason: reason}
	return nil
}

func (f *fakeStore) UpsertReport(_ context.Context, hash string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[hash]++
	return f.reports[hash], nil
}

func (f *fakeStore) GetReputation(_ context.Context, hash string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if score, ok := f.reputation[hash]; ok {
		return score, nil
	}
	return store.DefaultReputation, nil
}

func (f *fakeStore) AdjustReputation(_ context.Context, hash string, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.reputation[hash]
	if !ok {
		score = store.DefaultReputation
	}
	score += delta
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	f.reputation[hash] = score
	return score, nil
}

func (f *fakeStore) InsertViolationBatch(_ context.Context, batch []store.Violation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.violations = append(f.violations, batch...)
	return nil
}

func (f *fakeStore) CountViolationsSince(_ context.Context, hash string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	n := 0
	for _, v := range f.violations {
		if v.IdentityHash == hash && v.OccurredAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertReviewItem(_ context.Context, item store.ReviewItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, item)
	return nil
}

func (f *fakeStore) GetFilterRules(_ context.Context) ([]store.FilterRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules, nil
}

func (f *fakeStore) GetWhitelist(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whitelist, nil
}

func (f *fakeStore) GetBannedRanges(_ context.Context) ([]string, error)    { return nil, nil }
func (f *fakeStore) GetBannedCountries(_ context.Context) ([]string, error) { return nil, nil }
func (f *fakeStore) Close() error                                           { return nil }

// stubScorer returns a fixed score or error.
type stubScorer struct {
	score float64
	err   error
	calls int
}

func (s *stubScorer) Score(context.Context, string) (float64, error) {
	s.calls++
	return s.score, s.err
}

func newTestPipeline(fs *fakeStore, scorer Scorer) (*Pipeline, *bancache.Cache) {
	bans := bancache.New(fs, 0, 0)
	return NewPipeline(Config{}, fs, bans, scorer), bans
}

func TestCheckMessage_TrustedFastPath(t *testing.T) {
	fs := newFakeStore()
	fs.rules = []store.FilterRule{{Pattern: "badword", Severity: SeverityHigh}}
	p, _ := newTestPipeline(fs, nil)

	res := p.CheckMessage(context.Background(), "test_trusted", 95, "badword and spamlink.com")
	if res.Blocked {
		t.Error("reputation above the trusted gate must skip all filtering")
	}
}

func TestCheckMessage_LinkBan(t *testing.T) {
	fs := newFakeStore()
	p, bans := newTestPipeline(fs, nil)

	res := p.CheckMessage(context.Background(), "test_link", store.DefaultReputation, "visit spamlink.com now")
	if !res.Blocked || !res.Banned || !res.Disconnect {
		t.Fatalf("link message must block, ban, and disconnect; got %+v", res)
	}
	if res.RuleTag != TagLink || res.Severity != SeverityHigh {
		t.Errorf("got tag %q severity %d, want %q severity %d", res.RuleTag, res.Severity, TagLink, SeverityHigh)
	}
	if res.BanDuration != 7*24*time.Hour {
		t.Errorf("BanDuration = %s, want 168h", res.BanDuration)
	}
	if res.NewReputation != store.DefaultReputation-50 {
		t.Errorf("NewReputation = %d, want %d", res.NewReputation, store.DefaultReputation-50)
	}

	// Same-process writers see the ban immediately through the cache.
	status := bans.Get(context.Background(), "test_link")
	if !status.Banned {
		t.Error("ban must be visible through the cache right after the write")
	}
	remaining := status.Remaining(time.Now())
	if remaining < 7*24*time.Hour-time.Minute || remaining > 7*24*time.Hour {
		t.Errorf("ban remaining = %s, want about 7 days", remaining)
	}
}

func TestCheckMessage_ToxicityBlock(t *testing.T) {
	fs := newFakeStore()
	sc := &stubScorer{score: 0.95}
	p, _ := newTestPipeline(fs, sc)

	res := p.CheckMessage(context.Background(), "test_toxic", store.DefaultReputation, "some awful message")
	if !res.Blocked || res.RuleTag != TagToxicity || res.Severity != SeverityMedium {
		t.Fatalf("got %+v, want toxicity block at severity 2", res)
	}
	if res.BanDuration != 24*time.Hour {
		t.Errorf("BanDuration = %s, want 24h", res.BanDuration)
	}
	if res.NewReputation != store.DefaultReputation-30 {
		t.Errorf("NewReputation = %d, want %d", res.NewReputation, store.DefaultReputation-30)
	}
}

func TestCheckMessage_ReviewBandQueuesWithoutBlocking(t *testing.T) {
	fs := newFakeStore()
	sc := &stubScorer{score: 0.7}
	p, _ := newTestPipeline(fs, sc)

	res := p.CheckMessage(context.Background(), "test_review", store.DefaultReputation, "borderline message")
	if res.Blocked {
		t.Error("review-band score must not block")
	}
	if len(fs.reviews) != 1 {
		t.Fatalf("reviews queued = %d, want 1", len(fs.reviews))
	}
	if fs.reviews[0].Score != 0.7 || fs.reviews[0].IdentityHash != "test_review" {
		t.Errorf("queued review = %+v", fs.reviews[0])
	}
}

func TestCheckMessage_ShortTextSkipsScorer(t *testing.T) {
	fs := newFakeStore()
	sc := &stubScorer{score: 0.95}
	p, _ := newTestPipeline(fs, sc)

	res := p.CheckMessage(context.Background(), "test_short", store.DefaultReputation, "hi")
	if res.Blocked {
		t.Error("short text must not be scored")
	}
	if sc.calls != 0 {
		t.Errorf("scorer called %d times for short text, want 0", sc.calls)
	}
}

func TestCheckMessage_ScorerFailureFailsOpen(t *testing.T) {
	fs := newFakeStore()
	sc := &stubScorer{err: errors.New("scorer down")}
	p, _ := newTestPipeline(fs, sc)

	for i := 0; i < breakerFailureThreshold; i++ {
		res := p.CheckMessage(context.Background(), "test_open", store.DefaultReputation, "a perfectly normal message")
		if res.Blocked {
			t.Fatal("scorer failure must not block the message")
		}
	}
	if p.BreakerState() != BreakerOpen {
		t.Fatalf("breaker state = %q after %d failures, want open", p.BreakerState(), breakerFailureThreshold)
	}

	// While open the scorer is skipped entirely.
	calls := sc.calls
	p.CheckMessage(context.Background(), "test_open", store.DefaultReputation, "another normal message")
	if sc.calls != calls {
		t.Errorf("scorer called while breaker open (%d -> %d calls)", calls, sc.calls)
	}
}

func TestCheckMessage_RuleMatchFirstWins(t *testing.T) {
	fs := newFakeStore()
	fs.rules = []store.FilterRule{
		{Pattern: "badword", Severity: SeverityLow},
		{Pattern: "badw", Severity: SeverityHigh},
	}
	p, _ := newTestPipeline(fs, nil)

	res := p.CheckMessage(context.Background(), "test_first", store.DefaultReputation, "such a badword here")
	if !res.Blocked || res.Severity != SeverityLow || res.RuleTag != "badword" {
		t.Errorf("first matching rule must win; got %+v", res)
	}
}

func TestCheckMessage_RegexRule(t *testing.T) {
	fs := newFakeStore()
	fs.rules = []store.FilterRule{{Pattern: `b+a+d`, IsRegex: true, Severity: SeverityMedium}}
	p, _ := newTestPipeline(fs, nil)

	res := p.CheckMessage(context.Background(), "test_regex", store.DefaultReputation, "so BAAAD honestly")
	if !res.Blocked || res.Severity != SeverityMedium {
		t.Errorf("regex rule must match case-insensitively; got %+v", res)
	}
}

func TestCheckMessage_WhitelistOverride(t *testing.T) {
	fs := newFakeStore()
	fs.rules = []store.FilterRule{{Pattern: "ass", Severity: SeverityLow}}
	fs.whitelist = []string{"touching grass"}
	p, _ := newTestPipeline(fs, nil)

	if res := p.CheckMessage(context.Background(), "test_wl", store.DefaultReputation, "touching grass"); res.Blocked {
		t.Error("whitelisted phrase containing the match must pass")
	}
	if res := p.CheckMessage(context.Background(), "test_wl", store.DefaultReputation, "you ass"); !res.Blocked {
		t.Error("the bare substring must still be blocked")
	}
	// The phrase must actually appear in the message for the override.
	if res := p.CheckMessage(context.Background(), "test_wl", store.DefaultReputation, "nice grass, ass"); !res.Blocked {
		t.Error("override requires the whitelisted phrase itself, not its parts")
	}
}

func TestCheckMessage_SeverityOneEscalation(t *testing.T) {
	fs := newFakeStore()
	fs.rules = []store.FilterRule{{Pattern: "mild", Severity: SeverityLow}}
	p, _ := newTestPipeline(fs, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := p.CheckMessage(ctx, "test_esc", store.DefaultReputation, "mild insult")
		if !res.Blocked || res.Banned {
			t.Fatalf("violation %d: want blocked without ban, got %+v", i+1, res)
		}
	}

	res := p.CheckMessage(ctx, "test_esc", store.DefaultReputation, "mild insult")
	if !res.Banned || !res.Disconnect {
		t.Fatalf("third violation inside the window must ban; got %+v", res)
	}
	if res.BanDuration != 24*time.Hour {
		t.Errorf("BanDuration = %s, want 24h", res.BanDuration)
	}
	if res.NewReputation != store.DefaultReputation-50 {
		t.Errorf("NewReputation = %d, want %d", res.NewReputation, store.DefaultReputation-50)
	}
}

func TestCheckMessage_EscalationCountsPersistedViolations(t *testing.T) {
	fs := newFakeStore()
	fs.rules = []store.FilterRule{{Pattern: "mild", Severity: SeverityLow}}
	fs.violations = []store.Violation{
		{IdentityHash: "test_mix", OccurredAt: time.Now().Add(-time.Hour)},
		{IdentityHash: "test_mix", OccurredAt: time.Now().Add(-2 * time.Hour)},
		{IdentityHash: "test_mix", OccurredAt: time.Now().Add(-25 * time.Hour)}, // outside the window
	}
	p, _ := newTestPipeline(fs, nil)

	res := p.CheckMessage(context.Background(), "test_mix", store.DefaultReputation, "mild insult")
	if !res.Banned {
		t.Errorf("two persisted + one queued violation must ban; got %+v", res)
	}
}

func TestReportUser(t *testing.T) {
	fs := newFakeStore()
	p, bans := newTestPipeline(fs, nil)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		out, err := p.ReportUser(ctx, "reporter_"+string(rune('a'+i)), "test_reported")
		if err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
		if out.Limited || out.Banned {
			t.Fatalf("report %d: got %+v, want plain count", i, out)
		}
		if out.Count != i {
			t.Fatalf("report %d: count = %d", i, out.Count)
		}
	}

	out, err := p.ReportUser(ctx, "reporter_final", "test_reported")
	if err != nil {
		t.Fatalf("fifth report: %v", err)
	}
	if !out.Banned {
		t.Fatalf("fifth report must ban; got %+v", out)
	}
	if !bans.Get(ctx, "test_reported").Banned {
		t.Error("report ban must be visible through the cache")
	}
	// Reports never touch reputation.
	if score, _ := fs.GetReputation(ctx, "test_reported"); score != store.DefaultReputation {
		t.Errorf("reputation = %d after report ban, want untouched %d", score, store.DefaultReputation)
	}
}

func TestReportUser_ReporterRateLimited(t *testing.T) {
	fs := newFakeStore()
	p, _ := newTestPipeline(fs, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if out, _ := p.ReportUser(ctx, "test_reporter", "target"); out.Limited {
			t.Fatalf("report %d limited too early", i+1)
		}
	}
	out, err := p.ReportUser(ctx, "test_reporter", "target")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Limited {
		t.Error("sixth report within the hour must be limited")
	}
	if fs.reports["target"] != 5 {
		t.Errorf("recorded reports = %d, want 5", fs.reports["target"])
	}
}

func TestValidReason(t *testing.T) {
	for _, reason := range []string{"", ReasonSpam, ReasonHarassment, ReasonInappropriate, ReasonOther} {
		if !ValidReason(reason) {
			t.Errorf("ValidReason(%q) = false", reason)
		}
	}
	if ValidReason("because") {
		t.Error(`ValidReason("because") = true`)
	}
}
