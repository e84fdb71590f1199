package moderation

import (
	"context"
	"log"

	"github.com/strangerchat/chat-app/internal/metrics"
)

// Report reasons accepted from clients.
const (
	ReasonSpam          = "spam"
	ReasonHarassment    = "harassment"
	ReasonInappropriate = "inappropriate"
	ReasonOther         = "other"
)

var validReasons = map[string]bool{
	ReasonSpam:          true,
	ReasonHarassment:    true,
	ReasonInappropriate: true,
	ReasonOther:         true,
}

// ValidReason reports whether the client-supplied report reason is one of the
// accepted values. An empty reason maps to "other".
func ValidReason(reason string) bool {
	return reason == "" || validReasons[reason]
}

// ReportOutcome is the result of one user report.
type ReportOutcome struct {
	// Limited is set when the reporter exceeded their hourly allowance;
	// the report was not recorded.
	Limited bool

	// Count is the reported identity's total report count after this one.
	Count int

	// Banned is set when the count reached the ban threshold. The ban has
	// already been written and the cache invalidated.
	Banned bool
}

// ReportUser records a report from reporterID against the partner's identity
// hash. Reaching the report threshold bans the reported identity for the
// medium duration without a reputation penalty; reports carry less signal
// than a filter match.
func (p *Pipeline) ReportUser(ctx context.Context, reporterID, reportedHash string) (ReportOutcome, error) {
	if !p.reports.Allow(reporterID, p.reportRule) {
		return ReportOutcome{Limited: true}, nil
	}

	count, err := p.store.UpsertReport(ctx, reportedHash)
	if err != nil {
		return ReportOutcome{}, err
	}

	out := ReportOutcome{Count: count}
	if count >= p.cfg.ReportBanCount {
		until := p.now().Add(p.cfg.BanDurationMedium)
		if err := p.bans.RecordBan(ctx, reportedHash, until, TagReports); err != nil {
			log.Printf("[moderation] report ban write failed for %s: %v", reportedHash, err)
			return out, err
		}
		metrics.BansTotal.WithLabelValues("reports").Inc()
		out.Banned = true
		log.Printf("[moderation] banned %s after %d reports", reportedHash, count)
	}
	return out, nil
}
