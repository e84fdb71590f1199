package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Scoring subjects and defaults shared by the server and the scorer sidecar.
const (
	// SubjectScore is the NATS request/reply subject for toxicity scoring.
	SubjectScore = "moderation.score"

	// DefaultScoreTimeout bounds one scoring round trip.
	DefaultScoreTimeout = 2 * time.Second
)

// ScoreRequest is the request payload sent to the scoring service.
type ScoreRequest struct {
	Text string `json:"text"`
}

// ScoreResponse is the scoring service's reply. Score is in [0,1]; higher
// means more toxic.
type ScoreResponse struct {
	Score float64 `json:"score"`
}

// Scorer rates message toxicity. Implementations may call out to an
// external service; callers guard them with a circuit breaker.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// NATSScorer scores messages by request/reply over NATS against the scorer
// sidecar.
type NATSScorer struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSScorer creates a scorer client on the given connection. Empty
// subject or zero timeout fall back to the defaults.
func NewNATSScorer(conn *nats.Conn, subject string, timeout time.Duration) *NATSScorer {
	if subject == "" {
		subject = SubjectScore
	}
	if timeout <= 0 {
		timeout = DefaultScoreTimeout
	}
	return &NATSScorer{conn: conn, subject: subject, timeout: timeout}
}

// Score sends the text to the scoring service and returns its toxicity
// score. Transport errors and timeouts are returned to the caller for the
// breaker to count.
func (s *NATSScorer) Score(ctx context.Context, text string) (float64, error) {
	data, err := json.Marshal(ScoreRequest{Text: text})
	if err != nil {
		return 0, fmt.Errorf("moderation: marshal score request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return 0, fmt.Errorf("moderation: score request: %w", err)
	}

	var resp ScoreResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return 0, fmt.Errorf("moderation: decode score response: %w", err)
	}
	return resp.Score, nil
}
