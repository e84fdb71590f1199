package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Proof-of-work defaults. The gate imposes asymmetric cost on mass-connecting
// bots; it is not an authentication scheme.
const (
	// DefaultDifficulty is the required number of trailing zero hex digits
	// in the candidate digest.
	DefaultDifficulty = 4

	// DefaultChallengeTimeout is how long a client has to submit a correct
	// candidate before forced disconnect.
	DefaultChallengeTimeout = 15 * time.Second

	// maxCandidateLen bounds submitted candidates. Anything longer is
	// malformed, rejected without consuming the challenge timer.
	maxCandidateLen = 128

	prefixBytes = 16
)

// Challenge is one outstanding proof-of-work puzzle. It exists only while
// its session is in the challenging state.
type Challenge struct {
	Prefix     string
	Difficulty int
	IssuedAt   time.Time
}

// NewChallenge issues a challenge with a random prefix.
func NewChallenge(difficulty int) Challenge {
	if difficulty <= 0 {
		difficulty = DefaultDifficulty
	}
	buf := make([]byte, prefixBytes)
	_, _ = rand.Read(buf)
	return Challenge{
		Prefix:     hex.EncodeToString(buf),
		Difficulty: difficulty,
		IssuedAt:   time.Now(),
	}
}

// Malformed reports whether a submitted candidate is structurally invalid.
// Malformed submissions are dropped without counting as a failed attempt.
func (c Challenge) Malformed(candidate string) bool {
	return candidate == "" || len(candidate) > maxCandidateLen
}

// Verify recomputes the digest of prefix+candidate and checks the
// trailing-zero condition.
func (c Challenge) Verify(candidate string) bool {
	sum := sha256.Sum256([]byte(c.Prefix + candidate))
	digest := hex.EncodeToString(sum[:])
	return strings.HasSuffix(digest, strings.Repeat("0", c.Difficulty))
}

// Solve brute-forces a valid candidate. It exists for tests; real clients
// solve challenges themselves.
func (c Challenge) Solve() string {
	for i := 0; ; i++ {
		candidate := "c" + hex.EncodeToString([]byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)})
		if c.Verify(candidate) {
			return candidate
		}
	}
}
