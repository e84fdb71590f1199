package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Hasher derives anonymous identity hashes from originating addresses. The
// salt keeps raw addresses out of every log line and database row while
// keeping one address mapped to one stable key.
type Hasher struct {
	salt string
}

// NewHasher creates a Hasher with the given salt. The salt must stay stable
// across restarts or persisted bans stop matching returning identities.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// Hash returns the identity hash for an originating IP address.
func (h *Hasher) Hash(ip string) string {
	sum := sha256.Sum256([]byte(h.salt + ip))
	return hex.EncodeToString(sum[:])
}

// ClientIP extracts the originating IP for a request. Behind a proxy the
// first X-Forwarded-For entry is the client; otherwise the socket peer
// address is used.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
