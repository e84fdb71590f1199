// Package gateway implements admission control for new connections: identity
// hashing, connection-rate limiting, ban and IP-range/country block checks,
// and the proof-of-work challenge that gates session creation.
package gateway

import (
	"context"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/strangerchat/chat-app/internal/bancache"
	"github.com/strangerchat/chat-app/internal/metrics"
	"github.com/strangerchat/chat-app/internal/ratelimit"
	"github.com/strangerchat/chat-app/internal/store"
)

// RejectReason classifies why a connection was refused before a session
// existed. Values double as the admission-rejection metric label.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectRateLimited    RejectReason = "rate_limited"
	RejectBanned         RejectReason = "banned"
	RejectRangeBlocked   RejectReason = "range_blocked"
	RejectCountryBlocked RejectReason = "country_blocked"
)

// GeoResolver maps an IP address to an ISO country code. A nil resolver
// disables country blocking.
type GeoResolver interface {
	Country(ip netip.Addr) string
}

// Config holds the gateway's tunables.
type Config struct {
	Salt              string
	ConnectionsLimit  int // connections per identity per window
	ConnectionsWindow time.Duration
	Difficulty        int
	ChallengeTimeout  time.Duration
	BlocklistTTL      time.Duration // reload interval for ranges/countries
}

func (c Config) withDefaults() Config {
	if c.ConnectionsLimit <= 0 {
		c.ConnectionsLimit = 10
	}
	if c.ConnectionsWindow <= 0 {
		c.ConnectionsWindow = 60 * time.Second
	}
	if c.Difficulty <= 0 {
		c.Difficulty = DefaultDifficulty
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = DefaultChallengeTimeout
	}
	if c.BlocklistTTL <= 0 {
		c.BlocklistTTL = 5 * time.Minute
	}
	return c
}

// Admission is the successful result of admitting a connection.
type Admission struct {
	IdentityHash string
	Reputation   int
	Challenge    Challenge
}

// Gateway runs once per new connection, before any session capability is
// granted.
type Gateway struct {
	cfg     Config
	hasher  *Hasher
	limiter *ratelimit.Limiter
	bans    *bancache.Cache
	store   store.ModerationStore
	geo     GeoResolver

	connRule ratelimit.Rule

	mu        sync.Mutex
	ranges    []netip.Prefix
	countries map[string]bool
	loadedAt  time.Time
	loaded    bool
}

// New wires a Gateway. geo may be nil to disable country blocking.
func New(cfg Config, st store.ModerationStore, bans *bancache.Cache, geo GeoResolver) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:     cfg,
		hasher:  NewHasher(cfg.Salt),
		limiter: ratelimit.NewLimiter(),
		bans:    bans,
		store:   st,
		geo:     geo,
		connRule: ratelimit.Rule{
			Key:    "conn:",
			Limit:  cfg.ConnectionsLimit,
			Window: cfg.ConnectionsWindow,
		},
	}
}

// ChallengeTimeout returns the configured proof-of-work deadline.
func (g *Gateway) ChallengeTimeout() time.Duration { return g.cfg.ChallengeTimeout }

// Admit runs the admission checks for a connection from ip. On pass it
// returns the identity hash, the identity's current reputation, and a fresh
// challenge for the session's challenging phase.
func (g *Gateway) Admit(ctx context.Context, ip string) (Admission, RejectReason) {
	identity := g.hasher.Hash(ip)

	if !g.limiter.Allow(identity, g.connRule) {
		return g.reject(identity, RejectRateLimited)
	}

	// Read-through ban lookup; store failures fail open inside the cache.
	if status := g.bans.Get(ctx, identity); status.Banned {
		return g.reject(identity, RejectBanned)
	}

	if addr, err := netip.ParseAddr(ip); err == nil {
		ranges, countries := g.blocklists(ctx)
		for _, prefix := range ranges {
			if prefix.Contains(addr) {
				return g.reject(identity, RejectRangeBlocked)
			}
		}
		if g.geo != nil && len(countries) > 0 {
			if country := g.geo.Country(addr); country != "" && countries[country] {
				return g.reject(identity, RejectCountryBlocked)
			}
		}
	}

	reputation, err := g.store.GetReputation(ctx, identity)
	if err != nil {
		log.Printf("[gateway] reputation lookup failed for %s: %v", identity, err)
		reputation = store.DefaultReputation
	}

	return Admission{
		IdentityHash: identity,
		Reputation:   reputation,
		Challenge:    NewChallenge(g.cfg.Difficulty),
	}, RejectNone
}

func (g *Gateway) reject(identity string, reason RejectReason) (Admission, RejectReason) {
	metrics.AdmissionRejections.WithLabelValues(string(reason)).Inc()
	log.Printf("[gateway] rejected %s: %s", identity, reason)
	return Admission{}, reason
}

// blocklists returns the parsed CIDR ranges and country set, reloading from
// the store when the TTL elapses. Reload failures keep the previous lists.
func (g *Gateway) blocklists(ctx context.Context) ([]netip.Prefix, map[string]bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loaded && time.Since(g.loadedAt) < g.cfg.BlocklistTTL {
		return g.ranges, g.countries
	}

	raw, err := g.store.GetBannedRanges(ctx)
	if err != nil {
		log.Printf("[gateway] range reload failed: %v (keeping previous set)", err)
		return g.ranges, g.countries
	}
	codes, err := g.store.GetBannedCountries(ctx)
	if err != nil {
		log.Printf("[gateway] country reload failed: %v (keeping previous set)", err)
		return g.ranges, g.countries
	}

	ranges := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			log.Printf("[gateway] skipping invalid CIDR %q: %v", s, err)
			continue
		}
		ranges = append(ranges, prefix)
	}

	countries := make(map[string]bool, len(codes))
	for _, c := range codes {
		countries[c] = true
	}

	g.ranges = ranges
	g.countries = countries
	g.loadedAt = time.Now()
	g.loaded = true
	return g.ranges, g.countries
}
