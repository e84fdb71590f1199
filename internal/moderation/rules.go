package moderation

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/strangerchat/chat-app/internal/store"
)

// DefaultRulesTTL is how long a loaded rule list stays valid before the next
// check reloads it from the store.
const DefaultRulesTTL = 5 * time.Minute

// compiledRule is one filter rule ready for matching. Literal patterns are
// lowered once; regex patterns are compiled once at load.
type compiledRule struct {
	pattern  string
	literal  string // lowercase pattern, empty for regex rules
	re       *regexp.Regexp
	severity int
}

// ruleMatch is the result of a successful rule match.
type ruleMatch struct {
	tag      string // the rule's pattern, used as the violation tag
	matched  string // the substring of the message that matched
	severity int
}

// ruleCache holds the ordered rule list and whitelist, reloaded from the
// store when the TTL elapses. A failed reload keeps serving the previous
// snapshot rather than dropping filtering entirely.
type ruleCache struct {
	store store.ModerationStore
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	rules     []compiledRule
	whitelist []string // lowercase phrases
	loadedAt  time.Time
	loaded    bool
}

func newRuleCache(st store.ModerationStore, ttl time.Duration) *ruleCache {
	if ttl <= 0 {
		ttl = DefaultRulesTTL
	}
	return &ruleCache{store: st, ttl: ttl, now: time.Now}
}

// snapshot returns the current rules and whitelist, reloading from the store
// if the TTL has elapsed.
func (c *ruleCache) snapshot(ctx context.Context) ([]compiledRule, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && c.now().Sub(c.loadedAt) < c.ttl {
		return c.rules, c.whitelist
	}

	raw, err := c.store.GetFilterRules(ctx)
	if err != nil {
		log.Printf("[moderation] rule reload failed: %v (keeping previous set)", err)
		return c.rules, c.whitelist
	}
	phrases, err := c.store.GetWhitelist(ctx)
	if err != nil {
		log.Printf("[moderation] whitelist reload failed: %v (keeping previous set)", err)
		return c.rules, c.whitelist
	}

	rules := make([]compiledRule, 0, len(raw))
	for _, r := range raw {
		cr := compiledRule{pattern: r.Pattern, severity: r.Severity}
		if r.IsRegex {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				log.Printf("[moderation] skipping invalid rule pattern %q: %v", r.Pattern, err)
				continue
			}
			cr.re = re
		} else {
			cr.literal = strings.ToLower(r.Pattern)
		}
		rules = append(rules, cr)
	}

	whitelist := make([]string, len(phrases))
	for i, p := range phrases {
		whitelist[i] = strings.ToLower(p)
	}

	c.rules = rules
	c.whitelist = whitelist
	c.loadedAt = c.now()
	c.loaded = true
	return c.rules, c.whitelist
}

// match runs the ordered rule list against the text; the first matching rule
// wins. A match is voided when the message contains a whitelisted phrase that
// itself contains the matched substring, so "touching grass" passes a rule
// on "ass".
func (c *ruleCache) match(ctx context.Context, text string) (ruleMatch, bool) {
	rules, whitelist := c.snapshot(ctx)
	lower := strings.ToLower(text)

	for _, r := range rules {
		var matched string
		if r.re != nil {
			matched = strings.ToLower(r.re.FindString(text))
			if matched == "" {
				continue
			}
		} else {
			if !strings.Contains(lower, r.literal) {
				continue
			}
			matched = r.literal
		}

		if whitelisted(lower, matched, whitelist) {
			continue
		}
		return ruleMatch{tag: r.pattern, matched: matched, severity: r.severity}, true
	}
	return ruleMatch{}, false
}

func whitelisted(lowerText, matched string, whitelist []string) bool {
	for _, phrase := range whitelist {
		if strings.Contains(phrase, matched) && strings.Contains(lowerText, phrase) {
			return true
		}
	}
	return false
}
