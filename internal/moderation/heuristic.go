package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// Compiled patterns for spam and link detection. These are compiled once at
// package init and reused for every call, making them safe and efficient for
// concurrent use.
var (
	// linkPattern matches http/https URLs, www. URLs, and bare domains on
	// common TLDs. The bare-domain variant is restricted to a known TLD
	// list to avoid false positives on version strings like "v2.0" or
	// decimal numbers like "3.14".
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/?\S*)`)

	// phonePattern matches various phone number formats such as:
	//   +1-555-123-4567, (555) 123-4567, 555.123.4567
	// Anchored to whitespace/string boundaries to avoid matching random
	// digit sequences embedded in normal words or short numbers like "100".
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// ContainsLink reports whether the text contains a URL or bare domain.
// Used by the pipeline for automatic link blocking and by the heuristic
// scorer.
func ContainsLink(text string) bool {
	return linkPattern.MatchString(text)
}

// leetReplacer normalizes common character substitutions before term
// matching.
var leetReplacer = strings.NewReplacer(
	"@", "a",
	"0", "o",
	"3", "e",
	"$", "s",
	"1", "i",
	"!", "i",
)

// Heuristic score levels. Term matches land above the block threshold;
// flooding patterns land in the review band.
const (
	scoreTerm  = 0.95
	scorePhone = 0.85
	scoreFlood = 0.7
	scoreClean = 0.0
)

// DefaultTerms is the built-in high-toxicity phrase list used when no
// custom list is configured.
var DefaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
}

// HeuristicScorer is an in-process toxicity model built from the spam
// heuristics: a phrase list with leetspeak normalization plus flooding and
// contact-info patterns. It backs the scorer sidecar and serves as a local
// fallback in tests.
type HeuristicScorer struct {
	terms []string // lowercase phrases
}

// NewHeuristicScorer creates a scorer over the given phrase list. A nil
// list falls back to DefaultTerms.
func NewHeuristicScorer(terms []string) *HeuristicScorer {
	if terms == nil {
		terms = DefaultTerms
	}
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}
	return &HeuristicScorer{terms: lowered}
}

// Score rates the text's toxicity in [0,1]. It never fails; the error
// return satisfies the Scorer interface.
func (h *HeuristicScorer) Score(_ context.Context, text string) (float64, error) {
	lower := strings.ToLower(text)
	normalized := leetReplacer.Replace(lower)

	for _, term := range h.terms {
		if strings.Contains(lower, term) || strings.Contains(normalized, term) {
			return scoreTerm, nil
		}
	}

	if ContainsLink(text) {
		return scoreTerm, nil
	}
	if phonePattern.MatchString(text) {
		return scorePhone, nil
	}
	if hasCharFlood(text) || hasWordFlood(text) {
		return scoreFlood, nil
	}

	return scoreClean, nil
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is implemented as a simple linear scan which is both correct and fast.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively (case-insensitive). Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
