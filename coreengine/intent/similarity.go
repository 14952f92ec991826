package intent

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// normalizeText lowercases s, turns punctuation into spaces and collapses
// whitespace. Apostrophes inside words are kept so "don't" stays one word.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		case !space:
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// KeywordSimilarity scores direct string containment between a and b after
// normalization: 1.0 on equality, shorter/longer length when one contains
// the other, otherwise 0.
func KeywordSimilarity(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if !strings.Contains(a, b) && !strings.Contains(b, a) {
		return 0
	}

	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

// tokenSet returns the distinct words of s longer than minLen-1 runes.
func tokenSet(s string, minLen int) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(normalizeText(s)) {
		if utf8.RuneCountInString(word) >= minLen {
			set[word] = struct{}{}
		}
	}
	return set
}

// JaccardSimilarity scores token overlap between a and b as
// |intersection| / |union| over words of at least cfg.MinTokenLen runes,
// plus cfg.LongWordBoost for every shared word of at least
// cfg.LongWordMinLen runes. The result is capped at 1.0.
func JaccardSimilarity(a, b string, cfg Config) float64 {
	ta := tokenSet(a, cfg.MinTokenLen)
	tb := tokenSet(b, cfg.MinTokenLen)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	boost := 0.0
	for word := range ta {
		if _, ok := tb[word]; ok {
			intersection++
			if utf8.RuneCountInString(word) >= cfg.LongWordMinLen {
				boost += cfg.LongWordBoost
			}
		}
	}
	union := len(ta) + len(tb) - intersection

	score := float64(intersection)/float64(union) + boost
	if score > 1.0 {
		return 1.0
	}
	return score
}
