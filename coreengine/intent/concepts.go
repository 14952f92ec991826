package intent

import (
	"sort"
	"strings"
)

// Lexicon maps a concept tag to the phrases that express it. Phrases are
// matched on whole words after normalization.
type Lexicon map[string][]string

// DefaultLexicon covers the standard routing actions.
func DefaultLexicon() Lexicon {
	return Lexicon{
		"callback": {
			"call me back", "call back", "callback", "contact me", "call me on",
			"ring me", "ring me back", "give me a call", "get back to me",
			"reach me", "phone me", "reach out",
		},
		"quote": {
			"quote", "estimate", "how much", "price", "pricing", "cost", "costs",
			"rates",
		},
		"opt-out": {
			"stop calling", "remove me", "unsubscribe", "do not call",
			"don't call", "opt out", "take me off", "not interested",
		},
		"transfer": {
			"speak to a person", "talk to a person", "talk to someone",
			"speak to someone", "real person", "human", "operator",
			"transfer me", "put me through",
		},
		"voicemail": {
			"leave a message", "voicemail", "voice mail", "take a message",
		},
		"end-call": {
			"goodbye", "bye", "that's all", "hang up", "that is all",
		},
		"escalate": {
			"manager", "supervisor", "complaint", "complain", "escalate",
		},
	}
}

// negationWindow is how many words before a phrase are searched for a
// negation.
const negationWindow = 4

var negations = map[string]struct{}{
	"no": {}, "not": {}, "never": {}, "don't": {}, "dont": {}, "doesn't": {},
	"won't": {}, "wouldn't": {}, "shouldn't": {}, "can't": {}, "cannot": {},
	"without": {},
}

// conceptIndex holds a lexicon's phrases as word sequences.
type conceptIndex struct {
	phrases map[string][][]string
}

func newConceptIndex(lex Lexicon) *conceptIndex {
	idx := &conceptIndex{phrases: make(map[string][][]string, len(lex))}
	for concept, phrases := range lex {
		for _, p := range phrases {
			if words := strings.Fields(normalizeText(p)); len(words) > 0 {
				idx.phrases[concept] = append(idx.phrases[concept], words)
			}
		}
	}
	return idx
}

// conceptsIn returns the sorted concept tags expressed by text. A phrase
// preceded by a negation within negationWindow words of the same clause
// does not count.
func (idx *conceptIndex) conceptsIn(text string) []string {
	var clauses [][]string
	for _, c := range strings.FieldsFunc(text, isClauseBreak) {
		if words := strings.Fields(normalizeText(c)); len(words) > 0 {
			clauses = append(clauses, words)
		}
	}

	var found []string
	for concept, phrases := range idx.phrases {
		if expresses(clauses, phrases) {
			found = append(found, concept)
		}
	}
	sort.Strings(found)
	return found
}

func isClauseBreak(r rune) bool {
	switch r {
	case ',', '.', ';', ':', '!', '?':
		return true
	}
	return false
}

func expresses(clauses, phrases [][]string) bool {
	for _, words := range clauses {
		for _, p := range phrases {
			if containsAffirmed(words, p) {
				return true
			}
		}
	}
	return false
}

func containsAffirmed(words, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		if hasPrefix(words[i:], phrase) && !negated(words, i) {
			return true
		}
	}
	return false
}

func hasPrefix(words, phrase []string) bool {
	for j, w := range phrase {
		if words[j] != w {
			return false
		}
	}
	return true
}

func negated(words []string, at int) bool {
	for i := max(0, at-negationWindow); i < at; i++ {
		if _, ok := negations[words[i]]; ok {
			return true
		}
	}
	return false
}

// similarity is the fraction of the sample's concepts present in the
// utterance, scaled by weight. A sample with no concepts scores 0, and so
// does an utterance expressing a concept the sample lacks.
func (idx *conceptIndex) similarity(utterance, sample string, weight float64) float64 {
	want := make(map[string]struct{})
	for _, c := range idx.conceptsIn(sample) {
		want[c] = struct{}{}
	}
	if len(want) == 0 {
		return 0
	}

	shared := 0
	for _, c := range idx.conceptsIn(utterance) {
		if _, ok := want[c]; !ok {
			return 0
		}
		shared++
	}
	return float64(shared) / float64(len(want)) * weight
}
